package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/config"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or migrate the consolidated state document",
}

var stateDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the current state.json document",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := appstate.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("state dump: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(store.Get())
	},
}

var stateMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the one-shot legacy-file migration against a data directory",
	Long: `migrate loads (and implicitly migrates, if needed) the state
document for a data directory, the same import opening the server
would perform on first run. Useful for pre-flighting a migration
during an upgrade window without starting the full server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := appstate.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("state migrate: %w", err)
		}

		st := store.Get()
		color.New(color.FgGreen, color.Bold).Printf("state document ready at %s\n", cfg.DataDir)
		fmt.Printf("  log position:        %d\n", st.LogProcessing.Position)
		fmt.Printf("  last PICS crawl:     %v\n", st.Scheduling.LastPICSCrawlUTC)
		fmt.Printf("  crawl mode:          %s\n", st.Scheduling.CrawlMode)
		return nil
	},
}

func init() {
	stateCmd.AddCommand(stateDumpCmd)
	stateCmd.AddCommand(stateMigrateCmd)
}
