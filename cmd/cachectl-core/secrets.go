package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lancache/cachectl-core/pkg/config"
	"github.com/lancache/cachectl-core/pkg/secretstore"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage catalog credentials held by the secret store",
}

var secretsRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Clear stored catalog credentials and fall back to anonymous auth",
	Long: `rotate discards whatever refresh token is currently sealed in
the secret store, the same path an automatic session-replacement
logout takes, for operators who want to force a clean
re-authentication without waiting for Steam to replace the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		store, err := secretstore.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("secrets rotate: %w", err)
		}

		if err := store.Clear(); err != nil {
			return fmt.Errorf("secrets rotate: %w", err)
		}

		color.New(color.FgGreen).Println("credentials cleared; catalog will authenticate anonymously on next connect")
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsRotateCmd)
}
