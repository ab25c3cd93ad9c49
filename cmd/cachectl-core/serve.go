package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lancache/cachectl-core/pkg/appstate"
	"github.com/lancache/cachectl-core/pkg/catalog"
	"github.com/lancache/cachectl-core/pkg/config"
	"github.com/lancache/cachectl-core/pkg/corelog"
	"github.com/lancache/cachectl-core/pkg/depot"
	"github.com/lancache/cachectl-core/pkg/depotschedule"
	"github.com/lancache/cachectl-core/pkg/health"
	"github.com/lancache/cachectl-core/pkg/jobs"
	"github.com/lancache/cachectl-core/pkg/localcache"
	"github.com/lancache/cachectl-core/pkg/memrepo"
	"github.com/lancache/cachectl-core/pkg/metrics"
	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
	"github.com/lancache/cachectl-core/pkg/secretstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management plane core: depot scans, job runners, and the push bus",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := corelog.WithComponent("main")

	store, err := appstate.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	secrets, err := secretstore.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	if raw, ok := store.TakeLegacySteamAuth(); ok {
		if migrated, merr := secrets.MigrateFromLegacyJSON(raw); merr != nil {
			log.Error().Err(merr).Msg("failed to migrate legacy steam_auth block out of state.json")
		} else if migrated {
			log.Info().Msg("migrated legacy steam_auth block into the sealed secret store")
		}
	}

	bus := pushbus.New()

	ops := operations.New(cfg.DataDir, cfg.Operations.RetentionSweepEvery)
	ops.RecoverFromCrash()
	ops.Start()
	defer ops.Stop()

	catalogClient := catalog.New(unconfiguredTransport{}, secrets, bus, catalog.Config{
		ConnectTimeout:                 cfg.Catalog.ConnectTimeout,
		LogonTimeout:                   cfg.Catalog.LogonTimeout,
		MaxReconnectAttempts:           cfg.Catalog.MaxReconnectAttempts,
		MaxSessionReplacedBeforeLogout: uint32(cfg.Catalog.MaxSessionReplacedBeforeLogout),
		ProgressThrottle:               cfg.Depot.ProgressThrottle,
	})

	catalogClient.OnSessionReplaced(func(count uint32, at time.Time) {
		if err := store.Update(func(st *appstate.AppState) {
			st.SessionReplacement.Count = count
			st.SessionReplacement.LastUTC = &at
		}); err != nil {
			log.Error().Err(err).Msg("failed to persist session-replacement count")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go catalogClient.RunReconnectSupervisor(ctx)
	defer catalogClient.Stop()

	repo := memrepo.New()
	storefront := memrepo.NewStaticStorefront(nil)

	engine := depot.New(
		store,
		catalogClient,
		bus,
		ops,
		repo,
		repo,
		storefront,
		depot.NewHTTPArtifactFetcher(),
		depot.Config{
			BatchSize:               cfg.Depot.BatchSize,
			ProgressThrottle:        cfg.Depot.ProgressThrottle,
			IncrementalChangeBudget: cfg.Depot.IncrementalChangeBudget,
			ArtifactURL:             cfg.Depot.ArtifactURL,
			ArtifactTimeout:         cfg.Depot.ArtifactTimeout,
			SnapshotPath:            filepath.Join(cfg.DataDir, "pics_depot_mappings.json"),
		},
	)

	scheduler := depotschedule.New(store, engine, bus)
	scheduler.Start()
	defer scheduler.Stop()

	jobRunner := &jobs.Runner{
		Ops:          ops,
		Bus:          bus,
		Store:        store,
		CacheFS:      localcache.New(cfg.Tooling.CacheDir),
		DepotRepo:    repo,
		DownloadRepo: repo,
		TableRepo:    repo,
		Tooling: &jobs.ToolingConfig{
			LogManagerPath:        cfg.Tooling.LogManagerPath,
			CorruptionManagerPath: cfg.Tooling.CorruptionManagerPath,
			LogDir:                cfg.Tooling.LogDir,
			CacheDir:              cfg.Tooling.CacheDir,
			ProgressDir:           cfg.Tooling.ProgressDir,
			Timezone:              cfg.Tooling.Timezone,
		},
	}
	_ = jobRunner // wired for HTTP/RPC callers outside this module's scope

	collector := metrics.NewCollector(ops, bus)
	collector.Start()
	defer collector.Stop()

	agg := health.NewAggregator(map[string]health.Checker{
		"state_store": health.StateStoreChecker{Store: store},
		"catalog":     health.CatalogChecker{Client: catalogClient},
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", health.Handler(agg))

	httpServer := &http.Server{Addr: cfg.Health.Addr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health/metrics server stopped")
		}
	}()
	log.Info().Str("addr", cfg.Health.Addr).Msg("health and metrics endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	return nil
}
