package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/courtside-app/entitlements/internal/api"
	"github.com/courtside-app/entitlements/internal/billing"
	"github.com/courtside-app/entitlements/internal/billing/bridge"
	"github.com/courtside-app/entitlements/internal/cache"
	"github.com/courtside-app/entitlements/internal/catalog"
	"github.com/courtside-app/entitlements/internal/config"
	"github.com/courtside-app/entitlements/internal/entitle"
	"github.com/courtside-app/entitlements/internal/ledger"
	"github.com/courtside-app/entitlements/internal/logging"
	"github.com/courtside-app/entitlements/internal/reconcile"
	"github.com/courtside-app/entitlements/pkg/plans"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlementd",
	Short:   "entitlementd - subscription entitlement reconciliation daemon",
	Long:    `entitlementd reconciles the device purchase ledger, the remote entitlement store, and complimentary grants into a single authoritative subscription tier, and serves the resolved feature gates to the app.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlementd %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "entitlementd",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Plan overlay, if configured.
	var planWatcher *config.PlanWatcher
	if cfg.Plans.OverlayPath != "" {
		planWatcher, err = config.NewPlanWatcher(cfg.Plans.OverlayPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Plans.OverlayPath).Msg("Plan overlay load failed")
		}
		if err := planWatcher.Start(); err != nil {
			log.Fatal().Err(err).Msg("Plan overlay watcher start failed")
		}
		defer planWatcher.Stop()
	}

	// Billing platform.
	bridgeClient := bridge.New(cfg.Billing.BridgeURL, cfg.Billing.ExpectedBundle)
	conn := billing.NewConnectionManager(bridgeClient, cfg.Billing.ConnectTimeout)

	// Remote entitlement store.
	var store entitle.RemoteStore
	if cfg.Remote.BaseURL != "" {
		store = entitle.NewHTTPStore(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	} else {
		log.Warn().Msg("No remote entitlement store configured; upserts and complimentary grants disabled")
	}
	synchronizer := entitle.NewSynchronizer(store, func() string { return cfg.Session.UserID })

	// Gate cache.
	var gates cache.Cache
	switch cfg.Cache.Type {
	case "redis":
		redisCache, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Msg("Redis connection failed")
		}
		defer redisCache.Close()
		gates = redisCache
	case "memory":
		memCache := cache.NewMemory()
		defer memCache.Close()
		gates = memCache
	}

	fetcher := catalog.NewFetcher(conn, bridgeClient, plans.RequestedSKUs())
	fetcher.SetBundleMismatchProbe(bridgeClient.BundleMismatch)
	scanner := ledger.NewScanner(conn, bridgeClient, cfg.Billing.ScanTimeout)

	engine := reconcile.NewEngine(conn, bridgeClient, fetcher, scanner, synchronizer, gates, func(err error) {
		log.Warn().Err(err).Msg("Purchase failed; UI should offer a retry")
	})

	engine.Start(ctx)
	defer engine.Stop()

	handlers := api.NewHandlers(engine, gates, cfg.Cache.TTL)
	server := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      api.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Consumer API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Consumer API server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Consumer API shutdown failed")
	}
}
