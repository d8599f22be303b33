package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yusef-r/daowyn-sub000/internal/admission"
	"github.com/yusef-r/daowyn-sub000/internal/cache"
	"github.com/yusef-r/daowyn-sub000/internal/chain"
	"github.com/yusef-r/daowyn-sub000/internal/config"
	"github.com/yusef-r/daowyn-sub000/internal/httpapi"
	"github.com/yusef-r/daowyn-sub000/internal/keeper"
	"github.com/yusef-r/daowyn-sub000/internal/logindex"
	"github.com/yusef-r/daowyn-sub000/internal/snapshot"
	"github.com/yusef-r/daowyn-sub000/internal/spin"
	"github.com/yusef-r/daowyn-sub000/internal/telemetry"
)

const (
	appName = "daowynd"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Round snapshot aggregation daemon",
		Version: version,
		Long: `daowynd aggregates on-chain wheel round state and contribution
events into a single cached snapshot document, served over a read-only
HTTP surface with conditional request support.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the snapshot service",
		Long:  "Starts the snapshot builder, cache, HTTP server and, when enabled, the reveal keeper.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)

	log.Info().Str("version", version).Str("addr", cfg.HTTP.Addr).
		Str("contract", cfg.Chain.Contract).Bool("keeper", cfg.Keeper.Enabled).
		Msg("starting")

	reg := prometheus.NewRegistry()
	tel := telemetry.NewAggregator(reg, nil)

	chainClient := chain.NewClient(chain.Config{
		RPCURL:     cfg.Chain.RPCURL,
		Contract:   cfg.Chain.Contract,
		Multicall:  cfg.Chain.Multicall,
		KeeperFrom: cfg.Keeper.From,
	})
	indexClient := logindex.NewClient(logindex.Config{BaseURL: cfg.Index.BaseURL})
	defer indexClient.Close()

	spinCfg := spin.DefaultConfig()
	spinCfg.RevealWindow = cfg.Spin.RevealWindow

	builder := snapshot.NewBuilder(snapshot.Config{
		Contract:      cfg.Chain.Contract,
		RoundLookback: cfg.Index.RoundLookback,
		Spin:          spinCfg,
	}, chainClient, indexClient, nil)

	admit := admission.NewLimiter(cfg.Admit.RefillEvery, cfg.Admit.Burst, 0)
	snapCache := cache.New(cache.Config{
		StaleCeiling: cfg.Cache.StaleCeiling,
		BuildTimeout: cfg.Cache.BuildTimeout,
	}, builder, admit, tel, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scheduler httpapi.Scheduler
	if cfg.Keeper.Enabled {
		k := keeper.New(keeper.Config{
			Tick:        cfg.Keeper.Tick,
			PreDeadline: cfg.Keeper.PreDeadline,
		}, snapCache, chainClient, tel, nil)
		scheduler = k
		go k.Run(ctx)
	}

	server := httpapi.New(httpapi.Config{Addr: cfg.HTTP.Addr}, snapCache, scheduler, tel, reg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown did not drain cleanly")
	}
	log.Info().Msg("stopped")
	return nil
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
