// Package main provides the agentlens server entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/agentlens/internal/broadcast"
	"github.com/thebtf/agentlens/internal/config"
	"github.com/thebtf/agentlens/internal/persist"
	"github.com/thebtf/agentlens/internal/pipeline"
	"github.com/thebtf/agentlens/internal/server"
	"github.com/thebtf/agentlens/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	watchRoot := flag.String("watch", "", "Transcript root directory (overrides config)")
	dataDir := flag.String("data-dir", "", "Durable store directory (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if err := config.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *watchRoot != "" {
		cfg.WatchRoots = []string{*watchRoot}
	}
	if *dataDir != "" {
		cfg.StoreDir = *dataDir
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down agentlens")
		cancel()
	}()

	durable, err := persist.NewStore(cfg.StoreDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open durable store")
	}
	defer durable.Close()

	store := session.NewStore()
	hub := broadcast.NewHub()

	pipe := pipeline.New(pipeline.Options{
		WatchRoots:        cfg.WatchRoots,
		StoreRoot:         cfg.StoreDir,
		Debounce:          time.Duration(cfg.DebounceMs) * time.Millisecond,
		ToolWindow:        time.Duration(cfg.ToolWindowSec) * time.Second,
		DashboardInterval: pipeline.DefaultDashboardInterval,
	}, store, durable, hub)

	filter := session.Filter{
		MinSteps:     cfg.ListMinSteps,
		ActiveWithin: time.Duration(cfg.ListActiveWithin) * time.Minute,
	}
	srv := server.New(cfg.ListenAddr, store, hub, filter, cfg.ClientQueueSize)

	log.Info().
		Str("version", Version).
		Strs("watchRoots", cfg.WatchRoots).
		Str("storeDir", cfg.StoreDir).
		Msg("Starting agentlens")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("agentlens exited with error")
	}
}
