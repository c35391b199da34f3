// Package main provides the skill-mill pipeline entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/Yehonatan-Bar/skill-mill/internal/artifact"
	"github.com/Yehonatan-Bar/skill-mill/internal/config"
	"github.com/Yehonatan-Bar/skill-mill/internal/db/gorm"
	"github.com/Yehonatan-Bar/skill-mill/internal/pipeline"
	"github.com/Yehonatan-Bar/skill-mill/internal/server"
	"github.com/Yehonatan-Bar/skill-mill/internal/watcher"
)

// Version is set at build time via ldflags.
var Version = "dev"

// watchDebounce is the quiet period after a corpus change before a new
// run starts. Bulk copies land as one run.
const watchDebounce = 2 * time.Second

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Config file path (default: <root>/"+config.ConfigFileName+")")
	root := flag.String("root", "", "Project root (default: $"+config.EnvRoot+" or .)")
	resume := flag.Bool("resume", false, "Skip phases already checkpointed for the current corpus state")
	skipSynthesis := flag.Bool("skip-synthesis", false, "Stop after the quality phase, write no bundles")
	dryRun := flag.Bool("dry-run", false, "List the phases a run would execute and exit")
	watch := flag.Bool("watch", false, "Keep running and re-run when the corpus changes")
	serve := flag.Bool("serve", false, "Also start the audit server (live progress over SSE)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if *dryRun {
		for i, name := range pipeline.PhaseNames() {
			fmt.Printf("%2d. %s\n", i+1, name)
		}
		return
	}

	// Load config; an explicit -root moves both the file lookup and the tree
	path := *configPath
	if path == "" && *root != "" {
		path = filepath.Join(*root, config.ConfigFileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *root != "" {
		cfg.Root = *root
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create work directories")
	}

	// Open the state database (migrations run automatically)
	storeCfg := gorm.Config{
		Path:        cfg.StateDBPath(),
		PostgresDSN: cfg.PostgresDSN,
		MaxConns:    cfg.MaxConns,
		LogLevel:    logger.Silent,
	}
	if *debug {
		storeCfg.LogLevel = logger.Warn
	}
	store, err := gorm.NewStore(storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state database")
	}
	defer store.Close()

	state := gorm.NewStateStore(store)
	artifacts := artifact.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down")
		cancel()
	}()

	// Optionally embed the audit server so runs stream progress live
	var opts []pipeline.Option
	var svc *server.Service
	if *serve {
		svc = server.New(Version, cfg, artifacts, state)
		opts = append(opts, pipeline.WithProgress(svc.Broadcaster()))
		go func() {
			if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Audit server error")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := svc.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Audit server shutdown failed")
			}
		}()
	}

	p, err := pipeline.New(cfg, artifacts, state, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pipeline")
	}
	log.Info().
		Str("version", Version).
		Str("root", cfg.Root).
		Str("state", store.Backend()).
		Msg("skill-mill starting")

	runOpts := pipeline.Options{Resume: *resume, SkipSynthesis: *skipSynthesis}
	if !*watch {
		if _, err := p.Run(ctx, runOpts); err != nil {
			store.Close()
			os.Exit(1)
		}
		return
	}

	runWatch(ctx, p, cfg, runOpts)
}

// runWatch executes an initial run, then re-runs after each debounced
// corpus change until the context is canceled. Triggers arriving while
// a run is in flight coalesce into one followup run.
func runWatch(ctx context.Context, p *pipeline.Pipeline, cfg *config.Config, opts pipeline.Options) {
	runCh := make(chan struct{}, 1)
	trigger := func() {
		select {
		case runCh <- struct{}{}:
		default:
		}
	}

	w, err := watcher.New(cfg.CorpusPath(), cfg.CorpusGlob, watchDebounce, trigger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create corpus watcher")
	}
	if err := w.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start corpus watcher")
	}
	defer w.Stop()
	log.Info().Str("dir", cfg.CorpusPath()).Str("glob", cfg.CorpusGlob).Msg("Watching corpus")

	if _, err := p.Run(ctx, opts); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Pipeline run failed, watching for the next change")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-runCh:
			if _, err := p.Run(ctx, opts); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Pipeline run failed, watching for the next change")
			}
		}
	}
}
