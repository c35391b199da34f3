// Package main provides the standalone skill-mill audit server.
package main

import (
	"context"
	"errors"
	"flag"
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
	"github.com/Yehonatan-Bar/skill-mill/internal/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Config file path (default: <root>/"+config.ConfigFileName+")")
	root := flag.String("root", "", "Project root (default: $"+config.EnvRoot+" or .)")
	addr := flag.String("addr", "", "Listen address (default: config server_addr)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

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
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create work directories")
	}

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

	svc := server.New(Version, cfg, artifact.NewStore(cfg), gorm.NewStateStore(store))

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down audit server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Audit server shutdown failed")
		}
	}()

	log.Info().Str("version", Version).Str("root", cfg.Root).Msg("Audit server starting")
	if err := svc.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Audit server error")
	}
	log.Info().Msg("Audit server stopped")
}
