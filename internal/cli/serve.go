package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/codesphere/internal/config"
	"github.com/harun/codesphere/internal/logger"
	"github.com/harun/codesphere/pkg/relay"
	"github.com/harun/codesphere/pkg/store"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CodeSphere relay server",
	Long: `Run the CodeSphere relay server in the foreground. The server accepts
session lookups over REST and collaboration traffic over WebSocket until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Local .env overrides, same as the rest of the deployment tooling.
	_ = godotenv.Load()

	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(store.Config{Path: cfg.Store.Path, Logger: zl})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	writer := store.NewWriter(st, cfg.Store.WriteQueueSize, zl)
	defer writer.Close()

	srv, err := relay.NewServer(relay.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		Store:       st,
		Persist:     writer,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Hot-reload the log level when the config file changes.
	loader.Watch(func(next *config.Config) {
		level, err := zerolog.ParseLevel(next.Logging.Level)
		if err != nil {
			zl.Warn().Str("level", next.Logging.Level).Msg("Ignoring invalid log level from config reload")
			return
		}
		zerolog.SetGlobalLevel(level)
		zl.Info().Str("level", next.Logging.Level).Msg("Log level updated")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zl.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	return srv.Stop()
}
