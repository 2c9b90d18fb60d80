package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/safehub/safehub/internal/api"
	"github.com/safehub/safehub/internal/config"
	"github.com/safehub/safehub/internal/logging"
	"github.com/safehub/safehub/internal/policy"
	"github.com/safehub/safehub/internal/safetycenter"
	"github.com/safehub/safehub/internal/sourcedata"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	flagListen       string
	flagSourcesPath  string
	flagSnapshotPath string
	flagLogLevel     string
	flagLogFormat    string
)

var rootCmd = &cobra.Command{
	Use:     "safehubd",
	Short:   "safehubd - device safety center aggregation daemon",
	Long:    `safehubd aggregates status and issue reports from independent safety sources into one consistent, deduplicated view.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("safehubd %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagListen, "listen", envOr("SAFEHUB_LISTEN", "127.0.0.1:8787"), "address to serve the API on")
	rootCmd.PersistentFlags().StringVar(&flagSourcesPath, "sources", envOr("SAFEHUB_SOURCES", "/etc/safehub/sources.json"), "path to the safety sources config file")
	rootCmd.PersistentFlags().StringVar(&flagSnapshotPath, "snapshot", envOr("SAFEHUB_SNAPSHOT", "/var/lib/safehub/dismissals.json"), "path to the dismissal snapshot file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", envOr("SAFEHUB_LOG_LEVEL", "info"), "log level")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", envOr("SAFEHUB_LOG_FORMAT", "auto"), "log format: json, console, or auto")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Optional .env for development setups; missing file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runServer() error {
	logging.Init(logging.Config{
		Format:    flagLogFormat,
		Level:     flagLogLevel,
		Component: "safehubd",
	})
	log.Info().Str("version", Version).Msg("Starting safehubd")

	cfg, err := config.Load(flagSourcesPath)
	if err != nil {
		return fmt.Errorf("failed to load sources config: %w", err)
	}

	manager := safetycenter.NewDataManager(cfg, policy.Default(), safetycenter.Options{
		SnapshotPath: flagSnapshotPath,
	})
	manager.RegisterRewriter("lockscreen", sourcedata.NewLockScreenRewriter())
	manager.Start()
	defer manager.Stop()

	watcher, err := config.NewWatcher(flagSourcesPath, manager.SetConfig)
	if err != nil {
		log.Warn().Err(err).Msg("Config watching unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start config watcher")
	} else {
		defer watcher.Stop()
	}

	server := api.NewServer(manager)
	go server.Hub().Run()
	defer server.Hub().Stop()

	httpServer := &http.Server{
		Addr:              flagListen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", flagListen).Msg("Serving safety center API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info().Msg("safehubd stopped")
	return nil
}
