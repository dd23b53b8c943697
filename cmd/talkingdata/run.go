package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/talkingdata/internal/buildmode"
	"github.com/benaskins/talkingdata/internal/config"
	"github.com/benaskins/talkingdata/internal/health"
	"github.com/benaskins/talkingdata/internal/host"
	"github.com/benaskins/talkingdata/internal/journal"
	"github.com/benaskins/talkingdata/internal/keychain"
	"github.com/benaskins/talkingdata/internal/launcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host and its backend sidecar",
	Long:  "Start the application host. In packaged mode the bundled backend is launched next to this executable and its output is relayed to the log until shutdown.",
	Args:  cobra.NoArgs,
	RunE:  runHost,
}

var debugLogs bool

func init() {
	runCmd.Flags().BoolVar(&debugLogs, "debug", false, "Log at debug level")
	rootCmd.AddCommand(runCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if debugLogs {
		level = slog.LevelDebug
	}
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode, err := buildmode.Resolve(os.Getenv(buildmode.EnvVar), cfg.BuildMode)
	if err != nil {
		return err
	}

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer j.Close()
	}

	l := launcher.New(launcher.Config{
		Mode:    mode,
		Name:    cfg.Sidecar.Name,
		BinDir:  cfg.Sidecar.BinDir,
		Port:    cfg.Sidecar.Port,
		Env:     cfg.Sidecar.Env,
		Secrets: cfg.Sidecar.Secrets,
	},
		launcher.WithSecrets(keychain.NewSystemStore()),
		launcher.WithJournal(j),
		launcher.WithLogger(logger.With("component", "launcher")),
	)

	opts := []host.Option{
		host.WithLogger(logger),
		host.WithJournal(j),
		host.WithStopTimeout(cfg.Sidecar.StopTimeout.Duration),
	}
	if !cfg.Sidecar.Health.Disabled {
		opts = append(opts, host.WithProbe(probeConfig(cfg.Sidecar)))
	}
	h := host.New(l, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("talkingdata starting", "mode", mode, "version", version)
	if err := h.Setup(ctx); err != nil {
		return fmt.Errorf("host setup: %w", err)
	}

	<-ctx.Done()
	logger.Info("received signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sidecar.StopTimeout.Duration+5*time.Second)
	defer cancel()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error("sidecar shutdown failed", "error", err)
	}
	logger.Info("talkingdata stopped")
	return nil
}

func probeConfig(s config.Sidecar) health.Config {
	return health.Config{
		Type:        s.Health.Type,
		Path:        s.Health.Path,
		Port:        s.Port,
		Interval:    s.Health.Interval.Duration,
		Timeout:     s.Health.Timeout.Duration,
		GracePeriod: s.Health.GracePeriod.Duration,
		Deadline:    s.Health.Deadline.Duration,
	}
}
