package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/octoreflex/internal/anomaly"
	"github.com/octoreflex/octoreflex/internal/budget"
	"github.com/octoreflex/octoreflex/internal/config"
	"github.com/octoreflex/octoreflex/internal/containment"
	"github.com/octoreflex/octoreflex/internal/enforce"
	"github.com/octoreflex/octoreflex/internal/ingest"
	"github.com/octoreflex/octoreflex/internal/server"
	"github.com/octoreflex/octoreflex/internal/storage"
	"github.com/octoreflex/octoreflex/internal/telemetry"
	"github.com/octoreflex/octoreflex/pkg/types"
)

const defaultConfigPath = "/etc/octoreflex/config.yaml"

func newRunCmd() *cobra.Command {
	var (
		configPath string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the containment agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath, dryRun)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", defaultConfigPath, "config file path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"score and transition without programming the kernel map")
	return cmd
}

func runDaemon(parent context.Context, configPath string, dryRun bool) error {
	cfg, err := loadOrDefaults(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	if !dryRun && os.Getuid() != 0 {
		return errors.New("octoreflex must run as root (use --dry-run otherwise)")
	}

	log.Info("octoreflex starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("node_id", cfg.NodeID),
		zap.Bool("dry_run", dryRun))

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var ledger *storage.DB
	if !dryRun {
		ledger, err = storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close() //nolint:errcheck
		if pruned, err := ledger.Prune(); err != nil {
			log.Warn("ledger pruning failed", zap.Error(err))
		} else if pruned > 0 {
			log.Info("ledger pruned", zap.Int("deleted", pruned))
		}
	}

	// Kernel boundary. A missing pinned map is fatal outside dry-run:
	// containment without enforcement is worse than not starting.
	var enforcer enforce.Enforcer = enforce.Nop{}
	if !dryRun {
		bpf, err := enforce.LoadPinned(cfg.Enforcement.MapPinPath)
		if err != nil {
			return fmt.Errorf("load enforcement map: %w", err)
		}
		enforcer = bpf
	}
	defer enforcer.Close() //nolint:errcheck

	metrics := telemetry.NewMetrics()
	go func() {
		if err := metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	sink := telemetry.NewChannelSink(cfg.Agent.SignalQueueSize)
	go drainEvents(ctx, sink, log)

	engine := anomaly.New(cfg.Anomaly)
	bucket := budget.New(cfg.Budget.Capacity, cfg.Budget.RefillRate)
	ctrl := containment.New(containment.Options{
		Config:   cfg,
		Engine:   engine,
		Bucket:   bucket,
		Enforcer: enforcer,
		Sink:     sink,
		Metrics:  metrics,
		Ledger:   ledger,
		Logger:   log,
	})

	signals, err := signalSource(ctx, cfg, dryRun, log)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx, signals, time.Second)
	}()

	if cfg.Operator.Enabled {
		srv := server.New(ctrl, log)
		go func() {
			if err := srv.Serve(ctx, cfg.Operator.SocketPath); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	go watchReload(ctx, configPath, ctrl, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
	cancel()

	select {
	case <-done:
		log.Info("controller drained")
	case <-time.After(5 * time.Second):
		log.Warn("shutdown drain timeout")
	}
	log.Info("octoreflex shutdown complete")
	return nil
}

// loadOrDefaults loads the config file; a missing file at the default path
// means run on defaults, a missing file anywhere else is an error.
func loadOrDefaults(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		cfg := config.Defaults()
		return &cfg, nil
	}
	return config.Load(path)
}

// signalSource opens the kernel ring buffer, or an idle channel in dry-run
// (signals then arrive only via operator pins).
func signalSource(ctx context.Context, cfg *config.Config, dryRun bool, log *zap.Logger) (<-chan types.AnomalySignal, error) {
	if dryRun {
		ch := make(chan types.AnomalySignal)
		go func() {
			<-ctx.Done()
			close(ch)
		}()
		return ch, nil
	}
	src := ingest.NewRingbuf(cfg.Enforcement.EventsPinPath, cfg.Agent.SignalQueueSize, log)
	signals, err := src.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("open kernel event source: %w", err)
	}
	return signals, nil
}

// watchReload applies containment thresholds from the config file on SIGHUP.
// An invalid file is logged and the running config retained.
func watchReload(ctx context.Context, configPath string, ctrl *containment.Controller, log *zap.Logger) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			log.Info("SIGHUP received, reloading config")
			newCfg, err := loadOrDefaults(configPath)
			if err != nil {
				log.Error("config reload failed, retaining old config", zap.Error(err))
				continue
			}
			ctrl.UpdateContainmentConfig(newCfg.Containment)
		}
	}
}

func drainEvents(ctx context.Context, sink *telemetry.ChannelSink, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink.C:
			log.Debug("event",
				zap.String("kind", string(ev.Kind)),
				zap.Uint32("pid", ev.Key.PID),
				zap.String("from", ev.From.String()),
				zap.String("to", ev.To.String()),
				zap.String("reason", ev.Reason))
		}
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
