package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/lease"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

func newLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore connects the configured backend. The engine closes it on Stop.
func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{URL: cfg.URL, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := mongo.Open(ctx, cfg.URL, cfg.Database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// runtime bundles everything a command needs.
type runtime struct {
	cfg      Config
	logger   *slog.Logger
	engine   *entitle.Engine
	registry *prometheus.Registry
	closers  []io.Closer
}

func (r *runtime) Close() error {
	var errs entitle.MultiError
	errs.Add(r.engine.Stop())
	for _, c := range r.closers {
		errs.Add(c.Close())
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// newRuntime opens the store and lease and builds the engine. Issuance
// notifications are logged. No artifact generator is configured here, so
// issue_artifact messages are rescheduled at the initial backoff without
// spending an attempt and stay pending until a host wires one in.
func newRuntime(ctx context.Context, cfg Config) (*runtime, error) {
	logger := newLogger(cfg.Log, os.Stderr)

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	rt := &runtime{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	var locker lease.Locker = lease.NewMemory()
	if cfg.Lease.RedisURL != "" {
		redisLocker, err := lease.NewRedisFromURL(ctx, cfg.Lease.RedisURL, cfg.Lease.Prefix)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		locker = redisLocker
		rt.closers = append(rt.closers, redisLocker)
	}

	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(rt.registry))

	rt.engine = entitle.New(s,
		entitle.WithLogger(logger),
		entitle.WithLocker(locker),
		entitle.WithPlugin(metrics),
		entitle.WithNotifier(logNotifier(logger)),
		entitle.WithPublicBaseURL(cfg.PublicBaseURL),
		entitle.WithDispatchConfig(entitle.DispatchConfig{
			Interval:    cfg.Dispatch.Interval,
			BatchSize:   cfg.Dispatch.BatchSize,
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			CallTimeout: cfg.Dispatch.CallTimeout,
		}),
		entitle.WithReconcileConfig(entitle.ReconcileConfig{
			Interval:  cfg.Reconcile.Interval,
			BatchSize: cfg.Reconcile.BatchSize,
			GraceDays: cfg.Reconcile.GraceDays,
			LeaseTTL:  cfg.Reconcile.LeaseTTL,
		}),
	)
	return rt, nil
}

func logNotifier(logger *slog.Logger) entitle.Notifier {
	return entitle.NotifierFunc(func(_ context.Context, n entitle.Notification) error {
		logger.Info("issuance notification",
			"subject_id", n.SubjectID.String(),
			"recipient", n.Recipient,
			"public_link", n.PublicLink,
			"artifact_ref", n.ArtifactRef,
		)
		return nil
	})
}
