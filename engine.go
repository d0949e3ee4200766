package entitle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/lease"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// DispatchConfig tunes the side-effect outbox worker.
type DispatchConfig struct {
	// Interval between outbox polls.
	Interval time.Duration
	// BatchSize caps the messages handled per poll.
	BatchSize int
	// MaxAttempts after which a failing message is marked dead.
	MaxAttempts int
	// CallTimeout bounds each artifact generator or notifier call.
	CallTimeout time.Duration
	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DisableInline leaves freshly enqueued messages to the worker instead
	// of dispatching them in the caller's goroutine right after commit.
	DisableInline bool
}

// ReconcileConfig tunes the reconciliation job.
type ReconcileConfig struct {
	// Interval of the scheduled run. Zero disables scheduling.
	Interval time.Duration
	// BatchSize is the page size of each scan query.
	BatchSize int
	// GraceDays is how far past due a subscription or payment may be before
	// escalation.
	GraceDays int
	// LeaseKey and LeaseTTL configure overlap protection.
	LeaseKey string
	LeaseTTL time.Duration
}

// DefaultDispatchConfig returns the dispatcher defaults.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Interval:       10 * time.Second,
		BatchSize:      50,
		MaxAttempts:    8,
		CallTimeout:    10 * time.Second,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     time.Hour,
	}
}

// DefaultReconcileConfig returns the reconciliation defaults.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		BatchSize: 100,
		GraceDays: 30,
		LeaseKey:  "entitle:reconcile",
		LeaseTTL:  10 * time.Minute,
	}
}

// Engine is the entitlement state engine. It is the only writer of subject
// payment status and publication.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time

	locker     lease.Locker
	generator  ArtifactGenerator
	notifier   Notifier
	recipients RecipientResolver
	publicBase string

	skipMigrate bool
	dispatch    DispatchConfig
	reconcile   ReconcileConfig

	// Background workers
	stopChan chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// New creates an Engine backed by s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		plugins:    plugin.NewRegistry(),
		logger:     slog.Default(),
		now:        time.Now,
		locker:     lease.NewMemory(),
		recipients: OwnerRecipient{},
		dispatch:   DefaultDispatchConfig(),
		reconcile:  DefaultReconcileConfig(),
		stopChan:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // duplicate names are logged by the registry
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocker sets the lease provider guarding reconciliation runs.
func WithLocker(l lease.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithArtifactGenerator sets the artifact generator collaborator.
func WithArtifactGenerator(g ArtifactGenerator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithNotifier sets the notifier collaborator.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRecipientResolver sets how a subject's notification recipient is found.
func WithRecipientResolver(r RecipientResolver) Option {
	return func(e *Engine) { e.recipients = r }
}

// WithPublicBaseURL sets the base URL public subject links are built from.
func WithPublicBaseURL(base string) Option {
	return func(e *Engine) { e.publicBase = base }
}

// WithoutMigrate stops Start from migrating the store, for deployments that
// run migrations separately.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// WithDispatchConfig replaces the dispatcher configuration. Zero fields keep
// their defaults.
func WithDispatchConfig(cfg DispatchConfig) Option {
	return func(e *Engine) {
		d := DefaultDispatchConfig()
		if cfg.Interval > 0 {
			d.Interval = cfg.Interval
		}
		if cfg.BatchSize > 0 {
			d.BatchSize = cfg.BatchSize
		}
		if cfg.MaxAttempts > 0 {
			d.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.CallTimeout > 0 {
			d.CallTimeout = cfg.CallTimeout
		}
		if cfg.InitialBackoff > 0 {
			d.InitialBackoff = cfg.InitialBackoff
		}
		if cfg.MaxBackoff > 0 {
			d.MaxBackoff = cfg.MaxBackoff
		}
		d.DisableInline = cfg.DisableInline
		e.dispatch = d
	}
}

// WithReconcileConfig replaces the reconciliation configuration. Zero fields
// keep their defaults.
func WithReconcileConfig(cfg ReconcileConfig) Option {
	return func(e *Engine) {
		r := DefaultReconcileConfig()
		r.Interval = cfg.Interval
		if cfg.BatchSize > 0 {
			r.BatchSize = cfg.BatchSize
		}
		if cfg.GraceDays > 0 {
			r.GraceDays = cfg.GraceDays
		}
		if cfg.LeaseKey != "" {
			r.LeaseKey = cfg.LeaseKey
		}
		if cfg.LeaseTTL > 0 {
			r.LeaseTTL = cfg.LeaseTTL
		}
		e.reconcile = r
	}
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Start migrates the store unless WithoutMigrate was given and begins the
// background workers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("entitle: engine already started")
	}

	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.stopChan = make(chan struct{})

	e.wg.Add(1)
	go e.dispatchWorker(workerCtx)

	if e.reconcile.Interval > 0 {
		e.wg.Add(1)
		go e.reconcileWorker(workerCtx)
	}

	e.started = true
	e.logger.Info("entitle engine started",
		"dispatch_interval", e.dispatch.Interval,
		"dispatch_batch", e.dispatch.BatchSize,
		"max_attempts", e.dispatch.MaxAttempts,
		"reconcile_interval", e.reconcile.Interval,
		"grace_days", e.reconcile.GraceDays,
	)
	return nil
}

// Stop shuts the workers down, emits shutdown hooks and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		close(e.stopChan)
		e.cancel()
		e.wg.Wait()
		e.started = false
	}

	e.plugins.EmitShutdown(context.Background())

	return e.store.Close()
}

// dispatchWorker drains due outbox messages on every tick.
func (e *Engine) dispatchWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.dispatch.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			n, err := e.DispatchPending(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("outbox dispatch failed", "error", err)
				continue
			}
			if n > 0 {
				e.logger.Debug("outbox dispatched", "messages", n)
			}
		}
	}
}

// reconcileWorker runs the reconciliation job on a fixed interval.
func (e *Engine) reconcileWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.reconcile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			summary, err := e.Reconcile(ctx, actor.System)
			switch {
			case errors.Is(err, ErrReconcileInProgress):
				e.logger.Debug("scheduled reconciliation skipped, lease held elsewhere")
			case err != nil && ctx.Err() == nil:
				e.logger.Error("scheduled reconciliation failed", "error", err)
			case summary != nil:
				e.logger.Info("scheduled reconciliation finished",
					"updated", summary.UpdatedCount,
					"errors", len(summary.Errors),
				)
			}
		}
	}
}
