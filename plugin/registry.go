package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/subject"
)

// DefaultHookTimeout bounds a single hook invocation.
const DefaultHookTimeout = 5 * time.Second

// Registry manages registered plugins. Hook implementations are discovered
// once at registration and cached per hook type.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                 []OnInit
	onShutdown             []OnShutdown
	onPaymentStatusChanged []OnPaymentStatusChanged
	onPublicationChanged   []OnPublicationChanged
	onUsageStopped         []OnUsageStopped
	onSubjectDemoted       []OnSubjectDemoted
	onReconciled           []OnReconciled
	onArtifactIssued       []OnArtifactIssued
	onNotificationSent     []OnNotificationSent
	onSideEffectFailed     []OnSideEffectFailed
	onSideEffectRetried    []OnSideEffectRetried
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}
	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnPaymentStatusChanged); ok {
		r.onPaymentStatusChanged = append(r.onPaymentStatusChanged, v)
		hooks = append(hooks, "OnPaymentStatusChanged")
	}
	if v, ok := p.(OnPublicationChanged); ok {
		r.onPublicationChanged = append(r.onPublicationChanged, v)
		hooks = append(hooks, "OnPublicationChanged")
	}
	if v, ok := p.(OnUsageStopped); ok {
		r.onUsageStopped = append(r.onUsageStopped, v)
		hooks = append(hooks, "OnUsageStopped")
	}
	if v, ok := p.(OnSubjectDemoted); ok {
		r.onSubjectDemoted = append(r.onSubjectDemoted, v)
		hooks = append(hooks, "OnSubjectDemoted")
	}
	if v, ok := p.(OnReconciled); ok {
		r.onReconciled = append(r.onReconciled, v)
		hooks = append(hooks, "OnReconciled")
	}
	if v, ok := p.(OnArtifactIssued); ok {
		r.onArtifactIssued = append(r.onArtifactIssued, v)
		hooks = append(hooks, "OnArtifactIssued")
	}
	if v, ok := p.(OnNotificationSent); ok {
		r.onNotificationSent = append(r.onNotificationSent, v)
		hooks = append(hooks, "OnNotificationSent")
	}
	if v, ok := p.(OnSideEffectFailed); ok {
		r.onSideEffectFailed = append(r.onSideEffectFailed, v)
		hooks = append(hooks, "OnSideEffectFailed")
	}
	if v, ok := p.(OnSideEffectRetried); ok {
		r.onSideEffectRetried = append(r.onSideEffectRetried, v)
		hooks = append(hooks, "OnSideEffectRetried")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)
	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs call for every cached hook of one type, logging failures.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, hooks func(*Registry) []T, call func(T) error) {
	r.mu.RLock()
	targets := hooks(r)
	r.mu.RUnlock()

	for _, p := range targets {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return call(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", func(r *Registry) []OnInit { return r.onInit },
		func(p OnInit) error { return p.OnInit(ctx, engine) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", func(r *Registry) []OnShutdown { return r.onShutdown },
		func(p OnShutdown) error { return p.OnShutdown(ctx) })
}

func (r *Registry) EmitPaymentStatusChanged(ctx context.Context, s *subject.Subject, from subject.PaymentStatus, by actor.Actor) {
	emit(ctx, r, "OnPaymentStatusChanged", func(r *Registry) []OnPaymentStatusChanged { return r.onPaymentStatusChanged },
		func(p OnPaymentStatusChanged) error { return p.OnPaymentStatusChanged(ctx, s, from, by) })
}

func (r *Registry) EmitPublicationChanged(ctx context.Context, s *subject.Subject, coerced bool, by actor.Actor) {
	emit(ctx, r, "OnPublicationChanged", func(r *Registry) []OnPublicationChanged { return r.onPublicationChanged },
		func(p OnPublicationChanged) error { return p.OnPublicationChanged(ctx, s, coerced, by) })
}

func (r *Registry) EmitUsageStopped(ctx context.Context, s *subject.Subject, by actor.Actor) {
	emit(ctx, r, "OnUsageStopped", func(r *Registry) []OnUsageStopped { return r.onUsageStopped },
		func(p OnUsageStopped) error { return p.OnUsageStopped(ctx, s, by) })
}

func (r *Registry) EmitSubjectDemoted(ctx context.Context, s *subject.Subject, reason string) {
	emit(ctx, r, "OnSubjectDemoted", func(r *Registry) []OnSubjectDemoted { return r.onSubjectDemoted },
		func(p OnSubjectDemoted) error { return p.OnSubjectDemoted(ctx, s, reason) })
}

func (r *Registry) EmitReconciled(ctx context.Context, stats ReconcileStats) {
	emit(ctx, r, "OnReconciled", func(r *Registry) []OnReconciled { return r.onReconciled },
		func(p OnReconciled) error { return p.OnReconciled(ctx, stats) })
}

func (r *Registry) EmitArtifactIssued(ctx context.Context, s *subject.Subject, artifactRef string) {
	emit(ctx, r, "OnArtifactIssued", func(r *Registry) []OnArtifactIssued { return r.onArtifactIssued },
		func(p OnArtifactIssued) error { return p.OnArtifactIssued(ctx, s, artifactRef) })
}

func (r *Registry) EmitNotificationSent(ctx context.Context, msg *outbox.Message) {
	emit(ctx, r, "OnNotificationSent", func(r *Registry) []OnNotificationSent { return r.onNotificationSent },
		func(p OnNotificationSent) error { return p.OnNotificationSent(ctx, msg) })
}

func (r *Registry) EmitSideEffectFailed(ctx context.Context, msg *outbox.Message, cause error) {
	emit(ctx, r, "OnSideEffectFailed", func(r *Registry) []OnSideEffectFailed { return r.onSideEffectFailed },
		func(p OnSideEffectFailed) error { return p.OnSideEffectFailed(ctx, msg, cause) })
}

func (r *Registry) EmitSideEffectRetried(ctx context.Context, msg *outbox.Message, by actor.Actor) {
	emit(ctx, r, "OnSideEffectRetried", func(r *Registry) []OnSideEffectRetried { return r.onSideEffectRetried },
		func(p OnSideEffectRetried) error { return p.OnSideEffectRetried(ctx, msg, by) })
}

// callWithTimeout calls a plugin function with a timeout. A slow plugin
// never blocks the caller past the registry timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
