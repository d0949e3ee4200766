// Package plugin provides the hook system through which extensions observe
// entitlement lifecycle events. Hooks run after the owning unit of work has
// committed; a failing hook is logged and never undoes the change.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/subject"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Subject hooks
// ──────────────────────────────────────────────────

// OnPaymentStatusChanged is called after an administrative payment-status
// transition commits.
type OnPaymentStatusChanged interface {
	Plugin
	OnPaymentStatusChanged(ctx context.Context, s *subject.Subject, from subject.PaymentStatus, by actor.Actor) error
}

// OnPublicationChanged is called after the publication flag changes.
type OnPublicationChanged interface {
	Plugin
	OnPublicationChanged(ctx context.Context, s *subject.Subject, coerced bool, by actor.Actor) error
}

// OnUsageStopped is called after usage of a subject is revoked.
type OnUsageStopped interface {
	Plugin
	OnUsageStopped(ctx context.Context, s *subject.Subject, by actor.Actor) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubjectDemoted is called for each subject a reconciliation pass demotes.
type OnSubjectDemoted interface {
	Plugin
	OnSubjectDemoted(ctx context.Context, s *subject.Subject, reason string) error
}

// ReconcileStats summarises one reconciliation pass.
type ReconcileStats struct {
	Updated int
	Failed  int
	Aborted bool
	Elapsed time.Duration
}

// OnReconciled is called when a reconciliation pass finishes.
type OnReconciled interface {
	Plugin
	OnReconciled(ctx context.Context, stats ReconcileStats) error
}

// ──────────────────────────────────────────────────
// Side-effect hooks
// ──────────────────────────────────────────────────

// OnArtifactIssued is called once the artifact of a subject is persisted.
type OnArtifactIssued interface {
	Plugin
	OnArtifactIssued(ctx context.Context, s *subject.Subject, artifactRef string) error
}

// OnNotificationSent is called once the owner notification is handed off.
type OnNotificationSent interface {
	Plugin
	OnNotificationSent(ctx context.Context, msg *outbox.Message) error
}

// OnSideEffectFailed is called when a side-effect attempt fails. msg.Status
// is outbox.StatusDead when no further attempt will be made.
type OnSideEffectFailed interface {
	Plugin
	OnSideEffectFailed(ctx context.Context, msg *outbox.Message, err error) error
}

// OnSideEffectRetried is called when an operator requeues a dead-lettered
// message.
type OnSideEffectRetried interface {
	Plugin
	OnSideEffectRetried(ctx context.Context, msg *outbox.Message, by actor.Actor) error
}
