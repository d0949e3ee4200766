// Package audithook forwards entitlement lifecycle events to an external audit
// trail backend, in addition to the change log the engine keeps in its store.
//
// It defines a local Recorder interface so the package does not import any
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subject"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnPaymentStatusChanged = (*Extension)(nil)
	_ plugin.OnPublicationChanged   = (*Extension)(nil)
	_ plugin.OnUsageStopped         = (*Extension)(nil)
	_ plugin.OnSubjectDemoted       = (*Extension)(nil)
	_ plugin.OnReconciled           = (*Extension)(nil)
	_ plugin.OnArtifactIssued       = (*Extension)(nil)
	_ plugin.OnNotificationSent     = (*Extension)(nil)
	_ plugin.OnSideEffectFailed     = (*Extension)(nil)
	_ plugin.OnSideEffectRetried    = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension forwards entitlement lifecycle events to a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Subject hooks
// ──────────────────────────────────────────────────

// OnPaymentStatusChanged implements plugin.OnPaymentStatusChanged.
func (e *Extension) OnPaymentStatusChanged(ctx context.Context, s *subject.Subject, from subject.PaymentStatus, by actor.Actor) error {
	return e.record(ctx, ActionPaymentStatusChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubject, s.ID.String(), by.ID, CategoryPayment, nil,
		"from", string(from),
		"to", string(s.PaymentStatus),
	)
}

// OnPublicationChanged implements plugin.OnPublicationChanged. A coerced
// request is recorded as a warning.
func (e *Extension) OnPublicationChanged(ctx context.Context, s *subject.Subject, coerced bool, by actor.Actor) error {
	action, severity, outcome := ActionPublicationChanged, SeverityInfo, OutcomeSuccess
	if coerced {
		action, severity, outcome = ActionPublicationCoerced, SeverityWarning, OutcomePartial
	}
	return e.record(ctx, action, severity, outcome,
		ResourceSubject, s.ID.String(), by.ID, CategoryPublication, nil,
		"is_published", s.Published,
		"payment_status", string(s.PaymentStatus),
	)
}

// OnUsageStopped implements plugin.OnUsageStopped.
func (e *Extension) OnUsageStopped(ctx context.Context, s *subject.Subject, by actor.Actor) error {
	return e.record(ctx, ActionUsageStopped, SeverityWarning, OutcomeSuccess,
		ResourceSubject, s.ID.String(), by.ID, CategoryAccess, nil,
		"payment_status", string(s.PaymentStatus),
	)
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubjectDemoted implements plugin.OnSubjectDemoted.
func (e *Extension) OnSubjectDemoted(ctx context.Context, s *subject.Subject, reason string) error {
	return e.record(ctx, ActionSubjectDemoted, SeverityWarning, OutcomeSuccess,
		ResourceSubject, s.ID.String(), actor.System.ID, CategoryAccess, nil,
		"reason", reason,
		"payment_status", string(s.PaymentStatus),
	)
}

// OnReconciled implements plugin.OnReconciled.
func (e *Extension) OnReconciled(ctx context.Context, stats plugin.ReconcileStats) error {
	outcome := OutcomeSuccess
	switch {
	case stats.Aborted:
		outcome = OutcomeFailure
	case stats.Failed > 0:
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionReconcileCompleted, SeverityInfo, outcome,
		ResourceReconcile, "", actor.System.ID, CategoryAccess, nil,
		"updated", stats.Updated,
		"failed", stats.Failed,
		"elapsed_ms", stats.Elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Side-effect hooks
// ──────────────────────────────────────────────────

// OnArtifactIssued implements plugin.OnArtifactIssued.
func (e *Extension) OnArtifactIssued(ctx context.Context, s *subject.Subject, artifactRef string) error {
	return e.record(ctx, ActionArtifactIssued, SeverityInfo, OutcomeSuccess,
		ResourceSubject, s.ID.String(), actor.System.ID, CategoryDelivery, nil,
		"artifact_ref", artifactRef,
	)
}

// OnNotificationSent implements plugin.OnNotificationSent.
func (e *Extension) OnNotificationSent(ctx context.Context, msg *outbox.Message) error {
	return e.record(ctx, ActionNotificationSent, SeverityInfo, OutcomeSuccess,
		ResourceSideEffect, msg.ID.String(), actor.System.ID, CategoryDelivery, nil,
		"subject_id", msg.SubjectID.String(),
		"attempts", msg.Attempts,
	)
}

// OnSideEffectFailed implements plugin.OnSideEffectFailed. Dead letters are
// recorded as errors.
func (e *Extension) OnSideEffectFailed(ctx context.Context, msg *outbox.Message, err error) error {
	action, severity := ActionSideEffectFailed, SeverityWarning
	if msg.Status == outbox.StatusDead {
		action, severity = ActionSideEffectDead, SeverityError
	}
	return e.record(ctx, action, severity, OutcomeFailure,
		ResourceSideEffect, msg.ID.String(), actor.System.ID, CategoryDelivery, err,
		"subject_id", msg.SubjectID.String(),
		"stage", string(msg.Stage),
		"attempts", msg.Attempts,
	)
}

// OnSideEffectRetried implements plugin.OnSideEffectRetried.
func (e *Extension) OnSideEffectRetried(ctx context.Context, msg *outbox.Message, by actor.Actor) error {
	return e.record(ctx, ActionSideEffectRetried, SeverityInfo, OutcomeSuccess,
		ResourceSideEffect, msg.ID.String(), by.ID, CategoryDelivery, nil,
		"subject_id", msg.SubjectID.String(),
		"stage", string(msg.Stage),
	)
}

// record builds and sends an audit event. Recorder failures are logged and
// never propagate.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, actorID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		ActorID:    actorID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
