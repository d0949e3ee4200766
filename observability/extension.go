// Package observability provides a metrics extension for entitle that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/subject"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnPaymentStatusChanged = (*MetricsExtension)(nil)
	_ plugin.OnPublicationChanged   = (*MetricsExtension)(nil)
	_ plugin.OnUsageStopped         = (*MetricsExtension)(nil)
	_ plugin.OnSubjectDemoted       = (*MetricsExtension)(nil)
	_ plugin.OnReconciled           = (*MetricsExtension)(nil)
	_ plugin.OnArtifactIssued       = (*MetricsExtension)(nil)
	_ plugin.OnNotificationSent     = (*MetricsExtension)(nil)
	_ plugin.OnSideEffectFailed     = (*MetricsExtension)(nil)
	_ plugin.OnSideEffectRetried    = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an entitle plugin to track entitlement changes.
type MetricsExtension struct {
	factory MetricFactory

	// Administrative metrics
	PaymentStatusChanged Counter
	PublicationChanged   Counter
	PublicationCoerced   Counter
	UsageStopped         Counter

	// Reconciliation metrics
	SubjectDemoted    Counter
	ReconcileRuns     Counter
	ReconcileAborted  Counter
	ReconcileUpdated  Counter
	ReconcileFailed   Counter
	ReconcileDuration Histogram

	// Side-effect metrics
	ArtifactIssued     Counter
	NotificationSent   Counter
	SideEffectFailed   Counter
	SideEffectDead     Counter
	SideEffectRetried  Counter
	SideEffectAttempts Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PaymentStatusChanged: factory.Counter("entitle.payment_status.changed"),
		PublicationChanged:   factory.Counter("entitle.publication.changed"),
		PublicationCoerced:   factory.Counter("entitle.publication.coerced"),
		UsageStopped:         factory.Counter("entitle.usage.stopped"),

		SubjectDemoted:    factory.Counter("entitle.subject.demoted"),
		ReconcileRuns:     factory.Counter("entitle.reconcile.runs"),
		ReconcileAborted:  factory.Counter("entitle.reconcile.aborted"),
		ReconcileUpdated:  factory.Counter("entitle.reconcile.updated"),
		ReconcileFailed:   factory.Counter("entitle.reconcile.failed"),
		ReconcileDuration: factory.Histogram("entitle.reconcile.duration_ms"),

		ArtifactIssued:     factory.Counter("entitle.artifact.issued"),
		NotificationSent:   factory.Counter("entitle.notification.sent"),
		SideEffectFailed:   factory.Counter("entitle.side_effect.failed"),
		SideEffectDead:     factory.Counter("entitle.side_effect.dead"),
		SideEffectRetried:  factory.Counter("entitle.side_effect.retried"),
		SideEffectAttempts: factory.Histogram("entitle.side_effect.attempts"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Administrative hooks
// ──────────────────────────────────────────────────

// OnPaymentStatusChanged implements plugin.OnPaymentStatusChanged.
func (m *MetricsExtension) OnPaymentStatusChanged(_ context.Context, _ *subject.Subject, _ subject.PaymentStatus, _ actor.Actor) error {
	m.PaymentStatusChanged.Inc()
	return nil
}

// OnPublicationChanged implements plugin.OnPublicationChanged.
func (m *MetricsExtension) OnPublicationChanged(_ context.Context, _ *subject.Subject, coerced bool, _ actor.Actor) error {
	m.PublicationChanged.Inc()
	if coerced {
		m.PublicationCoerced.Inc()
	}
	return nil
}

// OnUsageStopped implements plugin.OnUsageStopped.
func (m *MetricsExtension) OnUsageStopped(_ context.Context, _ *subject.Subject, _ actor.Actor) error {
	m.UsageStopped.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnSubjectDemoted implements plugin.OnSubjectDemoted.
func (m *MetricsExtension) OnSubjectDemoted(_ context.Context, _ *subject.Subject, _ string) error {
	m.SubjectDemoted.Inc()
	return nil
}

// OnReconciled implements plugin.OnReconciled.
func (m *MetricsExtension) OnReconciled(_ context.Context, stats plugin.ReconcileStats) error {
	m.ReconcileRuns.Inc()
	m.ReconcileUpdated.Add(float64(stats.Updated))
	m.ReconcileFailed.Add(float64(stats.Failed))
	if stats.Aborted {
		m.ReconcileAborted.Inc()
	}
	m.ReconcileDuration.Observe(float64(stats.Elapsed.Milliseconds()))
	return nil
}

// ──────────────────────────────────────────────────
// Side-effect hooks
// ──────────────────────────────────────────────────

// OnArtifactIssued implements plugin.OnArtifactIssued.
func (m *MetricsExtension) OnArtifactIssued(_ context.Context, _ *subject.Subject, _ string) error {
	m.ArtifactIssued.Inc()
	return nil
}

// OnNotificationSent implements plugin.OnNotificationSent.
func (m *MetricsExtension) OnNotificationSent(_ context.Context, msg *outbox.Message) error {
	m.NotificationSent.Inc()
	m.SideEffectAttempts.Observe(float64(msg.Attempts))
	return nil
}

// OnSideEffectFailed implements plugin.OnSideEffectFailed.
func (m *MetricsExtension) OnSideEffectFailed(_ context.Context, msg *outbox.Message, _ error) error {
	m.SideEffectFailed.Inc()
	if msg.Status == outbox.StatusDead {
		m.SideEffectDead.Inc()
	}
	return nil
}

// OnSideEffectRetried implements plugin.OnSideEffectRetried.
func (m *MetricsExtension) OnSideEffectRetried(_ context.Context, _ *outbox.Message, _ actor.Actor) error {
	m.SideEffectRetried.Inc()
	return nil
}
