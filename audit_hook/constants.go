package audithook

// Action constants for audit events.
const (
	// Subject actions
	ActionPaymentStatusChanged = "payment_status.changed"
	ActionPublicationChanged   = "publication.changed"
	ActionPublicationCoerced   = "publication.coerced"
	ActionUsageStopped         = "usage.stopped"

	// Reconciliation actions
	ActionSubjectDemoted     = "subject.demoted"
	ActionReconcileCompleted = "reconcile.completed"

	// Side-effect actions
	ActionArtifactIssued    = "artifact.issued"
	ActionNotificationSent  = "notification.sent"
	ActionSideEffectFailed  = "side_effect.failed"
	ActionSideEffectDead    = "side_effect.dead"
	ActionSideEffectRetried = "side_effect.retried"
)

// Resource constants for audit events.
const (
	ResourceSubject    = "subject"
	ResourceReconcile  = "reconcile"
	ResourceSideEffect = "side_effect"
)

// Category constants for audit events.
const (
	CategoryPayment     = "payment"
	CategoryPublication = "publication"
	CategoryAccess      = "access"
	CategoryDelivery    = "delivery"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)
