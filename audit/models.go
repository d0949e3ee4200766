// Package audit defines the append-only trail of entitlement mutations.
package audit

import (
	"time"

	"github.com/xraph/entitle/id"
)

// ChangeType names the kind of mutation an entry records.
type ChangeType string

const (
	ChangePaymentStatusUpdated  ChangeType = "payment_status_updated"
	ChangeSubscriptionOverdue   ChangeType = "subscription_overdue"
	ChangeMonthlyPaymentOverdue ChangeType = "monthly_payment_overdue"
	ChangeUsageStopped          ChangeType = "usage_stopped"
	ChangePublicationUpdated    ChangeType = "publication_updated"
)

// TargetSubject is the only target type the engine writes today.
const TargetSubject = "subject"

// Entry is immutable once appended.
type Entry struct {
	ID          id.AuditID `json:"id"`
	ActorID     string     `json:"actor_id"`
	ActorLabel  string     `json:"actor_label"`
	ChangeType  ChangeType `json:"change_type"`
	TargetType  string     `json:"target_type"`
	TargetID    string     `json:"target_id"`
	Description string     `json:"description"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// Before reports whether e sorts before other in chronological order.
func (e *Entry) Before(other *Entry) bool {
	if !e.OccurredAt.Equal(other.OccurredAt) {
		return e.OccurredAt.Before(other.OccurredAt)
	}
	return e.ID.Compare(other.ID) < 0
}
