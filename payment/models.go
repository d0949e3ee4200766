// Package payment models the payment records consumed by the entitlement
// engine. Records are created by the billing collaborator; the engine only
// ever reverts a completed record to pending.
package payment

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type Kind string

const (
	KindRegistration Kind = "registration"
	KindMonthly      Kind = "monthly"
	KindAnnual       Kind = "annual"
	KindAdjustment   Kind = "adjustment"
)

// BearsEntitlement reports whether a completed payment of this kind grants
// publication rights.
func (k Kind) BearsEntitlement() bool {
	switch k {
	case KindRegistration, KindMonthly, KindAnnual:
		return true
	case KindAdjustment:
		return false
	default:
		return false
	}
}

type Method string

const (
	MethodBank Method = "bank"
	MethodCard Method = "card"
	MethodWire Method = "wire"
)

type Record struct {
	types.Entity
	ID        id.PaymentID `json:"id"`
	SubjectID id.SubjectID `json:"subject_id"`
	Kind      Kind         `json:"kind"`
	Status    Status       `json:"status"`
	PaidAt    *time.Time   `json:"paid_at,omitempty"`
	Method    Method       `json:"method"`
}

func (r *Record) Completed() bool { return r.Status == StatusCompleted }

// Revert turns a completed record back into pending evidence.
func (r *Record) Revert(at time.Time) {
	r.Status = StatusPending
	r.PaidAt = nil
	r.Touch(at)
}

func (r *Record) Clone() *Record {
	c := *r
	if r.PaidAt != nil {
		t := *r.PaidAt
		c.PaidAt = &t
	}
	return &c
}

// LatestCompleted returns the completed record with the greatest PaidAt,
// optionally restricted to entitlement-bearing kinds. Records without PaidAt
// fall back to their creation time.
func LatestCompleted(records []*Record, bearingOnly bool) *Record {
	var latest *Record
	for _, r := range records {
		if !r.Completed() || (bearingOnly && !r.Kind.BearsEntitlement()) {
			continue
		}
		if latest == nil || r.EvidenceAt().After(latest.EvidenceAt()) {
			latest = r
		}
	}
	return latest
}

// CompletedSince reports whether any completed record was paid on or after t.
func CompletedSince(records []*Record, t time.Time) bool {
	for _, r := range records {
		if r.Completed() && r.PaidAt != nil && !r.PaidAt.Before(t) {
			return true
		}
	}
	return false
}

// EvidenceAt is the time the record counts from: PaidAt when set, otherwise
// CreatedAt.
func (r *Record) EvidenceAt() time.Time {
	if r.PaidAt != nil {
		return *r.PaidAt
	}
	return r.CreatedAt
}
