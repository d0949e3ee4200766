package subscription

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

// Subscription is a billing agreement for a subject. Only the most recently
// created subscription of a subject is authoritative.
type Subscription struct {
	types.Entity
	ID              id.SubscriptionID `json:"id"`
	SubjectID       id.SubjectID      `json:"subject_id"`
	Status          Status            `json:"status"`
	NextBillingDate time.Time         `json:"next_billing_date"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
}

// DaysOverdue returns how many whole days asOf is past the billing date,
// or zero when the billing date has not passed.
func (s *Subscription) DaysOverdue(asOf time.Time) int {
	return max(0, types.DaysBetween(s.NextBillingDate, asOf))
}

// Overdue reports whether the billing date lies strictly before asOf's day.
func (s *Subscription) Overdue(asOf time.Time) bool {
	return s.DaysOverdue(asOf) > 0
}

// Newer reports whether s supersedes other as the authoritative record.
func (s *Subscription) Newer(other *Subscription) bool {
	if other == nil {
		return true
	}
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.After(other.CreatedAt)
	}
	return s.ID.Compare(other.ID) > 0
}

func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}
