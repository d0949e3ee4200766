// Package subject defines the publishable record whose visibility is gated
// by its payment entitlement.
package subject

import (
	"fmt"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

// PaymentStatus is the closed set of payment states a subject can be in.
type PaymentStatus string

const (
	StatusUnused      PaymentStatus = "UNUSED"
	StatusBankPending PaymentStatus = "BANK_PENDING"
	StatusBankPaid    PaymentStatus = "BANK_PAID"
	StatusCardPaid    PaymentStatus = "CARD_PAID"
	StatusWirePaid    PaymentStatus = "WIRE_PAID"
)

// Statuses lists every known payment status.
func Statuses() []PaymentStatus {
	return []PaymentStatus{StatusUnused, StatusBankPending, StatusBankPaid, StatusCardPaid, StatusWirePaid}
}

// ParsePaymentStatus rejects any string outside the closed set.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case StatusUnused, StatusBankPending, StatusBankPaid, StatusCardPaid, StatusWirePaid:
		return st, nil
	default:
		return "", fmt.Errorf("subject: unknown payment status %q", s)
	}
}

// IsPaid reports whether the status is entitlement evidence.
func (s PaymentStatus) IsPaid() bool {
	switch s {
	case StatusBankPaid, StatusCardPaid, StatusWirePaid:
		return true
	case StatusUnused, StatusBankPending:
		return false
	default:
		return false
	}
}

// BillingKind classifies whether a subject needs recurring payment to stay
// entitled.
type BillingKind string

const (
	BillingOneTime   BillingKind = "one_time"
	BillingRecurring BillingKind = "recurring"
)

// Subject is the billable, publicly displayable record.
type Subject struct {
	types.Entity
	ID             id.SubjectID  `json:"id"`
	OwnerID        string        `json:"owner_id"`
	PaymentStatus  PaymentStatus `json:"payment_status"`
	Published      bool          `json:"is_published"`
	ArtifactIssued bool          `json:"artifact_issued"`
	ArtifactRef    string        `json:"artifact_ref,omitempty"`
	PublicSlug     string        `json:"public_slug"`
	BillingKind    BillingKind   `json:"billing_kind"`

	// Version is bumped by every successful store update and is the
	// compare-and-swap token for optimistic concurrency.
	Version int64 `json:"version"`
}

// Entitled reports whether the subject may currently be public.
func (s *Subject) Entitled() bool { return s.PaymentStatus.IsPaid() }

// Consistent reports whether a published subject holds paid status.
func (s *Subject) Consistent() bool { return !s.Published || s.Entitled() }

// Clone returns a copy safe to mutate independently of s.
func (s *Subject) Clone() *Subject {
	c := *s
	return &c
}
