package entitle

import (
	"fmt"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/subject"
)

// TransitionError reports a requested payment-status change that is not in
// the allowed table. It matches ErrInvalidTransition under errors.Is.
type TransitionError struct {
	From subject.PaymentStatus
	To   subject.PaymentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("entitle: invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ValidateTransition decides whether role may move a subject's payment status
// from current to requested. The only administrative transition is
// BANK_PENDING -> BANK_PAID; every other pair, same-state included, is denied.
func ValidateTransition(current, requested subject.PaymentStatus, role actor.Role) error {
	if !role.CanMutate() {
		return fmt.Errorf("%w: role %q cannot change payment status", ErrUnauthorized, role)
	}

	deny := &TransitionError{From: current, To: requested}

	switch current {
	case subject.StatusBankPending:
		switch requested {
		case subject.StatusBankPaid:
			return nil
		case subject.StatusUnused, subject.StatusBankPending, subject.StatusCardPaid, subject.StatusWirePaid:
			return deny
		default:
			return deny
		}
	case subject.StatusUnused, subject.StatusBankPaid, subject.StatusCardPaid, subject.StatusWirePaid:
		return deny
	default:
		return deny
	}
}

// NormalizePublication returns the publication value that may be stored for
// a subject in status. A request to publish an unpaid subject is coerced to
// false; coerced reports whether that happened.
func NormalizePublication(status subject.PaymentStatus, requested bool) (stored, coerced bool) {
	if requested && !status.IsPaid() {
		return false, true
	}
	return requested, false
}

// RevokedStatus is the payment status a subject falls back to when its
// entitlement is revoked by stop-usage or reconciliation. Paid statuses
// revert to pending bank evidence; other statuses are kept.
func RevokedStatus(current subject.PaymentStatus) subject.PaymentStatus {
	switch current {
	case subject.StatusBankPaid, subject.StatusCardPaid, subject.StatusWirePaid:
		return subject.StatusBankPending
	case subject.StatusUnused, subject.StatusBankPending:
		return current
	default:
		return current
	}
}

// ValidateStopUsage decides whether role may revoke a subject's usage. Any
// current status is accepted.
func ValidateStopUsage(role actor.Role) error {
	if !role.CanMutate() {
		return fmt.Errorf("%w: role %q cannot stop usage", ErrUnauthorized, role)
	}
	return nil
}
