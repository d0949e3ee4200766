package entitle_test

import (
	"errors"
	"testing"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/subject"
)

func TestValidateTransition(t *testing.T) {
	for _, from := range subject.Statuses() {
		for _, to := range subject.Statuses() {
			name := string(from) + "->" + string(to)
			t.Run(name, func(t *testing.T) {
				err := entitle.ValidateTransition(from, to, actor.RoleAdmin)
				allowed := from == subject.StatusBankPending && to == subject.StatusBankPaid
				if allowed && err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !allowed && !errors.Is(err, entitle.ErrInvalidTransition) {
					t.Fatalf("got %v, want ErrInvalidTransition", err)
				}
			})
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	tests := []struct {
		from, to subject.PaymentStatus
	}{
		{"REFUNDED", subject.StatusBankPaid},
		{subject.StatusBankPending, "bank_paid"},
		{"", ""},
	}
	for _, tt := range tests {
		if err := entitle.ValidateTransition(tt.from, tt.to, actor.RoleAdmin); !errors.Is(err, entitle.ErrInvalidTransition) {
			t.Errorf("%q -> %q: got %v", tt.from, tt.to, err)
		}
	}
}

func TestValidateTransitionRequiresMutatingRole(t *testing.T) {
	for _, role := range []actor.Role{actor.RoleViewer, "", "owner"} {
		err := entitle.ValidateTransition(subject.StatusBankPending, subject.StatusBankPaid, role)
		if !errors.Is(err, entitle.ErrUnauthorized) {
			t.Errorf("role %q: got %v, want ErrUnauthorized", role, err)
		}
	}
	if err := entitle.ValidateTransition(subject.StatusBankPending, subject.StatusBankPaid, actor.RoleSystem); err != nil {
		t.Errorf("system role: %v", err)
	}
}

func TestValidateStopUsage(t *testing.T) {
	if err := entitle.ValidateStopUsage(actor.RoleAdmin); err != nil {
		t.Errorf("admin: %v", err)
	}
	if err := entitle.ValidateStopUsage(actor.RoleViewer); !errors.Is(err, entitle.ErrUnauthorized) {
		t.Errorf("viewer: %v", err)
	}
}

func TestNormalizePublication(t *testing.T) {
	tests := []struct {
		status      subject.PaymentStatus
		requested   bool
		wantStored  bool
		wantCoerced bool
	}{
		{subject.StatusUnused, true, false, true},
		{subject.StatusBankPending, true, false, true},
		{subject.StatusBankPaid, true, true, false},
		{subject.StatusCardPaid, true, true, false},
		{subject.StatusWirePaid, true, true, false},
		{subject.StatusBankPending, false, false, false},
		{subject.StatusBankPaid, false, false, false},
		{"REFUNDED", true, false, true},
	}
	for _, tt := range tests {
		stored, coerced := entitle.NormalizePublication(tt.status, tt.requested)
		if stored != tt.wantStored || coerced != tt.wantCoerced {
			t.Errorf("NormalizePublication(%s, %v) = %v, %v; want %v, %v",
				tt.status, tt.requested, stored, coerced, tt.wantStored, tt.wantCoerced)
		}
		if stored && !tt.status.IsPaid() {
			t.Errorf("%s stored as published", tt.status)
		}
	}
}

func TestRevokedStatus(t *testing.T) {
	tests := map[subject.PaymentStatus]subject.PaymentStatus{
		subject.StatusUnused:      subject.StatusUnused,
		subject.StatusBankPending: subject.StatusBankPending,
		subject.StatusBankPaid:    subject.StatusBankPending,
		subject.StatusCardPaid:    subject.StatusBankPending,
		subject.StatusWirePaid:    subject.StatusBankPending,
	}
	for from, want := range tests {
		if got := entitle.RevokedStatus(from); got != want {
			t.Errorf("RevokedStatus(%s) = %s, want %s", from, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want entitle.ErrorKind
	}{
		{entitle.ValidationError{Field: "x", Message: "bad"}, entitle.KindValidation},
		{entitle.ErrUnauthorized, entitle.KindAuthorization},
		{entitle.ErrSubjectNotFound, entitle.KindNotFound},
		{&entitle.TransitionError{From: subject.StatusBankPaid, To: subject.StatusBankPaid}, entitle.KindInvalidTransition},
		{entitle.ErrConflict, entitle.KindConflict},
		{entitle.ErrReconcileInProgress, entitle.KindConflict},
		{&entitle.DependencyError{Op: "notifier", Err: errors.New("smtp down")}, entitle.KindDependency},
		{errors.New("boom"), entitle.KindInternal},
	}
	for _, tt := range tests {
		if got := entitle.Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if !entitle.IsRetryable(&entitle.DependencyError{Op: "x", Err: errors.New("y")}) {
		t.Error("dependency error not retryable")
	}
	if entitle.IsRetryable(entitle.ErrInvalidTransition) {
		t.Error("invalid transition retryable")
	}
}
