package entitle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/lease"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// Reconciliation steps, used in SubjectError.Step.
const (
	StepSubscriptionOverdue   = "subscription_overdue"
	StepMonthlyPaymentOverdue = "monthly_payment_overdue"
)

// SubjectOutcome records what a reconciliation pass did to one subject.
type SubjectOutcome struct {
	SubjectID           id.SubjectID          `json:"subject_id"`
	Reason              audit.ChangeType      `json:"reason"`
	PreviousStatus      subject.PaymentStatus `json:"previous_status"`
	NewStatus           subject.PaymentStatus `json:"new_status"`
	Unpublished         bool                  `json:"unpublished"`
	RevertedPaymentID   string                `json:"reverted_payment_id,omitempty"`
	SubscriptionExpired bool                  `json:"subscription_expired,omitempty"`
}

// SubjectError is a per-subject failure that did not stop the pass.
type SubjectError struct {
	SubjectID id.SubjectID `json:"subject_id"`
	Step      string       `json:"step"`
	Message   string       `json:"message"`
	Err       error        `json:"-"`
}

func (e SubjectError) Error() string {
	return fmt.Sprintf("entitle: reconcile %s %s: %s", e.Step, e.SubjectID, e.Message)
}

func (e SubjectError) Unwrap() error { return e.Err }

// Summary is the result of one reconciliation pass.
type Summary struct {
	UpdatedCount int              `json:"updated_count"`
	Subjects     []SubjectOutcome `json:"per_subject"`
	Errors       []SubjectError   `json:"errors"`
	// Aborted is set when the context ended before both scans finished.
	// Every subject processed up to that point is fully committed.
	Aborted    bool      `json:"aborted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Err returns the per-subject failures as a MultiError, or nil.
func (s *Summary) Err() error {
	if len(s.Errors) == 0 {
		return nil
	}
	var me MultiError
	for _, se := range s.Errors {
		me.Add(se)
	}
	return me
}

func (s *Summary) record(o *SubjectOutcome) {
	s.UpdatedCount++
	s.Subjects = append(s.Subjects, *o)
}

func (s *Summary) fail(subjectID id.SubjectID, step string, err error) {
	s.Errors = append(s.Errors, SubjectError{
		SubjectID: subjectID,
		Step:      step,
		Message:   err.Error(),
		Err:       err,
	})
}

// Reconcile runs one reconciliation pass: subjects whose latest subscription
// is overdue without payment are demoted first, then published recurring
// subjects without an active subscription whose last payment has lapsed.
// Each subject is committed in its own unit of work; a failure on one subject
// is recorded in the summary and the pass continues. Cancelling ctx stops the
// pass between subjects and returns the partial summary with ctx.Err().
//
// Only one pass runs at a time across every engine sharing the locker; a
// concurrent call returns ErrReconcileInProgress. The lease is renewed after
// every page, and a pass that loses it stops with a DependencyError.
func (e *Engine) Reconcile(ctx context.Context, a actor.Actor) (*Summary, error) {
	if err := Authorize(a, OpReconcile); err != nil {
		return nil, err
	}

	held, acquired, err := e.locker.TryAcquire(ctx, e.reconcile.LeaseKey, e.reconcile.LeaseTTL)
	if err != nil {
		return nil, &DependencyError{Op: "reconcile lease", Err: err}
	}
	if !acquired {
		return nil, ErrReconcileInProgress
	}
	defer held.Release()

	start := time.Now()
	summary := &Summary{StartedAt: e.now()}
	today := types.StartOfDay(summary.StartedAt)
	handled := make(map[id.SubjectID]struct{})

	err = e.scanOverdueSubscriptions(ctx, a, held, today, summary, handled)
	if err == nil {
		err = e.scanLapsedPayments(ctx, a, held, today, summary, handled)
	}

	summary.FinishedAt = e.now()
	if ctx.Err() != nil {
		summary.Aborted = true
	}

	e.plugins.EmitReconciled(context.WithoutCancel(ctx), plugin.ReconcileStats{
		Updated: summary.UpdatedCount,
		Failed:  len(summary.Errors),
		Aborted: summary.Aborted,
		Elapsed: time.Since(start),
	})

	e.logger.Info("reconciliation finished",
		"actor", a.ID,
		"updated", summary.UpdatedCount,
		"errors", len(summary.Errors),
		"aborted", summary.Aborted,
		"elapsed", time.Since(start),
	)

	return summary, err
}

// renewLease extends the reconcile lease between pages. Losing it ends the
// pass.
func (e *Engine) renewLease(ctx context.Context, held *lease.Lease) error {
	if err := held.Renew(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &DependencyError{Op: "reconcile lease", Err: err}
	}
	return nil
}

// scanOverdueSubscriptions pages through subjects whose latest subscription
// is active and past its billing date.
func (e *Engine) scanOverdueSubscriptions(ctx context.Context, a actor.Actor, held *lease.Lease, today time.Time, summary *Summary, handled map[id.SubjectID]struct{}) error {
	var after id.SubjectID
	for {
		page, err := e.store.ListOverdueSubscriptions(ctx, today, subscription.ScanOpts{
			AfterSubject: after,
			Limit:        e.reconcile.BatchSize,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("entitle: overdue subscription scan: %w", err)
		}

		for _, sub := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			handled[sub.SubjectID] = struct{}{}

			outcome, s, err := e.demoteOverdueSubscription(ctx, a, sub.SubjectID, today)
			if err != nil {
				e.logger.Warn("reconcile subject failed",
					"subject_id", sub.SubjectID.String(),
					"step", StepSubscriptionOverdue,
					"error", err,
				)
				summary.fail(sub.SubjectID, StepSubscriptionOverdue, err)
				continue
			}
			if outcome != nil {
				summary.record(outcome)
				e.plugins.EmitSubjectDemoted(ctx, s, string(outcome.Reason))
			}
		}

		if len(page) < e.reconcile.BatchSize {
			return nil
		}
		if err := e.renewLease(ctx, held); err != nil {
			return err
		}
		after = page[len(page)-1].SubjectID
	}
}

// demoteOverdueSubscription re-checks every precondition inside the unit of
// work. It returns a nil outcome when there is nothing to change.
func (e *Engine) demoteOverdueSubscription(ctx context.Context, a actor.Actor, subjectID id.SubjectID, today time.Time) (*SubjectOutcome, *subject.Subject, error) {
	var (
		outcome *SubjectOutcome
		result  *subject.Subject
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sub, err := tx.GetLatestSubscription(ctx, subjectID)
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.Status != subscription.StatusActive || !sub.Overdue(today) {
			return nil
		}

		payments, err := tx.ListPayments(ctx, subjectID, payment.ListOpts{})
		if err != nil {
			return err
		}
		if payment.CompletedSince(payments, sub.NextBillingDate) {
			return nil
		}

		s, err := tx.GetSubject(ctx, subjectID)
		if err != nil {
			return err
		}

		daysOverdue := sub.DaysOverdue(today)
		expire := daysOverdue > e.reconcile.GraceDays
		if !s.Entitled() && !s.Published && !expire {
			return nil
		}

		rev, err := e.revoke(ctx, tx, s, payments)
		if err != nil {
			return err
		}

		if expire {
			sub.Status = subscription.StatusExpired
			sub.Touch(e.now())
			if err := tx.UpdateSubscription(ctx, sub); err != nil {
				return err
			}
		}

		desc := rev.describe(fmt.Sprintf("subscription %s overdue by %d days", sub.ID, daysOverdue))
		if expire {
			desc += ", subscription expired"
		}
		if err := tx.AppendAudit(ctx, e.newEntry(actor.System, audit.ChangeSubscriptionOverdue, s, withTrigger(desc, a))); err != nil {
			return err
		}

		outcome = rev.outcome(s, audit.ChangeSubscriptionOverdue)
		outcome.SubscriptionExpired = expire
		result = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outcome, result, nil
}

// scanLapsedPayments pages through published recurring subjects. Subjects
// already examined by the subscription scan are skipped.
func (e *Engine) scanLapsedPayments(ctx context.Context, a actor.Actor, held *lease.Lease, today time.Time, summary *Summary, handled map[id.SubjectID]struct{}) error {
	published := true
	var after id.SubjectID
	for {
		page, err := e.store.ListSubjects(ctx, subject.ListOpts{
			BillingKind: subject.BillingRecurring,
			Published:   &published,
			After:       after,
			Limit:       e.reconcile.BatchSize,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("entitle: lapsed payment scan: %w", err)
		}

		for _, candidate := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, ok := handled[candidate.ID]; ok {
				continue
			}

			outcome, s, err := e.demoteLapsedPayment(ctx, a, candidate.ID, today)
			if err != nil {
				e.logger.Warn("reconcile subject failed",
					"subject_id", candidate.ID.String(),
					"step", StepMonthlyPaymentOverdue,
					"error", err,
				)
				summary.fail(candidate.ID, StepMonthlyPaymentOverdue, err)
				continue
			}
			if outcome != nil {
				summary.record(outcome)
				e.plugins.EmitSubjectDemoted(ctx, s, string(outcome.Reason))
			}
		}

		if len(page) < e.reconcile.BatchSize {
			return nil
		}
		if err := e.renewLease(ctx, held); err != nil {
			return err
		}
		after = page[len(page)-1].ID
	}
}

func (e *Engine) demoteLapsedPayment(ctx context.Context, a actor.Actor, subjectID id.SubjectID, today time.Time) (*SubjectOutcome, *subject.Subject, error) {
	var (
		outcome *SubjectOutcome
		result  *subject.Subject
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubject(ctx, subjectID)
		if err != nil {
			return err
		}
		if !s.Published || s.BillingKind != subject.BillingRecurring {
			return nil
		}

		sub, err := tx.GetLatestSubscription(ctx, subjectID)
		switch {
		case errors.Is(err, ErrSubscriptionNotFound):
		case err != nil:
			return err
		case sub.Status == subscription.StatusActive:
			return nil
		}

		payments, err := tx.ListPayments(ctx, subjectID, payment.ListOpts{})
		if err != nil {
			return err
		}
		if len(payments) == 0 {
			return nil
		}

		desc := "no completed payment"
		if latest := payment.LatestCompleted(payments, false); latest != nil {
			age := types.DaysBetween(latest.EvidenceAt(), today)
			if age <= e.reconcile.GraceDays {
				return nil
			}
			desc = fmt.Sprintf("last payment %s is %d days old", latest.ID, age)
		}

		rev, err := e.revoke(ctx, tx, s, payments)
		if err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, e.newEntry(actor.System, audit.ChangeMonthlyPaymentOverdue, s, withTrigger(rev.describe(desc), a))); err != nil {
			return err
		}

		outcome = rev.outcome(s, audit.ChangeMonthlyPaymentOverdue)
		result = s
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outcome, result, nil
}

// ──────────────────────────────────────────────────
// Revocation
// ──────────────────────────────────────────────────

// revocation describes the writes revoke made to one subject.
type revocation struct {
	From        subject.PaymentStatus
	To          subject.PaymentStatus
	Unpublished bool
	Reverted    *payment.Record
	Changed     bool
}

// revoke takes a subject's entitlement away inside tx: the latest completed
// entitlement-bearing payment goes back to pending, paid status falls back
// to BANK_PENDING and publication is cleared. A subject that is neither paid
// nor published is left untouched. payments may be nil, in which case they
// are loaded.
func (e *Engine) revoke(ctx context.Context, tx store.Tx, s *subject.Subject, payments []*payment.Record) (*revocation, error) {
	rev := &revocation{From: s.PaymentStatus, To: s.PaymentStatus}
	if !s.Entitled() && !s.Published {
		return rev, nil
	}

	if payments == nil {
		var err error
		payments, err = tx.ListPayments(ctx, s.ID, payment.ListOpts{Status: payment.StatusCompleted})
		if err != nil {
			return nil, err
		}
	}

	now := e.now()
	if latest := payment.LatestCompleted(payments, true); latest != nil {
		latest.Revert(now)
		if err := tx.UpdatePayment(ctx, latest); err != nil {
			return nil, err
		}
		rev.Reverted = latest
	}

	rev.To = RevokedStatus(s.PaymentStatus)
	rev.Unpublished = s.Published
	s.PaymentStatus = rev.To
	s.Published = false
	s.Touch(now)
	if err := tx.UpdateSubject(ctx, s); err != nil {
		return nil, err
	}
	rev.Changed = true
	return rev, nil
}

func (r *revocation) describe(cause string) string {
	parts := []string{cause}
	if r.From != r.To {
		parts = append(parts, fmt.Sprintf("payment status %s -> %s", r.From, r.To))
	}
	if r.Unpublished {
		parts = append(parts, "unpublished")
	}
	if r.Reverted != nil {
		parts = append(parts, fmt.Sprintf("payment %s reverted to pending", r.Reverted.ID))
	}
	return strings.Join(parts, ", ")
}

func (r *revocation) outcome(s *subject.Subject, reason audit.ChangeType) *SubjectOutcome {
	o := &SubjectOutcome{
		SubjectID:      s.ID,
		Reason:         reason,
		PreviousStatus: r.From,
		NewStatus:      r.To,
		Unpublished:    r.Unpublished,
	}
	if r.Reverted != nil {
		o.RevertedPaymentID = r.Reverted.ID.String()
	}
	return o
}

// withTrigger notes who started a manual reconciliation pass.
func withTrigger(desc string, a actor.Actor) string {
	if a.Role == actor.RoleSystem {
		return desc
	}
	return fmt.Sprintf("%s (run triggered by %s)", desc, a.DisplayLabel())
}
