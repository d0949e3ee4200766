package entitle

import (
	"context"
	"fmt"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/types"
)

// Operation names an engine entry point for authorization.
type Operation string

const (
	OpTransition      Operation = "transition"
	OpStopUsage       Operation = "stop_usage"
	OpPublish         Operation = "publish"
	OpReconcile       Operation = "reconcile"
	OpRetrySideEffect Operation = "retry_side_effect"
	OpRead            Operation = "read"
)

// Mutating reports whether op changes persisted state. Unknown operations
// are treated as mutating.
func (op Operation) Mutating() bool {
	switch op {
	case OpRead:
		return false
	case OpTransition, OpStopUsage, OpPublish, OpReconcile, OpRetrySideEffect:
		return true
	default:
		return true
	}
}

// Authorize is the gate every engine entry point passes first. A denied call
// mutates nothing and writes no audit entry.
func Authorize(a actor.Actor, op Operation) error {
	if a.IsZero() {
		return fmt.Errorf("%w: anonymous actor", ErrUnauthorized)
	}
	allowed := a.Role.CanRead()
	if op.Mutating() {
		allowed = a.Role.CanMutate()
	}
	if !allowed {
		return fmt.Errorf("%w: actor %q with role %q may not %s", ErrUnauthorized, a.ID, a.Role, op)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Results
// ──────────────────────────────────────────────────

// TransitionRequest asks for a manual payment-status change.
type TransitionRequest struct {
	SubjectID id.SubjectID          `json:"subject_id"`
	Requested subject.PaymentStatus `json:"requested_status"`
}

// SideEffect reports the state of the outbox message a transition enqueued.
type SideEffect struct {
	MessageID id.OutboxID   `json:"message_id"`
	Stage     outbox.Stage  `json:"stage"`
	Status    outbox.Status `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

func sideEffectOf(m *outbox.Message) *SideEffect {
	if m == nil {
		return nil
	}
	return &SideEffect{
		MessageID: m.ID,
		Stage:     m.Stage,
		Status:    m.Status,
		Attempts:  m.Attempts,
		LastError: m.LastError,
	}
}

// Result is returned by every administrative mutation.
type Result struct {
	Success bool             `json:"success"`
	Changed bool             `json:"changed"`
	Subject *subject.Subject `json:"subject"`
	// Coerced is set when a publish request was stored as false.
	Coerced    bool        `json:"coerced,omitempty"`
	SideEffect *SideEffect `json:"side_effect,omitempty"`
}

// ──────────────────────────────────────────────────
// Mutations
// ──────────────────────────────────────────────────

// Transition applies a manual payment-status change. When a subject without
// an artifact becomes paid, the issuance side effect is enqueued in the same
// unit of work. Publication is never changed here.
func (e *Engine) Transition(ctx context.Context, a actor.Actor, req TransitionRequest) (*Result, error) {
	if err := Authorize(a, OpTransition); err != nil {
		return nil, err
	}
	if req.SubjectID.IsNil() {
		return nil, ValidationError{Field: "subject_id", Message: "is required"}
	}
	if _, err := subject.ParsePaymentStatus(string(req.Requested)); err != nil {
		return nil, ValidationError{Field: "requested_status", Message: err.Error()}
	}

	observed, err := e.store.GetSubject(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(observed.PaymentStatus, req.Requested, a.Role); err != nil {
		return nil, err
	}

	var (
		updated *subject.Subject
		msg     *outbox.Message
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubject(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		if s.PaymentStatus != observed.PaymentStatus {
			return fmt.Errorf("%w: payment status is now %s, expected %s", ErrConflict, s.PaymentStatus, observed.PaymentStatus)
		}

		now := e.now()
		s.PaymentStatus = req.Requested
		s.Touch(now)
		if err := tx.UpdateSubject(ctx, s); err != nil {
			return err
		}

		desc := fmt.Sprintf("payment status %s -> %s", observed.PaymentStatus, s.PaymentStatus)
		if err := tx.AppendAudit(ctx, e.newEntry(a, audit.ChangePaymentStatusUpdated, s, desc)); err != nil {
			return err
		}

		if !s.ArtifactIssued {
			msg = &outbox.Message{
				Entity:        types.EntityAt(now),
				ID:            id.NewOutboxID(),
				SubjectID:     s.ID,
				Kind:          outbox.KindIssueArtifact,
				Stage:         outbox.StageIssueArtifact,
				Status:        outbox.StatusPending,
				NextAttemptAt: now,
			}
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}
		}

		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("payment status updated",
		"subject_id", updated.ID.String(),
		"from", observed.PaymentStatus,
		"to", updated.PaymentStatus,
		"actor", a.ID,
	)
	e.plugins.EmitPaymentStatusChanged(ctx, updated, observed.PaymentStatus, a)

	result := &Result{Success: true, Changed: true, Subject: updated}
	if msg == nil {
		return result, nil
	}

	if !e.dispatch.DisableInline {
		if err := e.dispatchOne(ctx, msg.ID); err != nil {
			e.logger.Warn("inline dispatch failed, outbox will retry",
				"subject_id", updated.ID.String(),
				"message_id", msg.ID.String(),
				"error", err,
			)
		}
		if fresh, err := e.store.GetSubject(ctx, updated.ID); err == nil {
			result.Subject = fresh
		}
		if latest, err := e.store.GetOutbox(ctx, msg.ID); err == nil {
			msg = latest
		}
	}
	result.SideEffect = sideEffectOf(msg)
	return result, nil
}

// StopUsage revokes a subject's entitlement whatever its status: paid status
// falls back to pending evidence, the latest entitlement-bearing payment is
// reverted and the subject is unpublished. Stopping an already revoked
// subject changes nothing and is not audited.
func (e *Engine) StopUsage(ctx context.Context, a actor.Actor, subjectID id.SubjectID) (*Result, error) {
	if err := Authorize(a, OpStopUsage); err != nil {
		return nil, err
	}
	if err := ValidateStopUsage(a.Role); err != nil {
		return nil, err
	}
	if subjectID.IsNil() {
		return nil, ValidationError{Field: "subject_id", Message: "is required"}
	}

	var (
		updated *subject.Subject
		rev     *revocation
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubject(ctx, subjectID)
		if err != nil {
			return err
		}
		updated = s

		rev, err = e.revoke(ctx, tx, s, nil)
		if err != nil || !rev.Changed {
			return err
		}
		return tx.AppendAudit(ctx, e.newEntry(a, audit.ChangeUsageStopped, s, rev.describe("usage stopped")))
	})
	if err != nil {
		return nil, err
	}

	if rev.Changed {
		e.logger.Info("usage stopped",
			"subject_id", updated.ID.String(),
			"from", rev.From,
			"actor", a.ID,
		)
		e.plugins.EmitUsageStopped(ctx, updated, a)
	}
	return &Result{Success: true, Changed: rev.Changed, Subject: updated}, nil
}

// SetPublication toggles the publication flag. A request to publish an
// unpaid subject is stored as false and reported through Result.Coerced.
func (e *Engine) SetPublication(ctx context.Context, a actor.Actor, subjectID id.SubjectID, publish bool) (*Result, error) {
	if err := Authorize(a, OpPublish); err != nil {
		return nil, err
	}
	if subjectID.IsNil() {
		return nil, ValidationError{Field: "subject_id", Message: "is required"}
	}

	var (
		updated *subject.Subject
		changed bool
		coerced bool
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSubject(ctx, subjectID)
		if err != nil {
			return err
		}
		updated = s

		var stored bool
		stored, coerced = NormalizePublication(s.PaymentStatus, publish)
		if stored == s.Published {
			return nil
		}

		s.Published = stored
		s.Touch(e.now())
		if err := tx.UpdateSubject(ctx, s); err != nil {
			return err
		}
		changed = true

		desc := "unpublished"
		if stored {
			desc = "published"
		}
		if coerced {
			desc += fmt.Sprintf(" (publish request refused: payment status %s)", s.PaymentStatus)
		}
		return tx.AppendAudit(ctx, e.newEntry(a, audit.ChangePublicationUpdated, s, desc))
	})
	if err != nil {
		return nil, err
	}

	if coerced {
		e.logger.Warn("publish request coerced to unpublished",
			"subject_id", updated.ID.String(),
			"payment_status", updated.PaymentStatus,
			"actor", a.ID,
		)
	}
	if changed {
		e.plugins.EmitPublicationChanged(ctx, updated, coerced, a)
	}
	return &Result{Success: true, Changed: changed, Subject: updated, Coerced: coerced}, nil
}

// ──────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────

// Subject returns the current state of a subject.
func (e *Engine) Subject(ctx context.Context, a actor.Actor, subjectID id.SubjectID) (*subject.Subject, error) {
	if err := Authorize(a, OpRead); err != nil {
		return nil, err
	}
	return e.store.GetSubject(ctx, subjectID)
}

// AuditTrail returns audit entries matching f, most recent first.
func (e *Engine) AuditTrail(ctx context.Context, a actor.Actor, f audit.Filter) ([]*audit.Entry, error) {
	if err := Authorize(a, OpRead); err != nil {
		return nil, err
	}
	return e.store.QueryAudit(ctx, f)
}

// PendingSideEffects lists outbox messages, including dead ones when asked.
func (e *Engine) PendingSideEffects(ctx context.Context, a actor.Actor, opts outbox.ListOpts) ([]*outbox.Message, error) {
	if err := Authorize(a, OpRead); err != nil {
		return nil, err
	}
	return e.store.ListOutbox(ctx, opts)
}

func (e *Engine) newEntry(a actor.Actor, ct audit.ChangeType, s *subject.Subject, desc string) *audit.Entry {
	return &audit.Entry{
		ID:          id.NewAuditID(),
		ActorID:     a.ID,
		ActorLabel:  a.DisplayLabel(),
		ChangeType:  ct,
		TargetType:  audit.TargetSubject,
		TargetID:    s.ID.String(),
		Description: desc,
		OccurredAt:  e.now(),
	}
}
