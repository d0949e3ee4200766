package entitle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
)

// DispatchPending attempts every due outbox message, up to the configured
// batch size, and returns how many were delivered. Failed attempts are
// rescheduled on the message itself and are not returned as errors.
func (e *Engine) DispatchPending(ctx context.Context) (int, error) {
	due, err := e.store.ListDueOutbox(ctx, e.now(), e.dispatch.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("entitle: list due outbox: %w", err)
	}

	delivered := 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := e.dispatchOne(ctx, m.ID); err != nil {
			continue
		}
		if fresh, err := e.store.GetOutbox(ctx, m.ID); err == nil && fresh.Status == outbox.StatusDelivered {
			delivered++
		}
	}
	return delivered, nil
}

// RetrySideEffect requeues a dead-lettered message with a fresh attempt
// budget. Unless inline dispatch is disabled the message is attempted again
// before returning.
func (e *Engine) RetrySideEffect(ctx context.Context, a actor.Actor, msgID id.OutboxID) (*SideEffect, error) {
	if err := Authorize(a, OpRetrySideEffect); err != nil {
		return nil, err
	}
	if msgID.IsNil() {
		return nil, ValidationError{Field: "message_id", Message: "is required"}
	}

	var requeued *outbox.Message
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetOutbox(ctx, msgID)
		if err != nil {
			return err
		}
		if m.Status != outbox.StatusDead {
			return fmt.Errorf("%w: side effect %s is %s, only dead messages can be retried", ErrInvalidTransition, m.ID, m.Status)
		}
		now := e.now()
		m.Status = outbox.StatusPending
		m.Attempts = 0
		m.NextAttemptAt = now
		m.Touch(now)
		if err := tx.UpdateOutbox(ctx, m); err != nil {
			return err
		}
		requeued = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("side effect requeued",
		"subject_id", requeued.SubjectID.String(),
		"message_id", requeued.ID.String(),
		"stage", requeued.Stage,
		"actor", a.ID,
	)
	e.plugins.EmitSideEffectRetried(ctx, requeued, a)

	if !e.dispatch.DisableInline {
		if err := e.dispatchOne(ctx, requeued.ID); err != nil {
			e.logger.Warn("inline dispatch failed, outbox will retry",
				"message_id", requeued.ID.String(),
				"error", err,
			)
		}
		if latest, err := e.store.GetOutbox(ctx, requeued.ID); err == nil {
			requeued = latest
		}
	}
	return sideEffectOf(requeued), nil
}

// dispatchOne claims msgID and runs its remaining stages. A message that is
// not due, or already claimed by another dispatcher, is left alone.
func (e *Engine) dispatchOne(ctx context.Context, msgID id.OutboxID) error {
	msg, err := e.claim(ctx, msgID)
	if err != nil || msg == nil {
		return err
	}

	if msg.Stage == outbox.StageIssueArtifact {
		done, err := e.issueArtifact(ctx, msg)
		if err != nil {
			e.failAttempt(ctx, msg, err)
			return err
		}
		if done {
			return nil
		}
	}

	if err := e.notify(ctx, msg); err != nil {
		e.failAttempt(ctx, msg, err)
		return err
	}
	return nil
}

// claim pushes the message's next attempt past the time a full attempt can
// take, so a concurrent dispatcher skips it.
func (e *Engine) claim(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	var claimed *outbox.Message
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetOutbox(ctx, msgID)
		if err != nil {
			return err
		}
		now := e.now()
		if !m.Due(now) {
			return nil
		}
		m.NextAttemptAt = now.Add(e.claimTTL())
		m.Touch(now)
		if err := tx.UpdateOutbox(ctx, m); err != nil {
			return err
		}
		claimed = m
		return nil
	})
	return claimed, err
}

func (e *Engine) claimTTL() time.Duration {
	return 3*e.dispatch.CallTimeout + time.Second
}

// issueArtifact runs the issuance stage. done is true when the message was
// settled without reaching the notify stage.
func (e *Engine) issueArtifact(ctx context.Context, msg *outbox.Message) (done bool, err error) {
	s, err := e.store.GetSubject(ctx, msg.SubjectID)
	if err != nil {
		return false, err
	}
	if s.ArtifactIssued {
		// Issued by an earlier message; its owner was notified there.
		e.logger.Info("artifact already issued, settling message",
			"subject_id", s.ID.String(),
			"message_id", msg.ID.String(),
		)
		return true, e.settle(ctx, msg, func(m *outbox.Message) {
			m.Status = outbox.StatusDelivered
			m.ArtifactRef = s.ArtifactRef
		})
	}

	if e.generator == nil {
		return false, &DependencyError{Op: "artifact generator", Err: ErrNoArtifactGenerator}
	}

	ref, err := callWithTimeout(ctx, e.dispatch.CallTimeout, "artifact generator", func(ctx context.Context) (string, error) {
		return e.generator.Generate(ctx, s.ID)
	})
	if err != nil {
		return false, err
	}

	var issued *subject.Subject
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fresh, err := tx.GetSubject(ctx, msg.SubjectID)
		if err != nil {
			return err
		}
		now := e.now()
		if !fresh.ArtifactIssued {
			fresh.ArtifactIssued = true
			fresh.ArtifactRef = ref
			fresh.Touch(now)
			if err := tx.UpdateSubject(ctx, fresh); err != nil {
				return err
			}
			issued = fresh
		}

		m, err := tx.GetOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		m.Stage = outbox.StageNotify
		m.ArtifactRef = fresh.ArtifactRef
		m.LastError = ""
		m.Touch(now)
		if err := tx.UpdateOutbox(ctx, m); err != nil {
			return err
		}
		*msg = *m
		return nil
	})
	if err != nil {
		return false, err
	}

	if issued != nil {
		e.logger.Info("artifact issued",
			"subject_id", issued.ID.String(),
			"artifact_ref", issued.ArtifactRef,
		)
		e.plugins.EmitArtifactIssued(ctx, issued, issued.ArtifactRef)
	}
	return false, nil
}

// notify runs the notification stage and marks the message delivered.
func (e *Engine) notify(ctx context.Context, msg *outbox.Message) error {
	if e.notifier == nil {
		return &DependencyError{Op: "notifier", Err: ErrNoNotifier}
	}

	s, err := e.store.GetSubject(ctx, msg.SubjectID)
	if err != nil {
		return err
	}
	recipient, err := e.recipients.Recipient(ctx, s)
	if err != nil {
		return &DependencyError{Op: "recipient resolver", Err: err}
	}

	n := Notification{
		SubjectID:   s.ID,
		Recipient:   recipient,
		PublicLink:  e.PublicLink(s),
		ArtifactRef: msg.ArtifactRef,
	}
	if _, err := callWithTimeout(ctx, e.dispatch.CallTimeout, "notifier", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.notifier.Send(ctx, n)
	}); err != nil {
		return err
	}

	if err := e.settle(ctx, msg, func(m *outbox.Message) { m.Status = outbox.StatusDelivered }); err != nil {
		return err
	}

	e.logger.Info("notification sent",
		"subject_id", s.ID.String(),
		"message_id", msg.ID.String(),
	)
	e.plugins.EmitNotificationSent(ctx, msg)
	return nil
}

// settle applies fn to the stored message and clears its error.
func (e *Engine) settle(ctx context.Context, msg *outbox.Message, fn func(*outbox.Message)) error {
	return e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		fn(m)
		m.LastError = ""
		m.Touch(e.now())
		if err := tx.UpdateOutbox(ctx, m); err != nil {
			return err
		}
		*msg = *m
		return nil
	})
}

// failAttempt records a failed attempt: the message is rescheduled with
// exponential backoff, or marked dead once MaxAttempts is reached. When ctx
// is already done the attempt is not counted and the claim lapses instead.
// A missing collaborator defers the message by InitialBackoff without
// counting an attempt.
func (e *Engine) failAttempt(ctx context.Context, msg *outbox.Message, cause error) {
	if ctx.Err() != nil {
		return
	}
	unconfigured := errors.Is(cause, ErrNoArtifactGenerator) || errors.Is(cause, ErrNoNotifier)

	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		now := e.now()
		m.LastError = cause.Error()
		switch {
		case unconfigured:
			m.NextAttemptAt = now.Add(e.dispatch.InitialBackoff)
		case m.Attempts+1 >= e.dispatch.MaxAttempts:
			m.Attempts++
			m.Status = outbox.StatusDead
		default:
			m.Attempts++
			m.NextAttemptAt = now.Add(e.retryDelay(m.Attempts))
		}
		m.Touch(now)
		if err := tx.UpdateOutbox(ctx, m); err != nil {
			return err
		}
		*msg = *m
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record side-effect failure",
			"message_id", msg.ID.String(),
			"cause", cause,
			"error", err,
		)
		return
	}

	switch {
	case unconfigured:
		e.logger.Warn("side effect deferred, collaborator not configured",
			"subject_id", msg.SubjectID.String(),
			"message_id", msg.ID.String(),
			"stage", msg.Stage,
			"next_attempt_at", msg.NextAttemptAt,
			"error", cause,
		)
	case msg.Status == outbox.StatusDead:
		e.logger.Error("side effect dead-lettered",
			"subject_id", msg.SubjectID.String(),
			"message_id", msg.ID.String(),
			"stage", msg.Stage,
			"attempts", msg.Attempts,
			"error", cause,
		)
	default:
		e.logger.Warn("side effect failed, retry scheduled",
			"subject_id", msg.SubjectID.String(),
			"message_id", msg.ID.String(),
			"stage", msg.Stage,
			"attempts", msg.Attempts,
			"next_attempt_at", msg.NextAttemptAt,
			"error", cause,
		)
	}
	e.plugins.EmitSideEffectFailed(ctx, msg, cause)
}

// retryDelay is the delay before attempt+1, doubling from InitialBackoff up
// to MaxBackoff.
func (e *Engine) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.dispatch.InitialBackoff
	b.MaxInterval = e.dispatch.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for range attempts {
		delay = b.NextBackOff()
	}
	return delay
}

// callWithTimeout runs fn with a deadline. A failure or timeout is reported
// as a DependencyError.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		v, err := fn(callCtx)
		done <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return zero, &DependencyError{Op: op, Err: r.err}
		}
		return r.val, nil
	case <-callCtx.Done():
		return zero, &DependencyError{Op: op, Err: callCtx.Err()}
	}
}
