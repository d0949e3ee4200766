package entitle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/types"
)

func transitionToPaid(t *testing.T, f *fixture, s *subject.Subject) *entitle.Result {
	t.Helper()
	res, err := f.engine.Transition(context.Background(), admin, entitle.TransitionRequest{
		SubjectID: s.ID,
		Requested: subject.StatusBankPaid,
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return res
}

func TestFailedSideEffectIsVisibleAndRetried(t *testing.T) {
	f := newFixture(t)
	f.gen.fail.Store(true)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

	res := transitionToPaid(t, f, s)
	if !res.Success || res.Subject.PaymentStatus != subject.StatusBankPaid {
		t.Fatalf("transition result = %+v", res)
	}
	se := res.SideEffect
	if se == nil || se.Status != outbox.StatusPending || se.Attempts != 1 || se.Stage != outbox.StageIssueArtifact {
		t.Fatalf("side effect = %+v", se)
	}
	if !strings.Contains(se.LastError, "renderer unavailable") {
		t.Errorf("last error = %q", se.LastError)
	}
	if f.get(t, s.ID).ArtifactIssued {
		t.Fatal("artifact issued despite generator failure")
	}

	// Not due until the backoff has elapsed.
	n, err := f.engine.DispatchPending(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("early dispatch = %d, %v", n, err)
	}

	f.gen.fail.Store(false)
	f.clock.Advance(entitle.DefaultDispatchConfig().InitialBackoff)

	n, err = f.engine.DispatchPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	got := f.get(t, s.ID)
	if !got.ArtifactIssued || got.PaymentStatus != subject.StatusBankPaid {
		t.Errorf("subject = %+v", got)
	}
	if f.notes.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", f.notes.count())
	}
	if n := len(f.audit(t, s.ID)); n != 1 {
		t.Errorf("audit entries = %d, want 1", n)
	}
}

func TestSideEffectBackoffGrows(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{
		InitialBackoff: time.Minute,
		MaxBackoff:     3 * time.Minute,
		MaxAttempts:    10,
	}))
	f.gen.fail.Store(true)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)
	msgID := transitionToPaid(t, f, s).SideEffect.MessageID

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	for i, want := range wantDelays {
		m, err := f.store.GetOutbox(context.Background(), msgID)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.NextAttemptAt.Sub(f.clock.Now()); got != want {
			t.Fatalf("attempt %d: delay = %s, want %s", i+1, got, want)
		}
		f.clock.Advance(want)
		if _, err := f.engine.DispatchPending(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSideEffectDeadLetter(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{MaxAttempts: 2}))
	f.gen.fail.Store(true)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)
	transitionToPaid(t, f, s)

	f.clock.Advance(time.Hour)
	if _, err := f.engine.DispatchPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	dead, err := f.engine.PendingSideEffects(context.Background(), viewer, outbox.ListOpts{Status: outbox.StatusDead})
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].Attempts != 2 || dead[0].LastError == "" {
		t.Fatalf("dead letters = %+v", dead)
	}

	f.clock.Advance(24 * time.Hour)
	calls := f.gen.calls.Load()
	if _, err := f.engine.DispatchPending(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.gen.calls.Load() != calls {
		t.Error("dead message was attempted again")
	}
	if got := f.get(t, s.ID); got.PaymentStatus != subject.StatusBankPaid {
		t.Errorf("transition rolled back by side-effect failure: %s", got.PaymentStatus)
	}
}

func TestSideEffectTimeout(t *testing.T) {
	f := newFixture(t,
		entitle.WithDispatchConfig(entitle.DispatchConfig{CallTimeout: 20 * time.Millisecond}),
		entitle.WithArtifactGenerator(entitle.ArtifactGeneratorFunc(func(ctx context.Context, _ id.SubjectID) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})),
	)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

	res := transitionToPaid(t, f, s)
	if res.SideEffect.Status != outbox.StatusPending {
		t.Fatalf("side effect = %+v", res.SideEffect)
	}
	if !strings.Contains(res.SideEffect.LastError, "artifact generator") ||
		!strings.Contains(res.SideEffect.LastError, context.DeadlineExceeded.Error()) {
		t.Errorf("last error = %q", res.SideEffect.LastError)
	}
}

func TestNotifierFailureKeepsIssuedArtifact(t *testing.T) {
	sendErr := errors.New("smtp: 421 try again")
	fail := true
	f := newFixture(t, entitle.WithNotifier(entitle.NotifierFunc(func(context.Context, entitle.Notification) error {
		if fail {
			return sendErr
		}
		return nil
	})))
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

	res := transitionToPaid(t, f, s)
	if res.SideEffect.Stage != outbox.StageNotify || res.SideEffect.Status != outbox.StatusPending {
		t.Fatalf("side effect = %+v", res.SideEffect)
	}
	if !res.Subject.ArtifactIssued {
		t.Fatal("artifact not persisted before notify stage")
	}

	fail = false
	f.clock.Advance(time.Hour)
	if n, err := f.engine.DispatchPending(context.Background()); err != nil || n != 1 {
		t.Fatalf("dispatch = %d, %v", n, err)
	}
	if calls := f.gen.calls.Load(); calls != 1 {
		t.Errorf("generator calls = %d, want 1", calls)
	}
}

func TestDispatchSkipsAlreadyIssuedArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.subject(t, subject.StatusBankPaid, false, subject.BillingOneTime)
	msgID := id.NewOutboxID()
	err := f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetSubject(ctx, s.ID)
		if err != nil {
			return err
		}
		cur.ArtifactIssued = true
		cur.ArtifactRef = "artifact/original.pdf"
		if err := tx.UpdateSubject(ctx, cur); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, &outbox.Message{
			Entity:        types.EntityAt(day0),
			ID:            msgID,
			SubjectID:     s.ID,
			Kind:          outbox.KindIssueArtifact,
			Stage:         outbox.StageIssueArtifact,
			Status:        outbox.StatusPending,
			NextAttemptAt: day0,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}
	if f.gen.calls.Load() != 0 || f.notes.count() != 0 {
		t.Errorf("generator calls = %d, notifier calls = %d", f.gen.calls.Load(), f.notes.count())
	}
	m, _ := f.store.GetOutbox(ctx, msgID)
	if m.Status != outbox.StatusDelivered {
		t.Errorf("message status = %s", m.Status)
	}
	if got := f.get(t, s.ID); got.ArtifactRef != "artifact/original.pdf" {
		t.Errorf("artifact ref overwritten: %s", got.ArtifactRef)
	}
}

func TestMissingCollaboratorsDeferDelivery(t *testing.T) {
	tests := []struct {
		name    string
		opts    []entitle.Option
		wantErr error
	}{
		{"no generator", []entitle.Option{entitle.WithArtifactGenerator(nil)}, entitle.ErrNoArtifactGenerator},
		{"no notifier", []entitle.Option{entitle.WithNotifier(nil)}, entitle.ErrNoNotifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]entitle.Option{entitle.WithDispatchConfig(entitle.DispatchConfig{MaxAttempts: 2})}, tt.opts...)
			f := newFixture(t, opts...)
			s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

			res := transitionToPaid(t, f, s)
			if res.SideEffect.Status != outbox.StatusPending || res.SideEffect.Attempts != 0 ||
				!strings.Contains(res.SideEffect.LastError, tt.wantErr.Error()) {
				t.Fatalf("side effect = %+v", res.SideEffect)
			}

			// Deferral never spends the attempt budget.
			for range 5 {
				f.clock.Advance(time.Hour)
				if _, err := f.engine.DispatchPending(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			m, err := f.store.GetOutbox(context.Background(), res.SideEffect.MessageID)
			if err != nil {
				t.Fatal(err)
			}
			if m.Status != outbox.StatusPending || m.Attempts != 0 {
				t.Errorf("message after deferrals = %s, %d attempts", m.Status, m.Attempts)
			}
		})
	}
}

func TestDeadLetterRetry(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{MaxAttempts: 2}))
	ctx := context.Background()
	f.gen.fail.Store(true)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)
	msgID := transitionToPaid(t, f, s).SideEffect.MessageID

	for range 3 {
		f.clock.Advance(time.Hour)
		if _, err := f.engine.DispatchPending(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if m, _ := f.store.GetOutbox(ctx, msgID); m.Status != outbox.StatusDead {
		t.Fatalf("message status = %s, want dead", m.Status)
	}

	// A repeated qualifying transition is not a way out.
	_, err := f.engine.Transition(ctx, admin, entitle.TransitionRequest{SubjectID: s.ID, Requested: subject.StatusBankPaid})
	if !errors.Is(err, entitle.ErrInvalidTransition) {
		t.Fatalf("repeat transition err = %v", err)
	}

	if _, err := f.engine.RetrySideEffect(ctx, viewer, msgID); !errors.Is(err, entitle.ErrUnauthorized) {
		t.Errorf("viewer retry err = %v", err)
	}
	if _, err := f.engine.RetrySideEffect(ctx, admin, id.NewOutboxID()); !entitle.IsNotFound(err) {
		t.Errorf("unknown message err = %v", err)
	}

	f.gen.fail.Store(false)
	se, err := f.engine.RetrySideEffect(ctx, admin, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if se.Status != outbox.StatusDelivered || se.Attempts != 0 {
		t.Errorf("side effect after retry = %+v", se)
	}
	if got := f.get(t, s.ID); !got.ArtifactIssued {
		t.Error("artifact not issued after retry")
	}
	if f.notes.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", f.notes.count())
	}

	if _, err := f.engine.RetrySideEffect(ctx, admin, msgID); !errors.Is(err, entitle.ErrInvalidTransition) {
		t.Errorf("retry of delivered message err = %v", err)
	}
}

func TestRetryWithoutInlineDispatchLeavesMessageDue(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{MaxAttempts: 1, DisableInline: true}))
	ctx := context.Background()
	f.gen.fail.Store(true)
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)
	msgID := transitionToPaid(t, f, s).SideEffect.MessageID

	if _, err := f.engine.DispatchPending(ctx); err != nil {
		t.Fatal(err)
	}
	se, err := f.engine.RetrySideEffect(ctx, actor.System, msgID)
	if err != nil {
		t.Fatal(err)
	}
	if se.Status != outbox.StatusPending || se.Attempts != 0 {
		t.Fatalf("side effect = %+v", se)
	}

	f.gen.fail.Store(false)
	if n, err := f.engine.DispatchPending(ctx); err != nil || n != 1 {
		t.Fatalf("dispatch after retry = %d, %v", n, err)
	}
}

func TestPartialDispatchConfigKeepsInlineDelivery(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{MaxAttempts: 3}))
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

	if se := transitionToPaid(t, f, s).SideEffect; se.Status != outbox.StatusDelivered {
		t.Errorf("side effect = %+v, want delivered inline", se)
	}
}

func TestOutboxWorkerDeliversDeferredMessages(t *testing.T) {
	f := newFixture(t, entitle.WithDispatchConfig(entitle.DispatchConfig{
		Interval:      5 * time.Millisecond,
		DisableInline: true,
	}))
	s := f.subject(t, subject.StatusBankPending, false, subject.BillingOneTime)

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.engine.Stop()

	res := transitionToPaid(t, f, s)
	if res.SideEffect.Status != outbox.StatusPending || res.SideEffect.Attempts != 0 {
		t.Fatalf("side effect before worker = %+v", res.SideEffect)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.get(t, s.ID).ArtifactIssued && f.notes.count() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("outbox worker did not deliver the message")
}
