package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

// newTestStore connects using ENTITLE_POSTGRES_URL and skips when it is
// unset.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("ENTITLE_POSTGRES_URL")
	if url == "" {
		t.Skip("ENTITLE_POSTGRES_URL not set")
	}

	ctx := context.Background()
	s, err := postgres.Open(ctx, postgres.Config{URL: url, MaxConns: 8})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// A second run finds every migration applied.
	for range 2 {
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	return s
}

func seedSubject(t *testing.T, s *postgres.Store, status subject.PaymentStatus, published bool) *subject.Subject {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	subj := &subject.Subject{
		Entity:        types.EntityAt(now),
		ID:            id.NewSubjectID(),
		OwnerID:       "owner-" + id.NewSubjectID().String(),
		PaymentStatus: status,
		Published:     published,
		BillingKind:   subject.BillingRecurring,
	}
	if err := s.CreateSubject(context.Background(), subj); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		pg := pgdriver.Unwrap(s.DB())
		for _, table := range []string{"entitle_outbox", "entitle_payments", "entitle_subscriptions"} {
			_, _ = pg.NewRaw(`DELETE FROM `+table+` WHERE subject_id = $1`, subj.ID.String()).Exec(ctx)
		}
		_, _ = pg.NewRaw(`DELETE FROM entitle_audit_log WHERE target_id = $1`, subj.ID.String()).Exec(ctx)
		_, _ = pg.NewRaw(`DELETE FROM entitle_subjects WHERE id = $1`, subj.ID.String()).Exec(ctx)
	})
	return subj
}

func TestPostgresSubjectCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subj := seedSubject(t, s, subject.StatusBankPaid, true)
	stale := subj.Clone()

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fresh, err := tx.GetSubject(ctx, subj.ID)
		if err != nil {
			return err
		}
		fresh.Published = false
		return tx.UpdateSubject(ctx, fresh)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stale.Published = false
		stale.PaymentStatus = subject.StatusBankPending
		return tx.UpdateSubject(ctx, stale)
	})
	if !errors.Is(err, entitle.ErrConflict) {
		t.Fatalf("stale write: got %v, want ErrConflict", err)
	}

	got, err := s.GetSubject(ctx, subj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || got.PaymentStatus != subject.StatusBankPaid || got.Published {
		t.Errorf("subject = %+v", got)
	}
}

func TestPostgresRejectsPublishedWithoutPayment(t *testing.T) {
	s := newTestStore(t)
	subj := seedSubject(t, s, subject.StatusBankPending, false)

	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		fresh, err := tx.GetSubject(ctx, subj.ID)
		if err != nil {
			return err
		}
		fresh.Published = true
		return tx.UpdateSubject(ctx, fresh)
	})
	if err == nil {
		t.Fatal("check constraint did not reject published unpaid subject")
	}
}

func TestPostgresRollbackAndOverdueScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subj := seedSubject(t, s, subject.StatusBankPaid, true)
	today := types.StartOfDay(time.Now())

	sub := &subscription.Subscription{
		Entity:          types.EntityAt(today.AddDate(0, -1, 0)),
		ID:              id.NewSubscriptionID(),
		SubjectID:       subj.ID,
		Status:          subscription.StatusActive,
		NextBillingDate: today.AddDate(0, 0, -3),
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	paid := today.AddDate(0, -1, 0)
	rec := &payment.Record{
		Entity:    types.EntityAt(paid),
		ID:        id.NewPaymentID(),
		SubjectID: subj.ID,
		Kind:      payment.KindMonthly,
		Status:    payment.StatusCompleted,
		PaidAt:    &paid,
		Method:    payment.MethodCard,
	}
	if err := s.CreatePayment(ctx, rec); err != nil {
		t.Fatal(err)
	}

	found, err := s.ListOverdueSubscriptions(ctx, today, subscription.ScanOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var seen bool
	for _, f := range found {
		seen = seen || f.ID == sub.ID
	}
	if !seen {
		t.Fatalf("overdue subscription %s not returned", sub.ID)
	}

	boom := errors.New("boom")
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := rec.Clone()
		p.Revert(today)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		cur, err := tx.GetLatestSubscription(ctx, subj.ID)
		if err != nil {
			return err
		}
		cur.Status = subscription.StatusExpired
		if err := tx.UpdateSubscription(ctx, cur); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	payments, _ := s.ListPayments(ctx, subj.ID, payment.ListOpts{Status: payment.StatusCompleted})
	if len(payments) != 1 {
		t.Errorf("payment not rolled back: %+v", payments)
	}
	latest, _ := s.GetLatestSubscription(ctx, subj.ID)
	if latest == nil || latest.Status != subscription.StatusActive {
		t.Errorf("subscription not rolled back: %+v", latest)
	}
}

func TestPostgresOutboxAndDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subj := seedSubject(t, s, subject.StatusBankPaid, true)

	if err := s.CreateSubject(ctx, subj); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Fatalf("duplicate subject: got %v, want ErrAlreadyExists", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	msg := &outbox.Message{
		Entity:        types.EntityAt(now),
		ID:            id.NewOutboxID(),
		SubjectID:     subj.ID,
		Kind:          outbox.KindIssueArtifact,
		Stage:         outbox.StageIssueArtifact,
		Status:        outbox.StatusPending,
		NextAttemptAt: now,
	}
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.EnqueueOutbox(ctx, msg)
	})
	if err != nil {
		t.Fatal(err)
	}

	due, err := s.ListDueOutbox(ctx, now.Add(time.Second), 0)
	if err != nil {
		t.Fatal(err)
	}
	var seen bool
	for _, m := range due {
		seen = seen || m.ID == msg.ID
	}
	if !seen {
		t.Fatalf("due message %s not returned", msg.ID)
	}

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetOutbox(ctx, msg.ID)
		if err != nil {
			return err
		}
		m.Status = outbox.StatusDead
		m.Attempts = 3
		return tx.UpdateOutbox(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	dead, err := s.ListOutbox(ctx, outbox.ListOpts{SubjectID: subj.ID, Status: outbox.StatusDead})
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Errorf("dead messages = %+v", dead)
	}

	if _, err := s.GetOutbox(ctx, id.NewOutboxID()); !errors.Is(err, entitle.ErrOutboxNotFound) {
		t.Errorf("missing message: got %v, want ErrOutboxNotFound", err)
	}
}
