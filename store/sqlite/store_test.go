package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/sqlite"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
	"github.com/xraph/entitle/types"
)

var day0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "entitle.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Re-running is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return s
}

func seedSubject(t *testing.T, s *sqlite.Store, status subject.PaymentStatus, published bool) *subject.Subject {
	t.Helper()
	subj := &subject.Subject{
		Entity:        types.EntityAt(day0),
		ID:            id.NewSubjectID(),
		OwnerID:       "owner-1",
		PaymentStatus: status,
		Published:     published,
		PublicSlug:    "acme",
		BillingKind:   subject.BillingRecurring,
	}
	if err := s.CreateSubject(context.Background(), subj); err != nil {
		t.Fatal(err)
	}
	return subj
}

func TestSubjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	subj := seedSubject(t, s, subject.StatusBankPaid, true)

	got, err := s.GetSubject(ctx, subj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != subj.ID || got.PaymentStatus != subj.PaymentStatus || !got.Published ||
		got.PublicSlug != "acme" || !got.CreatedAt.Equal(day0) {
		t.Errorf("round trip = %+v", got)
	}

	if err := s.CreateSubject(ctx, subj); !errors.Is(err, entitle.ErrAlreadyExists) {
		t.Errorf("duplicate insert: %v", err)
	}
	if _, err := s.GetSubject(ctx, id.NewSubjectID()); !errors.Is(err, entitle.ErrSubjectNotFound) {
		t.Errorf("missing subject: %v", err)
	}
}

func TestSchemaRejectsPublishedWithoutPayment(t *testing.T) {
	s := openStore(t)
	err := s.CreateSubject(context.Background(), &subject.Subject{
		Entity:        types.EntityAt(day0),
		ID:            id.NewSubjectID(),
		PaymentStatus: subject.StatusBankPending,
		Published:     true,
		BillingKind:   subject.BillingOneTime,
	})
	if err == nil {
		t.Fatal("published unpaid subject was stored")
	}
}

func TestListSubjectsFilters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	pub := seedSubject(t, s, subject.StatusBankPaid, true)
	seedSubject(t, s, subject.StatusBankPending, false)

	published := true
	got, err := s.ListSubjects(ctx, subject.ListOpts{Published: &published})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != pub.ID {
		t.Errorf("published filter = %+v", got)
	}

	all, _ := s.ListSubjects(ctx, subject.ListOpts{BillingKind: subject.BillingRecurring})
	if len(all) != 2 {
		t.Fatalf("billing filter = %d subjects", len(all))
	}
	rest, _ := s.ListSubjects(ctx, subject.ListOpts{After: all[0].ID})
	if len(rest) != 1 || rest[0].ID != all[1].ID {
		t.Errorf("keyset page = %+v", rest)
	}
}

func TestUpdateSubjectCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
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
		stale.PaymentStatus = subject.StatusBankPending
		stale.Published = false
		return tx.UpdateSubject(ctx, stale)
	})
	if !errors.Is(err, entitle.ErrConflict) {
		t.Fatalf("stale write: got %v, want ErrConflict", err)
	}

	got, _ := s.GetSubject(ctx, subj.ID)
	if got.Version != 1 || got.PaymentStatus != subject.StatusBankPaid {
		t.Errorf("subject = %+v", got)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	subj := seedSubject(t, s, subject.StatusBankPaid, true)

	paid := day0
	rec := &payment.Record{
		Entity:    types.EntityAt(day0),
		ID:        id.NewPaymentID(),
		SubjectID: subj.ID,
		Kind:      payment.KindMonthly,
		Status:    payment.StatusCompleted,
		PaidAt:    &paid,
		Method:    payment.MethodBank,
	}
	if err := s.CreatePayment(ctx, rec); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	msgID := id.NewOutboxID()
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := rec.Clone()
		p.Revert(day0)
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &audit.Entry{
			ID:         id.NewAuditID(),
			ActorID:    "admin-1",
			ChangeType: audit.ChangeUsageStopped,
			TargetType: audit.TargetSubject,
			TargetID:   subj.ID.String(),
			OccurredAt: day0,
		}); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, &outbox.Message{
			Entity:        types.EntityAt(day0),
			ID:            msgID,
			SubjectID:     subj.ID,
			Kind:          outbox.KindIssueArtifact,
			Stage:         outbox.StageIssueArtifact,
			Status:        outbox.StatusPending,
			NextAttemptAt: day0,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	payments, _ := s.ListPayments(ctx, subj.ID, payment.ListOpts{})
	if len(payments) != 1 || !payments[0].Completed() || payments[0].PaidAt == nil || !payments[0].PaidAt.Equal(paid) {
		t.Errorf("payment not rolled back: %+v", payments)
	}
	if entries, _ := s.QueryAudit(ctx, audit.Filter{TargetID: subj.ID.String()}); len(entries) != 0 {
		t.Errorf("audit not rolled back: %d entries", len(entries))
	}
	if _, err := s.GetOutbox(ctx, msgID); !errors.Is(err, entitle.ErrOutboxNotFound) {
		t.Errorf("outbox not rolled back: %v", err)
	}
}

func TestOverdueScanUsesLatestSubscription(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	today := types.StartOfDay(day0)

	mk := func(subjectID id.SubjectID, created time.Time, status subscription.Status, next time.Time) {
		t.Helper()
		err := s.CreateSubscription(ctx, &subscription.Subscription{
			Entity:          types.EntityAt(created),
			ID:              id.NewSubscriptionID(),
			SubjectID:       subjectID,
			Status:          status,
			NextBillingDate: next,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	overdue := seedSubject(t, s, subject.StatusBankPaid, true).ID
	mk(overdue, day0.AddDate(0, -2, 0), subscription.StatusActive, today.AddDate(0, 0, -1))

	superseded := seedSubject(t, s, subject.StatusBankPaid, true).ID
	mk(superseded, day0.AddDate(0, -2, 0), subscription.StatusActive, today.AddDate(0, 0, -10))
	mk(superseded, day0.AddDate(0, -1, 0), subscription.StatusCanceled, today.AddDate(0, 0, -10))

	current := seedSubject(t, s, subject.StatusBankPaid, true).ID
	mk(current, day0.AddDate(0, -1, 0), subscription.StatusActive, today)

	found, err := s.ListOverdueSubscriptions(ctx, today, subscription.ScanOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].SubjectID != overdue {
		t.Fatalf("overdue scan = %+v", found)
	}

	latest, err := s.GetLatestSubscription(ctx, superseded)
	if err != nil || latest.Status != subscription.StatusCanceled {
		t.Errorf("latest = %+v, %v", latest, err)
	}
}

func TestDueOutboxOrdering(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	subj := seedSubject(t, s, subject.StatusBankPaid, false)

	enqueue := func(next time.Time, status outbox.Status) id.OutboxID {
		t.Helper()
		msgID := id.NewOutboxID()
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.EnqueueOutbox(ctx, &outbox.Message{
				Entity:        types.EntityAt(day0),
				ID:            msgID,
				SubjectID:     subj.ID,
				Kind:          outbox.KindIssueArtifact,
				Stage:         outbox.StageIssueArtifact,
				Status:        status,
				NextAttemptAt: next,
			})
		})
		if err != nil {
			t.Fatal(err)
		}
		return msgID
	}

	later := enqueue(day0.Add(time.Minute), outbox.StatusPending)
	first := enqueue(day0, outbox.StatusPending)
	enqueue(day0, outbox.StatusDead)
	enqueue(day0.Add(time.Hour), outbox.StatusPending)

	due, err := s.ListDueOutbox(ctx, day0.Add(time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != first || due[1].ID != later {
		t.Fatalf("due = %+v", due)
	}

	dead, _ := s.ListOutbox(ctx, outbox.ListOpts{Status: outbox.StatusDead})
	if len(dead) != 1 {
		t.Errorf("dead = %d, want 1", len(dead))
	}
}

func TestEngineOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	subj := seedSubject(t, s, subject.StatusBankPending, false)

	e := entitle.New(s,
		entitle.WithClock(func() time.Time { return day0 }),
		entitle.WithArtifactGenerator(entitle.ArtifactGeneratorFunc(func(context.Context, id.SubjectID) (string, error) {
			return "artifacts/a.pdf", nil
		})),
		entitle.WithNotifier(entitle.NotifierFunc(func(context.Context, entitle.Notification) error { return nil })),
	)

	admin := actor.Actor{ID: "u_1", Label: "Admin", Role: actor.RoleAdmin}
	res, err := e.Transition(ctx, admin, entitle.TransitionRequest{SubjectID: subj.ID, Requested: subject.StatusBankPaid})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Subject.ArtifactIssued || res.SideEffect.Status != outbox.StatusDelivered {
		t.Fatalf("result = %+v, side effect = %+v", res.Subject, res.SideEffect)
	}

	if _, err := e.SetPublication(ctx, admin, subj.ID, true); err != nil {
		t.Fatal(err)
	}
	res, err = e.StopUsage(ctx, admin, subj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Subject.Published || res.Subject.PaymentStatus != subject.StatusBankPending || !res.Subject.ArtifactIssued {
		t.Errorf("after stop usage = %+v", res.Subject)
	}

	trail, err := e.AuditTrail(ctx, admin, audit.Filter{TargetID: subj.ID.String()})
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 3 {
		t.Errorf("audit entries = %d, want 3", len(trail))
	}
}

func TestNewOnSharedGroveDatabase(t *testing.T) {
	ctx := context.Background()
	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, filepath.Join(t.TempDir(), "shared.db")); err != nil {
		t.Fatal(err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s := sqlite.New(db)
	if s.DB() != db {
		t.Fatal("store does not expose the shared database")
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	subj := seedSubject(t, s, subject.StatusUnused, false)
	got, err := s.GetSubject(ctx, subj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentStatus != subject.StatusUnused {
		t.Errorf("status = %s", got.PaymentStatus)
	}
}
