package entitle_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/types"
)

// TestDocumentationExamples runs the package documentation walkthrough.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		// Memory store for the demo, use postgres in production.
		store := memory.New()

		e := entitle.New(store,
			entitle.WithLogger(slog.Default()),
			entitle.WithArtifactGenerator(entitle.ArtifactGeneratorFunc(func(_ context.Context, subjectID id.SubjectID) (string, error) {
				return "certificates/" + subjectID.String() + ".pdf", nil
			})),
			entitle.WithNotifier(entitle.NotifierFunc(func(_ context.Context, n entitle.Notification) error {
				t.Logf("notify %s: %s", n.Recipient, n.PublicLink)
				return nil
			})),
			entitle.WithPublicBaseURL("https://directory.example.com/s"),
			entitle.WithReconcileConfig(entitle.ReconcileConfig{Interval: time.Hour}),
		)

		ctx := context.Background()
		if err := e.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer e.Stop()

		s := &subject.Subject{
			Entity:        types.NewEntity(),
			ID:            id.NewSubjectID(),
			OwnerID:       "owner@example.com",
			PaymentStatus: entitle.StatusBankPending,
			PublicSlug:    "acme-gmbh",
			BillingKind:   subject.BillingOneTime,
		}
		if err := store.CreateSubject(ctx, s); err != nil {
			t.Fatal(err)
		}

		admin := entitle.Actor{ID: "u_42", Label: "Jane", Role: entitle.RoleAdmin}
		res, err := e.Transition(ctx, admin, entitle.TransitionRequest{
			SubjectID: s.ID,
			Requested: entitle.StatusBankPaid,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Subject.ArtifactIssued {
			t.Errorf("artifact not issued: %+v", res.SideEffect)
		}

		res, err = e.SetPublication(ctx, admin, s.ID, true)
		if err != nil {
			t.Fatal(err)
		}
		if res.Coerced || !res.Subject.Published {
			t.Errorf("publish result = %+v", res)
		}

		summary, err := e.Reconcile(ctx, admin)
		if err != nil {
			t.Fatal(err)
		}
		if summary.UpdatedCount != 0 {
			t.Errorf("one-time subject demoted: %+v", summary.Subjects)
		}
	})

	t.Run("RestartEngine", func(t *testing.T) {
		e := entitle.New(memory.New())
		ctx := context.Background()
		for range 2 {
			if err := e.Start(ctx); err != nil {
				t.Fatal(err)
			}
			if err := e.Stop(); err != nil {
				t.Fatal(err)
			}
		}
	})
}
