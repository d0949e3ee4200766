// Package entitle keeps the public visibility of subjects consistent with
// their payment entitlement.
//
// Entitle is a library, not a service. Import it into the application that
// owns subjects and their billing data. It provides:
//
//   - A closed payment-status state machine with a single administrative
//     transition (BANK_PENDING to BANK_PAID)
//   - An administrative gateway that authorizes every call against an
//     explicit actor before anything is read or written
//   - A reconciliation job that demotes subjects whose recurring payment has
//     lapsed, committing each subject on its own
//   - A transactional outbox that issues the subject's artifact and notifies
//     its owner with bounded retries
//   - An append-only audit trail with one entry per change to payment status
//     or publication
//
// The engine maintains one invariant above all others: a published subject
// always holds a paid status.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/postgres"
//	)
//
//	store, err := postgres.Open(ctx, postgres.Config{URL: databaseURL})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	e := entitle.New(store,
//	    entitle.WithArtifactGenerator(generator),
//	    entitle.WithNotifier(mailer),
//	)
//	if err := e.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Stop()
//
// # Core Concepts
//
// Administrators confirm bank payments through Transition:
//
//	admin := entitle.Actor{ID: "u_42", Label: "Jane", Role: entitle.RoleAdmin}
//	res, err := e.Transition(ctx, admin, entitle.TransitionRequest{
//	    SubjectID: subjectID,
//	    Requested: entitle.StatusBankPaid,
//	})
//
// The response carries the side-effect state, so a failed artifact or
// notification is visible to the caller and retried by the outbox worker.
//
// Publication is a separate action and is never set as a consequence of a
// payment change:
//
//	res, err := e.SetPublication(ctx, admin, subjectID, true)
//	if res.Coerced {
//	    // the subject is not paid and stays unpublished
//	}
//
// Reconciliation runs on a schedule (ReconcileConfig.Interval) or on demand:
//
//	summary, err := e.Reconcile(ctx, admin)
//
// # Stores
//
// Backends live under store/: memory, postgres (pgx), sqlite (modernc) and
// mongo. Every mutation goes through Store.RunInTx, and subject updates are
// compare-and-swap on Subject.Version.
package entitle
