package store

import (
	"context"
	"time"

	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// Store is the unified storage interface for all entitle entities. It is a
// superset of the per-entity Store interfaces.
type Store interface {
	// Subject methods
	CreateSubject(ctx context.Context, s *subject.Subject) error
	GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error)
	ListSubjects(ctx context.Context, opts subject.ListOpts) ([]*subject.Subject, error)

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error)
	// ListOverdueSubscriptions returns, per subject, the latest subscription
	// when it is active and its next billing date is before asOf.
	ListOverdueSubscriptions(ctx context.Context, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error)

	// Payment methods
	CreatePayment(ctx context.Context, p *payment.Record) error
	ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error)

	// Audit methods
	AppendAudit(ctx context.Context, e *audit.Entry) error
	QueryAudit(ctx context.Context, f audit.Filter) ([]*audit.Entry, error)

	// Outbox methods
	GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error)
	ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error)
	ListOutbox(ctx context.Context, opts outbox.ListOpts) ([]*outbox.Message, error)

	// RunInTx runs fn inside one atomic unit of work. Every write fn makes
	// through tx is committed together or not at all. fn must use the ctx it
	// is handed for all tx calls.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of reads and writes available inside RunInTx.
type Tx interface {
	GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error)
	// UpdateSubject writes s if the stored version still equals s.Version and
	// then increments s.Version. A stale version yields entitle.ErrConflict.
	UpdateSubject(ctx context.Context, s *subject.Subject) error

	GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error

	ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error)
	UpdatePayment(ctx context.Context, p *payment.Record) error

	AppendAudit(ctx context.Context, e *audit.Entry) error

	EnqueueOutbox(ctx context.Context, m *outbox.Message) error
	GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error)
	UpdateOutbox(ctx context.Context, m *outbox.Message) error
}
