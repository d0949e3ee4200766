// Package memory implements store.Store in process memory. It backs tests and
// single-instance deployments; RunInTx serialises units of work under one
// write lock and rolls back through an undo log.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	subjects      map[string]*subject.Subject
	subscriptions map[string]*subscription.Subscription
	payments      map[string]*payment.Record
	auditLog      []*audit.Entry
	outbox        map[string]*outbox.Message
}

func New() *Store {
	return &Store{
		subjects:      make(map[string]*subject.Subject),
		subscriptions: make(map[string]*subscription.Subscription),
		payments:      make(map[string]*payment.Record),
		outbox:        make(map[string]*outbox.Message),
	}
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close() error                  { return nil }

// ==================== Subject Store ====================

func (s *Store) CreateSubject(_ context.Context, subj *subject.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subjects[subj.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.subjects[subj.ID.String()] = subj.Clone()
	return nil
}

func (s *Store) GetSubject(_ context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getSubject(subjectID)
}

func (s *Store) getSubject(subjectID id.SubjectID) (*subject.Subject, error) {
	if subj, ok := s.subjects[subjectID.String()]; ok {
		return subj.Clone(), nil
	}
	return nil, entitle.ErrSubjectNotFound
}

func (s *Store) ListSubjects(_ context.Context, opts subject.ListOpts) ([]*subject.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subject.Subject
	for _, subj := range s.subjects {
		if opts.OwnerID != "" && subj.OwnerID != opts.OwnerID {
			continue
		}
		if opts.BillingKind != "" && subj.BillingKind != opts.BillingKind {
			continue
		}
		if opts.Published != nil && subj.Published != *opts.Published {
			continue
		}
		if !opts.After.IsNil() && subj.ID.Compare(opts.After) <= 0 {
			continue
		}
		out = append(out, subj.Clone())
	}
	slices.SortFunc(out, func(a, b *subject.Subject) int { return a.ID.Compare(b.ID) })
	return limit(out, opts.Limit), nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.subscriptions[sub.ID.String()] = sub.Clone()
	return nil
}

func (s *Store) GetLatestSubscription(_ context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSubscription(subjectID)
}

func (s *Store) latestSubscription(subjectID id.SubjectID) (*subscription.Subscription, error) {
	var latest *subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.SubjectID == subjectID && sub.Newer(latest) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, entitle.ErrSubscriptionNotFound
	}
	return latest.Clone(), nil
}

func (s *Store) ListOverdueSubscriptions(_ context.Context, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*subscription.Subscription)
	for _, sub := range s.subscriptions {
		key := sub.SubjectID.String()
		if sub.Newer(latest[key]) {
			latest[key] = sub
		}
	}

	var out []*subscription.Subscription
	for _, sub := range latest {
		if sub.Status != subscription.StatusActive || !sub.NextBillingDate.Before(asOf) {
			continue
		}
		if !opts.AfterSubject.IsNil() && sub.SubjectID.Compare(opts.AfterSubject) <= 0 {
			continue
		}
		out = append(out, sub.Clone())
	}
	slices.SortFunc(out, func(a, b *subscription.Subscription) int { return a.SubjectID.Compare(b.SubjectID) })
	return limit(out, opts.Limit), nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(_ context.Context, p *payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[p.ID.String()]; exists {
		return entitle.ErrAlreadyExists
	}
	s.payments[p.ID.String()] = p.Clone()
	return nil
}

func (s *Store) ListPayments(_ context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPayments(subjectID, opts), nil
}

func (s *Store) listPayments(subjectID id.SubjectID, opts payment.ListOpts) []*payment.Record {
	var out []*payment.Record
	for _, p := range s.payments {
		if p.SubjectID != subjectID {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	slices.SortFunc(out, func(a, b *payment.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return b.ID.Compare(a.ID)
	})
	return limit(out, opts.Limit)
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAudit(e)
	return nil
}

func (s *Store) appendAudit(e *audit.Entry) {
	c := *e
	s.auditLog = append(s.auditLog, &c)
}

func (s *Store) QueryAudit(_ context.Context, f audit.Filter) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for _, e := range s.auditLog {
		if f.TargetID != "" && e.TargetID != f.TargetID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *audit.Entry) int {
		switch {
		case b.Before(a):
			return -1
		case a.Before(b):
			return 1
		default:
			return 0
		}
	})
	return limit(out, f.EffectiveLimit()), nil
}

// ==================== Outbox Store ====================

func (s *Store) GetOutbox(_ context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOutbox(msgID)
}

func (s *Store) getOutbox(msgID id.OutboxID) (*outbox.Message, error) {
	if m, ok := s.outbox[msgID.String()]; ok {
		return m.Clone(), nil
	}
	return nil, entitle.ErrOutboxNotFound
}

func (s *Store) ListDueOutbox(_ context.Context, now time.Time, n int) ([]*outbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*outbox.Message
	for _, m := range s.outbox {
		if m.Due(now) {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *outbox.Message) int {
		return cmp.Or(a.NextAttemptAt.Compare(b.NextAttemptAt), a.ID.Compare(b.ID))
	})
	return limit(out, n), nil
}

func (s *Store) ListOutbox(_ context.Context, opts outbox.ListOpts) ([]*outbox.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*outbox.Message
	for _, m := range s.outbox {
		if !opts.SubjectID.IsNil() && m.SubjectID != opts.SubjectID {
			continue
		}
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		out = append(out, m.Clone())
	}
	slices.SortFunc(out, func(a, b *outbox.Message) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), a.ID.Compare(b.ID))
	})
	return limit(out, opts.Limit), nil
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
