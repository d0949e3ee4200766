package memory

import (
	"context"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// RunInTx holds the store's write lock for the whole of fn. Writes are
// applied immediately and undone in reverse order if fn fails or panics.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

type tx struct {
	s    *Store
	undo []func()
}

var _ store.Tx = (*tx)(nil)

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) GetSubject(_ context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return t.s.getSubject(subjectID)
}

func (t *tx) UpdateSubject(_ context.Context, subj *subject.Subject) error {
	key := subj.ID.String()
	prev, ok := t.s.subjects[key]
	if !ok {
		return entitle.ErrSubjectNotFound
	}
	if prev.Version != subj.Version {
		return entitle.ErrConflict
	}

	next := subj.Clone()
	next.Version++
	t.s.subjects[key] = next
	t.undo = append(t.undo, func() { t.s.subjects[key] = prev })

	subj.Version = next.Version
	return nil
}

func (t *tx) GetLatestSubscription(_ context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return t.s.latestSubscription(subjectID)
}

func (t *tx) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	key := sub.ID.String()
	prev, ok := t.s.subscriptions[key]
	if !ok {
		return entitle.ErrSubscriptionNotFound
	}
	t.s.subscriptions[key] = sub.Clone()
	t.undo = append(t.undo, func() { t.s.subscriptions[key] = prev })
	return nil
}

func (t *tx) ListPayments(_ context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	return t.s.listPayments(subjectID, opts), nil
}

func (t *tx) UpdatePayment(_ context.Context, p *payment.Record) error {
	key := p.ID.String()
	prev, ok := t.s.payments[key]
	if !ok {
		return entitle.ErrPaymentNotFound
	}
	t.s.payments[key] = p.Clone()
	t.undo = append(t.undo, func() { t.s.payments[key] = prev })
	return nil
}

func (t *tx) AppendAudit(_ context.Context, e *audit.Entry) error {
	n := len(t.s.auditLog)
	t.s.appendAudit(e)
	t.undo = append(t.undo, func() { t.s.auditLog = t.s.auditLog[:n] })
	return nil
}

func (t *tx) EnqueueOutbox(_ context.Context, m *outbox.Message) error {
	key := m.ID.String()
	if _, exists := t.s.outbox[key]; exists {
		return entitle.ErrAlreadyExists
	}
	t.s.outbox[key] = m.Clone()
	t.undo = append(t.undo, func() { delete(t.s.outbox, key) })
	return nil
}

func (t *tx) GetOutbox(_ context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	return t.s.getOutbox(msgID)
}

func (t *tx) UpdateOutbox(_ context.Context, m *outbox.Message) error {
	key := m.ID.String()
	prev, ok := t.s.outbox[key]
	if !ok {
		return entitle.ErrOutboxNotFound
	}
	t.s.outbox[key] = m.Clone()
	t.undo = append(t.undo, func() { t.s.outbox[key] = prev })
	return nil
}
