package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// querier is satisfied by both *sqlitedriver.SqliteDB and *sqlitedriver.SqliteTx.
type querier interface {
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
	NewRaw(query string, args ...any) *sqlitedriver.RawQuery
}

var (
	_ querier = (*sqlitedriver.SqliteDB)(nil)
	_ querier = (*sqlitedriver.SqliteTx)(nil)
)

// ==================== Subjects ====================

func insertSubject(ctx context.Context, q querier, s *subject.Subject) error {
	_, err := q.NewInsert(toSubjectModel(s)).Exec(ctx)
	return mapInsertErr(err)
}

func getSubject(ctx context.Context, q querier, subjectID id.SubjectID) (*subject.Subject, error) {
	m := new(subjectModel)
	if err := q.NewSelect(m).Where("id = ?", subjectID.String()).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubjectNotFound
		}
		return nil, err
	}
	return fromSubjectModel(m)
}

func listSubjects(ctx context.Context, q querier, opts subject.ListOpts) ([]*subject.Subject, error) {
	var models []subjectModel
	sel := q.NewSelect(&models)
	if opts.OwnerID != "" {
		sel = sel.Where("owner_id = ?", opts.OwnerID)
	}
	if opts.BillingKind != "" {
		sel = sel.Where("billing_kind = ?", string(opts.BillingKind))
	}
	if opts.Published != nil {
		sel = sel.Where("is_published = ?", *opts.Published)
	}
	if !opts.After.IsNil() {
		sel = sel.Where("id > ?", opts.After.String())
	}
	if opts.Limit > 0 {
		sel = sel.Limit(opts.Limit)
	}
	if err := sel.OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromSubjectModel)
}

// updateSubject is a compare-and-swap on version.
func updateSubject(ctx context.Context, q querier, s *subject.Subject) error {
	m := toSubjectModel(s)
	m.Version = s.Version + 1
	res, err := q.NewUpdate(m).
		WherePK().
		Where("version = ?", s.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		n, err := q.NewSelect((*subjectModel)(nil)).Where("id = ?", m.ID).Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return entitle.ErrSubjectNotFound
		}
		return fmt.Errorf("%w: subject %s is no longer at version %d", entitle.ErrConflict, m.ID, s.Version)
	}
	s.Version++
	return nil
}

// ==================== Subscriptions ====================

func insertSubscription(ctx context.Context, q querier, sub *subscription.Subscription) error {
	_, err := q.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return mapInsertErr(err)
}

func latestSubscription(ctx context.Context, q querier, subjectID id.SubjectID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := q.NewSelect(m).
		Where("subject_id = ?", subjectID.String()).
		OrderExpr("created_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

// listOverdueSubscriptions selects, per subject, the latest subscription when
// it is active and billed before asOf.
func listOverdueSubscriptions(ctx context.Context, q querier, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	err := q.NewRaw(`
SELECT s.id, s.subject_id, s.status, s.next_billing_date, s.cancelled_at, s.created_at, s.updated_at
FROM entitle_subscriptions s
WHERE s.status = 'active'
  AND s.next_billing_date < ?1
  AND (?2 = '' OR s.subject_id > ?2)
  AND NOT EXISTS (
    SELECT 1 FROM entitle_subscriptions n
    WHERE n.subject_id = s.subject_id
      AND (n.created_at > s.created_at OR (n.created_at = s.created_at AND n.id > s.id))
  )
ORDER BY s.subject_id
LIMIT ?3`,
		formatTime(asOf), opts.AfterSubject.String(), limitArg(opts.Limit),
	).Scan(ctx, &models)
	if err != nil {
		return nil, err
	}
	return convert(models, fromSubscriptionModel)
}

func updateSubscription(ctx context.Context, q querier, sub *subscription.Subscription) error {
	res, err := q.NewUpdate(toSubscriptionModel(sub)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, entitle.ErrSubscriptionNotFound)
}

// ==================== Payments ====================

func insertPayment(ctx context.Context, q querier, p *payment.Record) error {
	_, err := q.NewInsert(toPaymentModel(p)).Exec(ctx)
	return mapInsertErr(err)
}

func listPayments(ctx context.Context, q querier, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	var models []paymentModel
	sel := q.NewSelect(&models).Where("subject_id = ?", subjectID.String())
	if opts.Status != "" {
		sel = sel.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		sel = sel.Limit(opts.Limit)
	}
	if err := sel.OrderExpr("created_at DESC, id DESC").Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromPaymentModel)
}

func updatePayment(ctx context.Context, q querier, p *payment.Record) error {
	res, err := q.NewUpdate(toPaymentModel(p)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, entitle.ErrPaymentNotFound)
}

// ==================== Audit ====================

func insertAudit(ctx context.Context, q querier, e *audit.Entry) error {
	_, err := q.NewInsert(toAuditModel(e)).Exec(ctx)
	return mapInsertErr(err)
}

func queryAudit(ctx context.Context, q querier, f audit.Filter) ([]*audit.Entry, error) {
	var models []auditModel
	sel := q.NewSelect(&models)
	if f.TargetID != "" {
		sel = sel.Where("target_id = ?", f.TargetID)
	}
	if f.ActorID != "" {
		sel = sel.Where("actor_id = ?", f.ActorID)
	}
	err := sel.
		OrderExpr("occurred_at DESC, id DESC").
		Limit(f.EffectiveLimit()).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return convert(models, fromAuditModel)
}

// ==================== Outbox ====================

func insertOutbox(ctx context.Context, q querier, msg *outbox.Message) error {
	_, err := q.NewInsert(toOutboxModel(msg)).Exec(ctx)
	return mapInsertErr(err)
}

func getOutbox(ctx context.Context, q querier, msgID id.OutboxID) (*outbox.Message, error) {
	m := new(outboxModel)
	if err := q.NewSelect(m).Where("id = ?", msgID.String()).Scan(ctx); err != nil {
		if isNoRows(err) {
			return nil, entitle.ErrOutboxNotFound
		}
		return nil, err
	}
	return fromOutboxModel(m)
}

func listDueOutbox(ctx context.Context, q querier, now time.Time, limit int) ([]*outbox.Message, error) {
	var models []outboxModel
	sel := q.NewSelect(&models).
		Where("status = ?", string(outbox.StatusPending)).
		Where("next_attempt_at <= ?", formatTime(now)).
		OrderExpr("next_attempt_at ASC, id ASC")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromOutboxModel)
}

func listOutbox(ctx context.Context, q querier, opts outbox.ListOpts) ([]*outbox.Message, error) {
	var models []outboxModel
	sel := q.NewSelect(&models)
	if !opts.SubjectID.IsNil() {
		sel = sel.Where("subject_id = ?", opts.SubjectID.String())
	}
	if opts.Status != "" {
		sel = sel.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		sel = sel.Limit(opts.Limit)
	}
	if err := sel.OrderExpr("created_at ASC, id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromOutboxModel)
}

func updateOutbox(ctx context.Context, q querier, msg *outbox.Message) error {
	res, err := q.NewUpdate(toOutboxModel(msg)).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, entitle.ErrOutboxNotFound)
}

// ==================== Helpers ====================

func convert[M, T any](models []M, conv func(*M) (T, error)) ([]T, error) {
	out := make([]T, 0, len(models))
	for i := range models {
		v, err := conv(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// limitArg maps a non-positive limit to -1, which SQLite treats as no limit.
func limitArg(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func isNoRows(err error) bool {
	return errors.Is(err, grove.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func mapInsertErr(err error) error {
	var sqlErr *msqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return entitle.ErrAlreadyExists
		}
	}
	return err
}
