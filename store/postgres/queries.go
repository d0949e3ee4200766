package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// querier is satisfied by both *pgdriver.PgDB and *pgdriver.PgTx.
type querier interface {
	NewSelect(model ...any) *pgdriver.SelectQuery
	NewInsert(model any) *pgdriver.InsertQuery
	NewUpdate(model any) *pgdriver.UpdateQuery
	NewRaw(query string, args ...any) *pgdriver.RawQuery
}

var (
	_ querier = (*pgdriver.PgDB)(nil)
	_ querier = (*pgdriver.PgTx)(nil)
)

// ==================== Subjects ====================

func insertSubject(ctx context.Context, q querier, s *subject.Subject) error {
	_, err := q.NewInsert(toSubjectModel(s)).Exec(ctx)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func getSubject(ctx context.Context, q querier, subjectID id.SubjectID, forUpdate bool) (*subject.Subject, error) {
	m := new(subjectModel)
	sel := q.NewSelect(m).Where("id = $1", subjectID.String())
	if forUpdate {
		sel = sel.ForUpdate()
	}
	if err := sel.Scan(ctx); err != nil {
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

	argIdx := 0
	if opts.OwnerID != "" {
		argIdx++
		sel = sel.Where(fmt.Sprintf("owner_id = $%d", argIdx), opts.OwnerID)
	}
	if opts.BillingKind != "" {
		argIdx++
		sel = sel.Where(fmt.Sprintf("billing_kind = $%d", argIdx), string(opts.BillingKind))
	}
	if opts.Published != nil {
		argIdx++
		sel = sel.Where(fmt.Sprintf("is_published = $%d", argIdx), *opts.Published)
	}
	if !opts.After.IsNil() {
		argIdx++
		sel = sel.Where(fmt.Sprintf("id > $%d", argIdx), opts.After.String())
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
		n, err := q.NewSelect((*subjectModel)(nil)).Where("id = $1", m.ID).Count(ctx)
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
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func latestSubscription(ctx context.Context, q querier, subjectID id.SubjectID, forUpdate bool) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	sel := q.NewSelect(m).
		Where("subject_id = $1", subjectID.String()).
		OrderExpr("created_at DESC, id DESC").
		Limit(1)
	if forUpdate {
		sel = sel.ForUpdate()
	}
	if err := sel.Scan(ctx); err != nil {
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
  AND s.next_billing_date < $1
  AND ($2::text = '' OR s.subject_id > $2)
  AND NOT EXISTS (
    SELECT 1 FROM entitle_subscriptions n
    WHERE n.subject_id = s.subject_id
      AND (n.created_at > s.created_at OR (n.created_at = s.created_at AND n.id > s.id))
  )
ORDER BY s.subject_id
LIMIT $3`,
		asOf.UTC(), opts.AfterSubject.String(), limitArg(opts.Limit),
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
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func listPayments(ctx context.Context, q querier, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	var models []paymentModel
	sel := q.NewSelect(&models).Where("subject_id = $1", subjectID.String())
	if opts.Status != "" {
		sel = sel.Where("status = $2", string(opts.Status))
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
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func queryAudit(ctx context.Context, q querier, f audit.Filter) ([]*audit.Entry, error) {
	var models []auditModel
	sel := q.NewSelect(&models)

	argIdx := 0
	if f.TargetID != "" {
		argIdx++
		sel = sel.Where(fmt.Sprintf("target_id = $%d", argIdx), f.TargetID)
	}
	if f.ActorID != "" {
		argIdx++
		sel = sel.Where(fmt.Sprintf("actor_id = $%d", argIdx), f.ActorID)
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
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func getOutbox(ctx context.Context, q querier, msgID id.OutboxID, forUpdate bool) (*outbox.Message, error) {
	m := new(outboxModel)
	sel := q.NewSelect(m).Where("id = $1", msgID.String())
	if forUpdate {
		sel = sel.ForUpdate()
	}
	if err := sel.Scan(ctx); err != nil {
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
		Where("status = $1", string(outbox.StatusPending)).
		Where("next_attempt_at <= $2", now.UTC()).
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

	argIdx := 0
	if !opts.SubjectID.IsNil() {
		argIdx++
		sel = sel.Where(fmt.Sprintf("subject_id = $%d", argIdx), opts.SubjectID.String())
	}
	if opts.Status != "" {
		argIdx++
		sel = sel.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
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

// convert maps scanned models to domain values.
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

// requireRow maps an update that touched nothing to notFound.
func requireRow(res rowsAffecter, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which PostgreSQL treats as no
// limit.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

// isNoRows matches grove's sentinel and sql.ErrNoRows, which pgx.ErrNoRows
// wraps.
func isNoRows(err error) bool {
	return errors.Is(err, grove.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
