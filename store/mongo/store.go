// Package mongo implements store.Store on MongoDB through grove and its
// mongo driver. RunInTx uses a multi-document transaction, so the deployment
// must be a replica set or a sharded cluster. Timestamps are stored with
// millisecond precision.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// Collection name constants.
const (
	colSubjects      = "entitle_subjects"
	colSubscriptions = "entitle_subscriptions"
	colPayments      = "entitle_payments"
	colAudit         = "entitle_audit_log"
	colOutbox        = "entitle_outbox"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via grove.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// Open connects a mongo driver to uri, wraps it in a grove.DB and uses the
// named database. An empty database falls back to the one in uri.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	var opts []mongodriver.MongoOption
	if database != "" {
		opts = append(opts, mongodriver.WithDatabase(database))
	}
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri, opts...); err != nil {
		_ = mdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("entitle/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("entitle/mongo: open: %w", err)
	}
	return New(db), nil
}

// New creates a store on an open grove database backed by the mongo driver.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all entitle collections. Index creation is
// idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: %s indexes: %w", entitle.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a session transaction. Builders started from the
// session-bound ctx join the transaction. The driver may invoke fn more than
// once on transient errors, so fn must re-read what it writes.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx entitlestore.Tx) error) error {
	sess, err := s.mdb.Client().StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", entitle.ErrTransactionFailed, err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx, &txStore{s: s})
	})
	return err
}

// ==================== Subject Store ====================

func (s *Store) CreateSubject(ctx context.Context, subj *subject.Subject) error {
	_, err := s.mdb.NewInsert(toSubjectModel(subj)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	var m subjectModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": subjectID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubjectNotFound
		}
		return nil, err
	}
	return fromSubjectModel(&m)
}

func (s *Store) ListSubjects(ctx context.Context, opts subject.ListOpts) ([]*subject.Subject, error) {
	filter := bson.M{}
	if opts.OwnerID != "" {
		filter["owner_id"] = opts.OwnerID
	}
	if opts.BillingKind != "" {
		filter["billing_kind"] = string(opts.BillingKind)
	}
	if opts.Published != nil {
		filter["is_published"] = *opts.Published
	}
	if !opts.After.IsNil() {
		filter["_id"] = bson.M{"$gt": opts.After.String()}
	}

	var models []subjectModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromSubjectModel)
}

// updateSubject is a compare-and-swap on version.
func (s *Store) updateSubject(ctx context.Context, subj *subject.Subject) error {
	m := toSubjectModel(subj)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID, "version": m.Version}).
		SetUpdate(bson.M{
			"$set": bson.M{
				"owner_id":        m.OwnerID,
				"payment_status":  m.PaymentStatus,
				"is_published":    m.Published,
				"artifact_issued": m.ArtifactIssued,
				"artifact_ref":    m.ArtifactRef,
				"public_slug":     m.PublicSlug,
				"billing_kind":    m.BillingKind,
				"updated_at":      m.UpdatedAt,
			},
			"$inc": bson.M{"version": 1},
		}).
		Exec(ctx)
	if err != nil {
		return err
	}
	if res.MatchedCount() == 0 {
		n, err := s.mdb.NewFind((*subjectModel)(nil)).
			Filter(bson.M{"_id": m.ID}).
			Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return entitle.ErrSubjectNotFound
		}
		return fmt.Errorf("%w: subject %s is no longer at version %d", entitle.ErrConflict, m.ID, m.Version)
	}
	subj.Version++
	return nil
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.mdb.NewInsert(toSubscriptionModel(sub)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"subject_id": subjectID.String()}).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(&m)
}

// ListOverdueSubscriptions groups subscriptions by subject, keeps the latest
// one and then filters on status and billing date.
func (s *Store) ListOverdueSubscriptions(ctx context.Context, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error) {
	q := s.mdb.NewAggregate(colSubscriptions)
	if !opts.AfterSubject.IsNil() {
		q = q.Match(bson.M{"subject_id": bson.M{"$gt": opts.AfterSubject.String()}})
	}
	q = q.
		Sort(bson.D{{Key: "subject_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		Group(bson.M{"_id": "$subject_id", "latest": bson.M{"$first": "$$ROOT"}}).
		Stage(bson.M{"$replaceRoot": bson.M{"newRoot": "$latest"}}).
		Match(bson.M{
			"status":            string(subscription.StatusActive),
			"next_billing_date": bson.M{"$lt": asOf.UTC()},
		}).
		Sort(bson.D{{Key: "subject_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	var models []subscriptionModel
	if err := q.Scan(ctx, &models); err != nil {
		return nil, err
	}
	return convert(models, fromSubscriptionModel)
}

func (s *Store) updateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return err
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrSubscriptionNotFound
	}
	return nil
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Record) error {
	_, err := s.mdb.NewInsert(toPaymentModel(p)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	filter := bson.M{"subject_id": subjectID.String()}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []paymentModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromPaymentModel)
}

func (s *Store) updatePayment(ctx context.Context, p *payment.Record) error {
	m := toPaymentModel(p)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return err
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrPaymentNotFound
	}
	return nil
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.mdb.NewInsert(toAuditModel(e)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	filter := bson.M{}
	if f.TargetID != "" {
		filter["target_id"] = f.TargetID
	}
	if f.ActorID != "" {
		filter["actor_id"] = f.ActorID
	}

	var models []auditModel
	err := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "_id", Value: -1}}).
		Limit(int64(f.EffectiveLimit())).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return convert(models, fromAuditModel)
}

// ==================== Outbox Store ====================

func (s *Store) GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	var m outboxModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": msgID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, entitle.ErrOutboxNotFound
		}
		return nil, err
	}
	return fromOutboxModel(&m)
}

func (s *Store) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	var models []outboxModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":          string(outbox.StatusPending),
			"next_attempt_at": bson.M{"$lte": now.UTC()},
		}).
		Sort(bson.D{{Key: "next_attempt_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromOutboxModel)
}

func (s *Store) ListOutbox(ctx context.Context, opts outbox.ListOpts) ([]*outbox.Message, error) {
	filter := bson.M{}
	if !opts.SubjectID.IsNil() {
		filter["subject_id"] = opts.SubjectID.String()
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []outboxModel
	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return convert(models, fromOutboxModel)
}

func (s *Store) enqueueOutbox(ctx context.Context, m *outbox.Message) error {
	_, err := s.mdb.NewInsert(toOutboxModel(m)).Exec(ctx)
	return mapInsertErr(err)
}

func (s *Store) updateOutbox(ctx context.Context, msg *outbox.Message) error {
	m := toOutboxModel(msg)
	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return err
	}
	if res.MatchedCount() == 0 {
		return entitle.ErrOutboxNotFound
	}
	return nil
}

// ==================== Transaction ====================

// txStore routes every call through the session-bound ctx it is given.
type txStore struct {
	s *Store
}

var _ entitlestore.Tx = (*txStore)(nil)

func (t *txStore) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return t.s.GetSubject(ctx, subjectID)
}

func (t *txStore) UpdateSubject(ctx context.Context, subj *subject.Subject) error {
	return t.s.updateSubject(ctx, subj)
}

func (t *txStore) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return t.s.GetLatestSubscription(ctx, subjectID)
}

func (t *txStore) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return t.s.updateSubscription(ctx, sub)
}

func (t *txStore) ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	return t.s.ListPayments(ctx, subjectID, opts)
}

func (t *txStore) UpdatePayment(ctx context.Context, p *payment.Record) error {
	return t.s.updatePayment(ctx, p)
}

func (t *txStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return t.s.AppendAudit(ctx, e)
}

func (t *txStore) EnqueueOutbox(ctx context.Context, m *outbox.Message) error {
	return t.s.enqueueOutbox(ctx, m)
}

func (t *txStore) GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	return t.s.GetOutbox(ctx, msgID)
}

func (t *txStore) UpdateOutbox(ctx context.Context, m *outbox.Message) error {
	return t.s.updateOutbox(ctx, m)
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

func mapInsertErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubjects: {
			{Keys: bson.D{{Key: "owner_id", Value: 1}}},
			{Keys: bson.D{{Key: "billing_kind", Value: 1}, {Key: "is_published", Value: 1}, {Key: "_id", Value: 1}}},
		},
		colSubscriptions: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_billing_date", Value: 1}}},
		},
		colPayments: {
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "target_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
			{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
		},
		colOutbox: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
			{Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}
