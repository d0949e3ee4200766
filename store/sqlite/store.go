// Package sqlite implements store.Store on SQLite through grove and its
// pure-Go sqlite driver. It suits single-node deployments and local
// development.
package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the sqlite migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/audit"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/outbox"
	"github.com/xraph/entitle/payment"
	entitlestore "github.com/xraph/entitle/store"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/subscription"
)

// compile-time interface check
var _ entitlestore.Store = (*Store)(nil)

// Store implements store.Store on a SQLite database via grove.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// Open opens the database file at path. The driver enables WAL journaling
// and foreign keys; a busy timeout is added to the DSN. The pool is limited
// to one connection so writers never see SQLITE_BUSY.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)"

	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, dsn, driver.WithPoolSize(1)); err != nil {
		return nil, fmt.Errorf("entitle/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("entitle/sqlite: open: %w", err)
	}
	return New(db), nil
}

// New creates a store on an open grove database backed by the sqlite driver.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove
// orchestrator. The orchestrator's lock table makes a concurrent caller fail
// rather than wait.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("%w: create migration executor: %w", entitle.ErrMigrationFailed, err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", entitle.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside a database transaction. With a single pooled
// connection every unit of work is serialised.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx entitlestore.Tx) error) error {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", entitle.ErrTransactionFailed, err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // no-op after commit
	}()

	if err := fn(ctx, &txStore{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", entitle.ErrTransactionFailed, err)
	}
	return nil
}

// ==================== Subject Store ====================

func (s *Store) CreateSubject(ctx context.Context, subj *subject.Subject) error {
	return insertSubject(ctx, s.sdb, subj)
}

func (s *Store) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return getSubject(ctx, s.sdb, subjectID)
}

func (s *Store) ListSubjects(ctx context.Context, opts subject.ListOpts) ([]*subject.Subject, error) {
	return listSubjects(ctx, s.sdb, opts)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return insertSubscription(ctx, s.sdb, sub)
}

func (s *Store) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return latestSubscription(ctx, s.sdb, subjectID)
}

func (s *Store) ListOverdueSubscriptions(ctx context.Context, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error) {
	return listOverdueSubscriptions(ctx, s.sdb, asOf, opts)
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Record) error {
	return insertPayment(ctx, s.sdb, p)
}

func (s *Store) ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	return listPayments(ctx, s.sdb, subjectID, opts)
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return insertAudit(ctx, s.sdb, e)
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	return queryAudit(ctx, s.sdb, f)
}

// ==================== Outbox Store ====================

func (s *Store) GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	return getOutbox(ctx, s.sdb, msgID)
}

func (s *Store) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	return listDueOutbox(ctx, s.sdb, now, limit)
}

func (s *Store) ListOutbox(ctx context.Context, opts outbox.ListOpts) ([]*outbox.Message, error) {
	return listOutbox(ctx, s.sdb, opts)
}

// ==================== Transaction ====================

type txStore struct {
	q querier
}

var _ entitlestore.Tx = (*txStore)(nil)

func (t *txStore) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return getSubject(ctx, t.q, subjectID)
}

func (t *txStore) UpdateSubject(ctx context.Context, subj *subject.Subject) error {
	return updateSubject(ctx, t.q, subj)
}

func (t *txStore) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return latestSubscription(ctx, t.q, subjectID)
}

func (t *txStore) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return updateSubscription(ctx, t.q, sub)
}

func (t *txStore) ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	return listPayments(ctx, t.q, subjectID, opts)
}

func (t *txStore) UpdatePayment(ctx context.Context, p *payment.Record) error {
	return updatePayment(ctx, t.q, p)
}

func (t *txStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return insertAudit(ctx, t.q, e)
}

func (t *txStore) EnqueueOutbox(ctx context.Context, m *outbox.Message) error {
	return insertOutbox(ctx, t.q, m)
}

func (t *txStore) GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	return getOutbox(ctx, t.q, msgID)
}

func (t *txStore) UpdateOutbox(ctx context.Context, m *outbox.Message) error {
	return updateOutbox(ctx, t.q, m)
}
