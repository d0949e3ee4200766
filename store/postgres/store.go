// Package postgres implements store.Store on PostgreSQL through grove and
// its pg driver.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the pg migration executor
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

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url" json:"url"`
	MaxConns int    `yaml:"max_conns" json:"max_conns"`
}

// Store implements store.Store using PostgreSQL via grove.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// Open connects a pg driver, wraps it in a grove.DB and verifies the
// connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var opts []driver.Option
	if cfg.MaxConns > 0 {
		opts = append(opts, driver.WithPoolSize(cfg.MaxConns))
	}
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, cfg.URL, opts...); err != nil {
		return nil, fmt.Errorf("entitle/postgres: open: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("entitle/postgres: open: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("entitle/postgres: ping: %w", err)
	}
	return New(db), nil
}

// New creates a store on an open grove database backed by the pg driver.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove
// orchestrator. The orchestrator's advisory lock makes a concurrent caller
// fail rather than wait.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTx runs fn in a READ COMMITTED transaction. Rows read through the tx
// for update are locked until commit.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx entitlestore.Tx) error) error {
	tx, err := s.pg.BeginTxQuery(ctx, &driver.TxOptions{IsolationLevel: driver.LevelReadCommitted})
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
	return insertSubject(ctx, s.pg, subj)
}

func (s *Store) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return getSubject(ctx, s.pg, subjectID, false)
}

func (s *Store) ListSubjects(ctx context.Context, opts subject.ListOpts) ([]*subject.Subject, error) {
	return listSubjects(ctx, s.pg, opts)
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return insertSubscription(ctx, s.pg, sub)
}

func (s *Store) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return latestSubscription(ctx, s.pg, subjectID, false)
}

func (s *Store) ListOverdueSubscriptions(ctx context.Context, asOf time.Time, opts subscription.ScanOpts) ([]*subscription.Subscription, error) {
	return listOverdueSubscriptions(ctx, s.pg, asOf, opts)
}

// ==================== Payment Store ====================

func (s *Store) CreatePayment(ctx context.Context, p *payment.Record) error {
	return insertPayment(ctx, s.pg, p)
}

func (s *Store) ListPayments(ctx context.Context, subjectID id.SubjectID, opts payment.ListOpts) ([]*payment.Record, error) {
	return listPayments(ctx, s.pg, subjectID, opts)
}

// ==================== Audit Store ====================

func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return insertAudit(ctx, s.pg, e)
}

func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]*audit.Entry, error) {
	return queryAudit(ctx, s.pg, f)
}

// ==================== Outbox Store ====================

func (s *Store) GetOutbox(ctx context.Context, msgID id.OutboxID) (*outbox.Message, error) {
	return getOutbox(ctx, s.pg, msgID, false)
}

func (s *Store) ListDueOutbox(ctx context.Context, now time.Time, limit int) ([]*outbox.Message, error) {
	return listDueOutbox(ctx, s.pg, now, limit)
}

func (s *Store) ListOutbox(ctx context.Context, opts outbox.ListOpts) ([]*outbox.Message, error) {
	return listOutbox(ctx, s.pg, opts)
}

// ==================== Transaction ====================

// txStore is the store.Tx handed to RunInTx callbacks. Reads of rows that
// the callback may write take a row lock.
type txStore struct {
	q querier
}

var _ entitlestore.Tx = (*txStore)(nil)

func (t *txStore) GetSubject(ctx context.Context, subjectID id.SubjectID) (*subject.Subject, error) {
	return getSubject(ctx, t.q, subjectID, true)
}

func (t *txStore) UpdateSubject(ctx context.Context, subj *subject.Subject) error {
	return updateSubject(ctx, t.q, subj)
}

func (t *txStore) GetLatestSubscription(ctx context.Context, subjectID id.SubjectID) (*subscription.Subscription, error) {
	return latestSubscription(ctx, t.q, subjectID, true)
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
	return getOutbox(ctx, t.q, msgID, true)
}

func (t *txStore) UpdateOutbox(ctx context.Context, m *outbox.Message) error {
	return updateOutbox(ctx, t.q, m)
}
