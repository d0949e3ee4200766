package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store. Timestamps
// are TEXT in timeLayout; booleans are INTEGER 0/1.
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_subjects",
			Version: "20260401000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_subjects (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL DEFAULT '',
    payment_status  TEXT NOT NULL,
    is_published    INTEGER NOT NULL DEFAULT 0,
    artifact_issued INTEGER NOT NULL DEFAULT 0,
    artifact_ref    TEXT NOT NULL DEFAULT '',
    public_slug     TEXT NOT NULL DEFAULT '',
    billing_kind    TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    CHECK (is_published = 0 OR payment_status IN ('BANK_PAID', 'CARD_PAID', 'WIRE_PAID'))
);

CREATE INDEX IF NOT EXISTS idx_entitle_subjects_owner ON entitle_subjects (owner_id);
CREATE INDEX IF NOT EXISTS idx_entitle_subjects_billing ON entitle_subjects (billing_kind, is_published, id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_subjects`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_subscriptions",
			Version: "20260401000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_subscriptions (
    id                TEXT PRIMARY KEY,
    subject_id        TEXT NOT NULL REFERENCES entitle_subjects (id),
    status            TEXT NOT NULL,
    next_billing_date TEXT NOT NULL,
    cancelled_at      TEXT,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_subscriptions_latest
    ON entitle_subscriptions (subject_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_subscriptions_due
    ON entitle_subscriptions (status, next_billing_date);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_payments",
			Version: "20260401000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_payments (
    id         TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL REFERENCES entitle_subjects (id),
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    paid_at    TEXT,
    method     TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_payments_subject ON entitle_payments (subject_id, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_payments`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_audit_log",
			Version: "20260401000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_audit_log (
    id          TEXT PRIMARY KEY,
    actor_id    TEXT NOT NULL,
    actor_label TEXT NOT NULL DEFAULT '',
    change_type TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id   TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    occurred_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_audit_target ON entitle_audit_log (target_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_audit_actor ON entitle_audit_log (actor_id, occurred_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_audit_log`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_entitle_outbox",
			Version: "20260401000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_outbox (
    id              TEXT PRIMARY KEY,
    subject_id      TEXT NOT NULL REFERENCES entitle_subjects (id),
    kind            TEXT NOT NULL,
    stage           TEXT NOT NULL,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TEXT NOT NULL,
    artifact_ref    TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_outbox_due ON entitle_outbox (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_entitle_outbox_subject ON entitle_outbox (subject_id, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS entitle_outbox`)
				return err
			},
		},
	)
}
