package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the entitle store.
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_entitle_subjects",
			Version: "20260401000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_subjects (
    id              TEXT COLLATE "C" PRIMARY KEY,
    owner_id        TEXT NOT NULL DEFAULT '',
    payment_status  TEXT NOT NULL,
    is_published    BOOLEAN NOT NULL DEFAULT FALSE,
    artifact_issued BOOLEAN NOT NULL DEFAULT FALSE,
    artifact_ref    TEXT NOT NULL DEFAULT '',
    public_slug     TEXT NOT NULL DEFAULT '',
    billing_kind    TEXT NOT NULL,
    version         BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT entitle_subjects_published_requires_paid
        CHECK (NOT is_published OR payment_status IN ('BANK_PAID', 'CARD_PAID', 'WIRE_PAID'))
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
    id                TEXT COLLATE "C" PRIMARY KEY,
    subject_id        TEXT COLLATE "C" NOT NULL REFERENCES entitle_subjects (id),
    status            TEXT NOT NULL,
    next_billing_date TIMESTAMPTZ NOT NULL,
    cancelled_at      TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    id         TEXT COLLATE "C" PRIMARY KEY,
    subject_id TEXT COLLATE "C" NOT NULL REFERENCES entitle_subjects (id),
    kind       TEXT NOT NULL,
    status     TEXT NOT NULL,
    paid_at    TIMESTAMPTZ,
    method     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    id          TEXT COLLATE "C" PRIMARY KEY,
    actor_id    TEXT NOT NULL,
    actor_label TEXT NOT NULL DEFAULT '',
    change_type TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_id   TEXT COLLATE "C" NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL
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
    id              TEXT COLLATE "C" PRIMARY KEY,
    subject_id      TEXT COLLATE "C" NOT NULL REFERENCES entitle_subjects (id),
    kind            TEXT NOT NULL,
    stage           TEXT NOT NULL,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMPTZ NOT NULL,
    artifact_ref    TEXT NOT NULL DEFAULT '',
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
