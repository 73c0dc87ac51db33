package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             BIGSERIAL PRIMARY KEY,
		cognito_id     TEXT NOT NULL UNIQUE,
		username       TEXT NOT NULL UNIQUE,
		email          TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'user',
		cognito_groups TEXT[] NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// access tokens carry no email, so only non-empty emails are unique
	`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_email_key`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_nonempty_idx ON users (email) WHERE email <> ''`,
	`CREATE TABLE IF NOT EXISTS s3_buckets (
		id            BIGSERIAL PRIMARY KEY,
		name          TEXT NOT NULL UNIQUE,
		region        TEXT NOT NULL,
		arn           TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		missing_since TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS bucket_permissions (
		id           BIGSERIAL PRIMARY KEY,
		user_id      BIGINT NOT NULL REFERENCES users(id),
		bucket_id    BIGINT NOT NULL REFERENCES s3_buckets(id),
		access_level TEXT NOT NULL,
		expires_at   TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS bucket_permissions_user_bucket_idx ON bucket_permissions (user_id, bucket_id)`,
	`CREATE TABLE IF NOT EXISTS access_requests (
		id                 BIGSERIAL PRIMARY KEY,
		user_id            BIGINT NOT NULL REFERENCES users(id),
		bucket_id          BIGINT NOT NULL REFERENCES s3_buckets(id),
		requested_duration INTEGER NOT NULL CHECK (requested_duration > 0),
		justification      TEXT NOT NULL,
		status             TEXT NOT NULL DEFAULT 'pending',
		approved_by        BIGINT REFERENCES users(id),
		approved_at        TIMESTAMPTZ,
		expires_at         TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS access_requests_status_idx ON access_requests (status)`,
	`CREATE INDEX IF NOT EXISTS access_requests_user_idx ON access_requests (user_id)`,
}

// Migrate creates the portal tables when they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
