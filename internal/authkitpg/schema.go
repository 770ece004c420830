package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool, pgx.Tx, and test doubles.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    id BIGSERIAL PRIMARY KEY,
    provider_resource_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL DEFAULT 'person',
    display_name TEXT NOT NULL,
    full_name TEXT NOT NULL,
    public_email TEXT NOT NULL DEFAULT '',
    photo_url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS account_tokens (
    account_id BIGINT PRIMARY KEY REFERENCES accounts (id) ON DELETE CASCADE,
    provider_resource_id TEXT NOT NULL,
    session_version BIGINT NOT NULL,
    refresh_token TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_account_tokens_resource ON account_tokens (provider_resource_id);
`

// EnsureSchema creates the accounts and account_tokens tables if they do not exist.
func EnsureSchema(ctx context.Context, database Execer) error {
	if _, err := database.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("identity_store.pgx.schema: %w", err)
	}
	return nil
}
