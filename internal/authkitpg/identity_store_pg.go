package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/reaktor/dewey/internal/authkit"
)

const driverPgx = "pgx"

// Database is the subset of *pgxpool.Pool the store needs.
type Database interface {
	Execer
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

var (
	_ Database              = (*pgxpool.Pool)(nil)
	_ authkit.IdentityStore = (*PostgresIdentityStore)(nil)
)

// noTokenVersion marks an account row without a token record in lookups.
const noTokenVersion = -1

// PostgresIdentityStore implements authkit.IdentityStore with explicit row locks.
type PostgresIdentityStore struct {
	database Database
	clock    authkit.Clock
	logger   *zap.Logger
}

// NewPostgresIdentityStore constructs a Postgres store over an existing pool.
func NewPostgresIdentityStore(database Database, clock authkit.Clock, logger *zap.Logger) *PostgresIdentityStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresIdentityStore{database: database, clock: clock, logger: logger}
}

// UpsertAccount inserts the account if absent, locks its row, and replaces the token record.
func (store *PostgresIdentityStore) UpsertAccount(ctx context.Context, resourceID string, profile authkit.AccountProfile, refreshToken string) (authkit.AccountProfile, authkit.SessionKey, error) {
	if strings.TrimSpace(resourceID) == "" {
		return authkit.AccountProfile{}, authkit.SessionKey{}, store.fail("upsert", authkit.ErrEmptyResourceID)
	}
	if refreshToken == "" {
		return authkit.AccountProfile{}, authkit.SessionKey{}, store.fail("upsert", authkit.ErrEmptyRefreshToken)
	}
	tx, beginErr := store.database.Begin(ctx)
	if beginErr != nil {
		return authkit.AccountProfile{}, authkit.SessionKey{}, store.fail("upsert", beginErr)
	}
	key, upsertErr := store.upsertInTx(ctx, tx, resourceID, profile, refreshToken)
	if upsertErr != nil {
		_ = tx.Rollback(ctx)
		return authkit.AccountProfile{}, authkit.SessionKey{}, store.fail("upsert", upsertErr)
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return authkit.AccountProfile{}, authkit.SessionKey{}, store.fail("upsert", commitErr)
	}
	return profile, key, nil
}

func (store *PostgresIdentityStore) upsertInTx(ctx context.Context, tx pgx.Tx, resourceID string, profile authkit.AccountProfile, refreshToken string) (authkit.SessionKey, error) {
	now := store.clock.Now()
	if _, err := tx.Exec(ctx, `
INSERT INTO accounts (provider_resource_id, kind, display_name, full_name, public_email, photo_url, created_at, updated_at)
VALUES ($1, 'person', $2, $3, $4, $5, $6, $6)
ON CONFLICT (provider_resource_id) DO NOTHING
`, resourceID, profile.DisplayName, profile.FullName, profile.PublicEmail, profile.PhotoURL, now); err != nil {
		return authkit.SessionKey{}, err
	}

	var accountID int64
	var kind string
	if err := tx.QueryRow(ctx, `
SELECT id, kind FROM accounts WHERE provider_resource_id = $1 FOR UPDATE
`, resourceID).Scan(&accountID, &kind); err != nil {
		return authkit.SessionKey{}, err
	}
	if authkit.AccountKind(kind) != authkit.AccountKindPerson {
		return authkit.SessionKey{}, fmt.Errorf("account %d has kind %q: %w", accountID, kind, authkit.ErrAccountKindMismatch)
	}

	if _, err := tx.Exec(ctx, `
UPDATE accounts SET display_name = $2, full_name = $3, public_email = $4, photo_url = $5, updated_at = $6
WHERE id = $1
`, accountID, profile.DisplayName, profile.FullName, profile.PublicEmail, profile.PhotoURL, now); err != nil {
		return authkit.SessionKey{}, err
	}

	version := authkit.SessionVersion(0)
	var previousVersion int64
	deleteErr := tx.QueryRow(ctx, `
DELETE FROM account_tokens WHERE account_id = $1 RETURNING session_version
`, accountID).Scan(&previousVersion)
	switch {
	case deleteErr == nil:
		version = authkit.SessionVersion(previousVersion + 1)
	case errors.Is(deleteErr, pgx.ErrNoRows):
	default:
		return authkit.SessionKey{}, deleteErr
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO account_tokens (account_id, provider_resource_id, session_version, refresh_token, created_at)
VALUES ($1, $2, $3, $4, $5)
`, accountID, resourceID, int64(version), refreshToken, now); err != nil {
		return authkit.SessionKey{}, err
	}
	return authkit.SessionKey{AccountID: authkit.AccountID(accountID), Version: version}, nil
}

// LookupAccount reads the account and its current version in one statement.
func (store *PostgresIdentityStore) LookupAccount(ctx context.Context, resourceID string) (authkit.AccountProfile, authkit.SessionKey, bool, error) {
	if strings.TrimSpace(resourceID) == "" {
		return authkit.AccountProfile{}, authkit.SessionKey{}, false, store.fail("lookup", authkit.ErrEmptyResourceID)
	}
	var accountID int64
	var kind string
	var profile authkit.AccountProfile
	var sessionVersion int64
	err := store.database.QueryRow(ctx, `
SELECT a.id, a.kind, a.display_name, a.full_name, a.public_email, a.photo_url, COALESCE(t.session_version, -1)
FROM accounts a
LEFT JOIN account_tokens t ON t.account_id = a.id
WHERE a.provider_resource_id = $1
`, resourceID).Scan(&accountID, &kind, &profile.DisplayName, &profile.FullName, &profile.PublicEmail, &profile.PhotoURL, &sessionVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return authkit.AccountProfile{}, authkit.SessionKey{}, false, nil
	}
	if err != nil {
		return authkit.AccountProfile{}, authkit.SessionKey{}, false, store.fail("lookup", err)
	}
	if authkit.AccountKind(kind) != authkit.AccountKindPerson {
		return authkit.AccountProfile{}, authkit.SessionKey{}, false, store.fail("lookup", fmt.Errorf("account %d has kind %q: %w", accountID, kind, authkit.ErrAccountKindMismatch))
	}
	if sessionVersion == noTokenVersion {
		return authkit.AccountProfile{}, authkit.SessionKey{}, false, nil
	}
	return profile, authkit.SessionKey{AccountID: authkit.AccountID(accountID), Version: authkit.SessionVersion(sessionVersion)}, true, nil
}

// LoadRefreshToken returns the stored refresh token when key is still current.
func (store *PostgresIdentityStore) LoadRefreshToken(ctx context.Context, key authkit.SessionKey) (string, error) {
	var sessionVersion int64
	var refreshToken string
	err := store.database.QueryRow(ctx, `
SELECT session_version, refresh_token FROM account_tokens WHERE account_id = $1
`, int64(key.AccountID)).Scan(&sessionVersion, &refreshToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", store.fail("load_refresh_token", authkit.ErrAccountNotFound)
	}
	if err != nil {
		return "", store.fail("load_refresh_token", err)
	}
	if authkit.SessionVersion(sessionVersion) != key.Version {
		return "", store.fail("load_refresh_token", authkit.ErrRefreshTokenSuperseded)
	}
	return refreshToken, nil
}

func (store *PostgresIdentityStore) fail(operation string, cause error) error {
	storeErr := authkit.NewStoreError(operation, driverPgx, cause)
	if storeErr.Domain() == nil {
		store.logger.Error("identity store failure",
			zap.String("code", "identity_store."+operation+".failed"),
			zap.String("driver", driverPgx),
			zap.Error(cause))
	}
	return storeErr
}
