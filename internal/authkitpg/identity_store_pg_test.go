package authkitpg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"go.uber.org/zap/zaptest"

	"github.com/reaktor/dewey/internal/authkit"
)

type fixedClock struct {
	now time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.now
}

var testProfile = authkit.AccountProfile{
	DisplayName: "Ada",
	FullName:    "Ada Lovelace",
	PublicEmail: "ada@example.com",
	PhotoURL:    "https://example.com/ada.png",
}

func newMockStore(t *testing.T) (*PostgresIdentityStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	clock := fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewPostgresIdentityStore(mock, clock, zaptest.NewLogger(t)), mock
}

func expectAccountLocked(mock pgxmock.PgxPoolIface, accountID int64, kind string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, kind FROM accounts")).
		WithArgs("people/1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind"}).AddRow(accountID, kind))
}

func TestPostgresUpsertFirstSignupStartsAtVersionZero(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	expectAccountLocked(mock, 5, "person")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM account_tokens")).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"session_version"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO account_tokens")).
		WithArgs(int64(5), "people/1", int64(0), "refresh-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	profile, key, err := store.UpsertAccount(context.Background(), "people/1", testProfile, "refresh-1")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if key != (authkit.SessionKey{AccountID: 5, Version: 0}) {
		t.Fatalf("unexpected key %+v", key)
	}
	if profile != testProfile {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpsertReauthBumpsVersion(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	expectAccountLocked(mock, 5, "person")
	mock.ExpectExec(regexp.QuoteMeta("UPDATE accounts SET")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("DELETE FROM account_tokens")).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"session_version"}).AddRow(int64(2)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO account_tokens")).
		WithArgs(int64(5), "people/1", int64(3), "refresh-4", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, key, err := store.UpsertAccount(context.Background(), "people/1", testProfile, "refresh-4")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if key.Version != 3 {
		t.Fatalf("expected version 3, got %d", key.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpsertKindMismatchRollsBack(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	expectAccountLocked(mock, 8, "organization")
	mock.ExpectRollback()

	_, _, err := store.UpsertAccount(context.Background(), "people/1", testProfile, "refresh-1")
	if !errors.Is(err, authkit.ErrIdentityStore) || !errors.Is(err, authkit.ErrAccountKindMismatch) {
		t.Fatalf("expected kind mismatch store error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpsertDriverFailureIsOpaque(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	driverErr := errors.New("connection reset by peer")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).WillReturnError(driverErr)
	mock.ExpectRollback()

	_, _, err := store.UpsertAccount(context.Background(), "people/1", testProfile, "refresh-1")
	if !errors.Is(err, authkit.ErrIdentityStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if errors.Is(err, driverErr) {
		t.Fatalf("driver error leaked through %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpsertRejectsEmptyInputs(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	testCases := []struct {
		name         string
		resourceID   string
		refreshToken string
		wantErr      error
	}{
		{name: "empty resource id", resourceID: " ", refreshToken: "refresh", wantErr: authkit.ErrEmptyResourceID},
		{name: "empty refresh token", resourceID: "people/1", refreshToken: "", wantErr: authkit.ErrEmptyRefreshToken},
	}
	for _, testCase := range testCases {
		_, _, err := store.UpsertAccount(context.Background(), testCase.resourceID, testProfile, testCase.refreshToken)
		if !errors.Is(err, testCase.wantErr) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no database calls: %v", err)
	}
}

func TestPostgresLookupAccount(t *testing.T) {
	t.Parallel()
	columns := []string{"id", "kind", "display_name", "full_name", "public_email", "photo_url", "session_version"}
	testCases := []struct {
		name      string
		rows      *pgxmock.Rows
		wantFound bool
		wantKey   authkit.SessionKey
		wantErr   error
	}{
		{
			name:      "current token",
			rows:      pgxmock.NewRows(columns).AddRow(int64(5), "person", "Ada", "Ada Lovelace", "ada@example.com", "https://example.com/ada.png", int64(4)),
			wantFound: true,
			wantKey:   authkit.SessionKey{AccountID: 5, Version: 4},
		},
		{
			name: "unknown account",
			rows: pgxmock.NewRows(columns),
		},
		{
			name: "account without token",
			rows: pgxmock.NewRows(columns).AddRow(int64(5), "person", "Ada", "Ada Lovelace", "", "", int64(noTokenVersion)),
		},
		{
			name:    "non person account",
			rows:    pgxmock.NewRows(columns).AddRow(int64(5), "organization", "Org", "Org", "", "", int64(1)),
			wantErr: authkit.ErrAccountKindMismatch,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN account_tokens")).
				WithArgs("people/1").
				WillReturnRows(testCase.rows)

			profile, key, found, err := store.LookupAccount(context.Background(), "people/1")
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if found != testCase.wantFound {
				t.Fatalf("expected found=%v", testCase.wantFound)
			}
			if found && (key != testCase.wantKey || profile != testProfile) {
				t.Fatalf("unexpected lookup result %+v %+v", profile, key)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("expectations: %v", err)
			}
		})
	}
}

func TestPostgresLoadRefreshToken(t *testing.T) {
	t.Parallel()
	columns := []string{"session_version", "refresh_token"}
	testCases := []struct {
		name      string
		rows      *pgxmock.Rows
		key       authkit.SessionKey
		wantToken string
		wantErr   error
	}{
		{name: "current", rows: pgxmock.NewRows(columns).AddRow(int64(2), "refresh-3"), key: authkit.SessionKey{AccountID: 5, Version: 2}, wantToken: "refresh-3"},
		{name: "superseded", rows: pgxmock.NewRows(columns).AddRow(int64(2), "refresh-3"), key: authkit.SessionKey{AccountID: 5, Version: 1}, wantErr: authkit.ErrRefreshTokenSuperseded},
		{name: "missing", rows: pgxmock.NewRows(columns), key: authkit.SessionKey{AccountID: 5, Version: 0}, wantErr: authkit.ErrAccountNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta("SELECT session_version, refresh_token FROM account_tokens")).
				WithArgs(int64(testCase.key.AccountID)).
				WillReturnRows(testCase.rows)

			token, err := store.LoadRefreshToken(context.Background(), testCase.key)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) || !errors.Is(err, authkit.ErrIdentityStore) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil || token != testCase.wantToken {
				t.Fatalf("expected %q, got %q (%v)", testCase.wantToken, token, err)
			}
		})
	}
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS accounts")).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	if err := EnsureSchema(context.Background(), mock); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS accounts")).
		WillReturnError(errors.New("permission denied"))
	if err := EnsureSchema(context.Background(), mock); err == nil {
		t.Fatalf("expected schema error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
