package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("identity_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("identity_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("identity_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("identity_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("identity_store.unsupported_no_scheme")
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// DatabaseIdentityStore persists accounts and their current token record using GORM.
type DatabaseIdentityStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
	logger      *zap.Logger
}

// Driver exposes the selected database driver label.
func (store *DatabaseIdentityStore) Driver() string {
	return store.driverLabel
}

type accountRecord struct {
	ID                 int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ProviderResourceID string    `gorm:"column:provider_resource_id;uniqueIndex;not null"`
	Kind               string    `gorm:"column:kind;not null;default:'person'"`
	DisplayName        string    `gorm:"column:display_name;not null"`
	FullName           string    `gorm:"column:full_name;not null"`
	PublicEmail        string    `gorm:"column:public_email;not null;default:''"`
	PhotoURL           string    `gorm:"column:photo_url;not null;default:''"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

type accountTokenRecord struct {
	AccountID          int64     `gorm:"column:account_id;primaryKey;autoIncrement:false"`
	ProviderResourceID string    `gorm:"column:provider_resource_id;index;not null"`
	SessionVersion     int64     `gorm:"column:session_version;not null"`
	RefreshToken       string    `gorm:"column:refresh_token;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
}

func (accountTokenRecord) TableName() string {
	return "account_tokens"
}

type accountLookupRow struct {
	accountRecord
	SessionVersion *int64 `gorm:"column:session_version"`
}

func (record accountRecord) profile() AccountProfile {
	return AccountProfile{
		DisplayName: record.DisplayName,
		FullName:    record.FullName,
		PublicEmail: record.PublicEmail,
		PhotoURL:    record.PhotoURL,
	}
}

// NewDatabaseIdentityStore opens the database named by databaseURL and migrates the schema.
func NewDatabaseIdentityStore(ctx context.Context, databaseURL string, clock Clock, zapLogger *zap.Logger) (*DatabaseIdentityStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("identity_store.open: %w", errEmptyDatabaseURL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("identity_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == driverSQLite {
		// SQLite has no row locks; a single connection serializes writers.
		sqlDB, sqlErr := gormDB.DB()
		if sqlErr != nil {
			return nil, fmt.Errorf("identity_store.open.%s: %w", driverLabel, sqlErr)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&accountRecord{}, &accountTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("identity_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseIdentityStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
		logger:      zapLogger,
	}, nil
}

// UpsertAccount creates the account on first sight or bumps its session
// version, replacing the refresh token record in the same transaction.
func (store *DatabaseIdentityStore) UpsertAccount(ctx context.Context, resourceID string, profile AccountProfile, refreshToken string) (AccountProfile, SessionKey, error) {
	if strings.TrimSpace(resourceID) == "" {
		return AccountProfile{}, SessionKey{}, store.fail("upsert", ErrEmptyResourceID)
	}
	if refreshToken == "" {
		return AccountProfile{}, SessionKey{}, store.fail("upsert", ErrEmptyRefreshToken)
	}
	now := store.clock.Now()
	var account accountRecord
	var version SessionVersion

	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := accountRecord{
			ProviderResourceID: resourceID,
			Kind:               string(AccountKindPerson),
			DisplayName:        profile.DisplayName,
			FullName:           profile.FullName,
			PublicEmail:        profile.PublicEmail,
			PhotoURL:           profile.PhotoURL,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		insertResult := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_resource_id"}},
			DoNothing: true,
		}).Create(&candidate)
		if insertResult.Error != nil {
			return insertResult.Error
		}
		created := insertResult.RowsAffected == 1

		if err := store.lockedQuery(tx).Where("provider_resource_id = ?", resourceID).Take(&account).Error; err != nil {
			return err
		}
		if AccountKind(account.Kind) != AccountKindPerson {
			return ErrAccountKindMismatch
		}
		if !created {
			updates := map[string]any{
				"display_name": profile.DisplayName,
				"full_name":    profile.FullName,
				"public_email": profile.PublicEmail,
				"photo_url":    profile.PhotoURL,
				"updated_at":   now,
			}
			if err := tx.Model(&accountRecord{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
				return err
			}
			account.DisplayName = profile.DisplayName
			account.FullName = profile.FullName
			account.PublicEmail = profile.PublicEmail
			account.PhotoURL = profile.PhotoURL
		}

		var previous accountTokenRecord
		findErr := store.lockedQuery(tx).Where("account_id = ?", account.ID).Take(&previous).Error
		switch {
		case findErr == nil:
			if err := tx.Where("account_id = ?", account.ID).Delete(&accountTokenRecord{}).Error; err != nil {
				return err
			}
			version = SessionVersion(previous.SessionVersion + 1)
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			version = 0
		default:
			return findErr
		}

		return tx.Create(&accountTokenRecord{
			AccountID:          account.ID,
			ProviderResourceID: resourceID,
			SessionVersion:     int64(version),
			RefreshToken:       refreshToken,
			CreatedAt:          now,
		}).Error
	})
	if txErr != nil {
		return AccountProfile{}, SessionKey{}, store.fail("upsert", txErr)
	}
	return account.profile(), SessionKey{AccountID: AccountID(account.ID), Version: version}, nil
}

// LookupAccount reads the account and its current version without mutating anything.
func (store *DatabaseIdentityStore) LookupAccount(ctx context.Context, resourceID string) (AccountProfile, SessionKey, bool, error) {
	if strings.TrimSpace(resourceID) == "" {
		return AccountProfile{}, SessionKey{}, false, store.fail("lookup", ErrEmptyResourceID)
	}
	var row accountLookupRow
	result := store.db.WithContext(ctx).Table("accounts").
		Select("accounts.*, account_tokens.session_version").
		Joins("LEFT JOIN account_tokens ON account_tokens.account_id = accounts.id").
		Where("accounts.provider_resource_id = ?", resourceID).
		Limit(1).
		Scan(&row)
	if result.Error != nil {
		return AccountProfile{}, SessionKey{}, false, store.fail("lookup", result.Error)
	}
	if result.RowsAffected == 0 {
		return AccountProfile{}, SessionKey{}, false, nil
	}
	if AccountKind(row.Kind) != AccountKindPerson {
		return AccountProfile{}, SessionKey{}, false, store.fail("lookup", fmt.Errorf("account %d has kind %q: %w", row.ID, row.Kind, ErrAccountKindMismatch))
	}
	if row.SessionVersion == nil {
		return AccountProfile{}, SessionKey{}, false, nil
	}
	return row.profile(), SessionKey{AccountID: AccountID(row.ID), Version: SessionVersion(*row.SessionVersion)}, true, nil
}

// LoadRefreshToken returns the stored refresh token when key is still current.
func (store *DatabaseIdentityStore) LoadRefreshToken(ctx context.Context, key SessionKey) (string, error) {
	var token accountTokenRecord
	err := store.db.WithContext(ctx).Where("account_id = ?", int64(key.AccountID)).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", store.fail("load_refresh_token", ErrAccountNotFound)
	}
	if err != nil {
		return "", store.fail("load_refresh_token", err)
	}
	if SessionVersion(token.SessionVersion) != key.Version {
		return "", store.fail("load_refresh_token", ErrRefreshTokenSuperseded)
	}
	return token.RefreshToken, nil
}

// tokenRecordCount reports how many token rows exist for an account.
func (store *DatabaseIdentityStore) tokenRecordCount(ctx context.Context, accountID AccountID) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&accountTokenRecord{}).Where("account_id = ?", int64(accountID)).Count(&count).Error
	return count, err
}

func (store *DatabaseIdentityStore) lockedQuery(tx *gorm.DB) *gorm.DB {
	if store.driverLabel == driverPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (store *DatabaseIdentityStore) fail(operation string, cause error) error {
	storeErr := NewStoreError(operation, store.driverLabel, cause)
	if storeErr.Domain() == nil {
		store.logger.Error("identity store failure",
			zap.String("code", "identity_store."+operation+".failed"),
			zap.String("driver", store.driverLabel),
			zap.Error(cause))
	}
	return storeErr
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("identity_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("identity_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), driverPostgres, nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("identity_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), driverSQLite, nil
	default:
		return nil, "", fmt.Errorf("identity_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
