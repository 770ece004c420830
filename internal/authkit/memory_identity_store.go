package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const driverMemory = "memory"

// MemoryIdentityStore is an in-memory IdentityStore intended for tests and dev.
type MemoryIdentityStore struct {
	mutex        sync.Mutex
	accounts     map[AccountID]*memoryAccount
	byResourceID map[string]AccountID
	tokens       map[AccountID]*memoryTokenRecord
	sequenceID   int64
	clock        Clock
}

type memoryAccount struct {
	ID         AccountID
	ResourceID string
	Kind       AccountKind
	Profile    AccountProfile
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type memoryTokenRecord struct {
	Version      SessionVersion
	RefreshToken string
	CreatedAt    time.Time
}

// NewMemoryIdentityStore creates an empty in-memory identity store.
func NewMemoryIdentityStore(clock Clock) *MemoryIdentityStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &MemoryIdentityStore{
		accounts:     make(map[AccountID]*memoryAccount),
		byResourceID: make(map[string]AccountID),
		tokens:       make(map[AccountID]*memoryTokenRecord),
		clock:        clock,
	}
}

// UpsertAccount creates the account on first sight or bumps its session version.
func (store *MemoryIdentityStore) UpsertAccount(ctx context.Context, resourceID string, profile AccountProfile, refreshToken string) (AccountProfile, SessionKey, error) {
	if strings.TrimSpace(resourceID) == "" {
		return AccountProfile{}, SessionKey{}, NewStoreError("upsert", driverMemory, ErrEmptyResourceID)
	}
	if refreshToken == "" {
		return AccountProfile{}, SessionKey{}, NewStoreError("upsert", driverMemory, ErrEmptyRefreshToken)
	}
	if err := ctx.Err(); err != nil {
		return AccountProfile{}, SessionKey{}, NewStoreError("upsert", driverMemory, err)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now()
	account := store.accountLocked(resourceID)
	if account == nil {
		store.sequenceID++
		account = &memoryAccount{
			ID:         AccountID(store.sequenceID),
			ResourceID: resourceID,
			Kind:       AccountKindPerson,
			CreatedAt:  now,
		}
		store.accounts[account.ID] = account
		store.byResourceID[resourceID] = account.ID
	}
	if account.Kind != AccountKindPerson {
		return AccountProfile{}, SessionKey{}, NewStoreError("upsert", driverMemory, ErrAccountKindMismatch)
	}
	account.Profile = profile
	account.UpdatedAt = now

	version := SessionVersion(0)
	if previous, ok := store.tokens[account.ID]; ok {
		version = previous.Version + 1
		delete(store.tokens, account.ID)
	}
	store.tokens[account.ID] = &memoryTokenRecord{
		Version:      version,
		RefreshToken: refreshToken,
		CreatedAt:    now,
	}
	return account.Profile, SessionKey{AccountID: account.ID, Version: version}, nil
}

// LookupAccount reports the account and its current version without mutating anything.
func (store *MemoryIdentityStore) LookupAccount(ctx context.Context, resourceID string) (AccountProfile, SessionKey, bool, error) {
	if strings.TrimSpace(resourceID) == "" {
		return AccountProfile{}, SessionKey{}, false, NewStoreError("lookup", driverMemory, ErrEmptyResourceID)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	account := store.accountLocked(resourceID)
	if account == nil {
		return AccountProfile{}, SessionKey{}, false, nil
	}
	if account.Kind != AccountKindPerson {
		return AccountProfile{}, SessionKey{}, false, NewStoreError("lookup", driverMemory, fmt.Errorf("account %d has kind %q: %w", account.ID, account.Kind, ErrAccountKindMismatch))
	}
	token, ok := store.tokens[account.ID]
	if !ok {
		return AccountProfile{}, SessionKey{}, false, nil
	}
	return account.Profile, SessionKey{AccountID: account.ID, Version: token.Version}, true, nil
}

// LoadRefreshToken returns the stored refresh token when key is still current.
func (store *MemoryIdentityStore) LoadRefreshToken(ctx context.Context, key SessionKey) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	token, ok := store.tokens[key.AccountID]
	if !ok {
		return "", NewStoreError("load_refresh_token", driverMemory, ErrAccountNotFound)
	}
	if token.Version != key.Version {
		return "", NewStoreError("load_refresh_token", driverMemory, ErrRefreshTokenSuperseded)
	}
	return token.RefreshToken, nil
}

// SetAccountKind changes the kind of an existing account; used to model reserved and plugin accounts.
func (store *MemoryIdentityStore) SetAccountKind(resourceID string, kind AccountKind) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account := store.accountLocked(resourceID)
	if account == nil {
		return false
	}
	account.Kind = kind
	return true
}

func (store *MemoryIdentityStore) tokenRecordCount(ctx context.Context, accountID AccountID) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.tokens[accountID]; ok {
		return 1, nil
	}
	return 0, nil
}

func (store *MemoryIdentityStore) accountLocked(resourceID string) *memoryAccount {
	accountID, ok := store.byResourceID[resourceID]
	if !ok {
		return nil
	}
	return store.accounts[accountID]
}
