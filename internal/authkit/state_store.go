package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix     = "oauth_state#"
	stateIssueAttempts = 3
)

var (
	// ErrStateNotFound indicates the OAuth state was never issued or already consumed.
	ErrStateNotFound = errors.New("oauth_state.not_found")
	// ErrStateExpired indicates the OAuth state expired before the callback arrived.
	ErrStateExpired = errors.New("oauth_state.expired")

	errStateCollision  = errors.New("oauth_state.collision")
	errInvalidStateTTL = errors.New("oauth_state.invalid_ttl")
)

// StateStore issues one-time OAuth state values that bind a callback to the
// login redirect that started it.
type StateStore interface {
	// Issue creates a new state value with the configured TTL.
	Issue(ctx context.Context) (string, error)
	// Consume validates and invalidates an issued state value.
	Consume(ctx context.Context, state string) error
}

type memoryStateStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryStateStore constructs an in-memory StateStore with the provided TTL.
func NewMemoryStateStore(ttl time.Duration, clock Clock) StateStore {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &memoryStateStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

func (store *memoryStateStore) Issue(ctx context.Context) (string, error) {
	state, err := generateOpaqueToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = store.clock.Now().Add(store.ttl)
	return state, nil
}

func (store *memoryStateStore) Consume(ctx context.Context, state string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[state]
	if !ok {
		return ErrStateNotFound
	}
	delete(store.entries, state)
	if store.clock.Now().After(expiry) {
		return ErrStateExpired
	}
	return nil
}

func (store *memoryStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for state, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, state)
		}
	}
}

// RedisStateStore keeps issued state values in Redis so any replica can complete a login.
// Redis expiry enforces the TTL; an expired value is reported as ErrStateNotFound.
type RedisStateStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStateStore wraps an existing client. The ttl must be positive.
func NewRedisStateStore(client redis.UniversalClient, ttl time.Duration) (*RedisStateStore, error) {
	if client == nil {
		return nil, errNilRedisClient
	}
	if ttl <= 0 {
		return nil, errInvalidStateTTL
	}
	return &RedisStateStore{client: client, ttl: ttl}, nil
}

// StateKey derives the Redis key holding an issued state value.
func StateKey(state string) string {
	return stateKeyPrefix + state
}

func (store *RedisStateStore) Issue(ctx context.Context) (string, error) {
	for attempt := 0; attempt < stateIssueAttempts; attempt++ {
		state, err := generateOpaqueToken()
		if err != nil {
			return "", err
		}
		stored, err := store.client.SetNX(ctx, StateKey(state), "1", store.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("oauth_state.issue: %w", err)
		}
		if stored {
			return state, nil
		}
	}
	return "", errStateCollision
}

func (store *RedisStateStore) Consume(ctx context.Context, state string) error {
	if state == "" {
		return ErrStateNotFound
	}
	err := store.client.GetDel(ctx, StateKey(state)).Err()
	switch {
	case errors.Is(err, redis.Nil):
		return ErrStateNotFound
	case err != nil:
		return fmt.Errorf("oauth_state.consume: %w", err)
	}
	return nil
}
