package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const validityKeyPrefix = "ut#"

var errNilRedisClient = errors.New("validity_cache.nil_client")

// ValidityKey derives the cache key holding the current version of an account.
func ValidityKey(accountID AccountID) string {
	return validityKeyPrefix + accountID.String()
}

func parseValidityValue(raw string) (SessionVersion, bool) {
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return SessionVersion(parsed), true
}

// RedisValidityCache stores the current session version per account in Redis.
type RedisValidityCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisValidityCache wraps an existing client. A zero ttl stores entries without expiry.
func NewRedisValidityCache(client redis.UniversalClient, ttl time.Duration) (*RedisValidityCache, error) {
	if client == nil {
		return nil, errNilRedisClient
	}
	return &RedisValidityCache{client: client, ttl: ttl}, nil
}

// Publish overwrites the entry for the account with the key's version.
func (cache *RedisValidityCache) Publish(ctx context.Context, key SessionKey) error {
	value := strconv.FormatInt(int64(key.Version), 10)
	if err := cache.client.Set(ctx, ValidityKey(key.AccountID), value, cache.ttl).Err(); err != nil {
		return fmt.Errorf("validity_cache.publish.redis: %w", err)
	}
	return nil
}

// CurrentVersion reads the entry for the account; absent and malformed entries report found=false.
func (cache *RedisValidityCache) CurrentVersion(ctx context.Context, accountID AccountID) (SessionVersion, bool, error) {
	raw, err := cache.client.Get(ctx, ValidityKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("validity_cache.read.redis: %w", err)
	}
	version, ok := parseValidityValue(raw)
	return version, ok, nil
}

// MemoryValidityCache keeps validity entries in process memory for tests and dev.
type MemoryValidityCache struct {
	mutex   sync.RWMutex
	entries map[string]string
}

// NewMemoryValidityCache constructs an empty in-memory validity cache.
func NewMemoryValidityCache() *MemoryValidityCache {
	return &MemoryValidityCache{entries: make(map[string]string)}
}

func (cache *MemoryValidityCache) Publish(ctx context.Context, key SessionKey) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("validity_cache.publish.memory: %w", err)
	}
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.entries[ValidityKey(key.AccountID)] = strconv.FormatInt(int64(key.Version), 10)
	return nil
}

func (cache *MemoryValidityCache) CurrentVersion(ctx context.Context, accountID AccountID) (SessionVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, fmt.Errorf("validity_cache.read.memory: %w", err)
	}
	cache.mutex.RLock()
	defer cache.mutex.RUnlock()
	raw, ok := cache.entries[ValidityKey(accountID)]
	if !ok {
		return 0, false, nil
	}
	version, parsed := parseValidityValue(raw)
	return version, parsed, nil
}

// Delete drops the entry for the account, simulating cache loss.
func (cache *MemoryValidityCache) Delete(accountID AccountID) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	delete(cache.entries, ValidityKey(accountID))
}
