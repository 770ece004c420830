package authkit

import (
	"context"
	"errors"
	"sync"
	"time"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

// stubIdentityProvider maps access token values to identities.
type stubIdentityProvider struct {
	mutex         sync.Mutex
	identities    map[string]ProviderIdentity
	fetchErr      error
	revokeErr     error
	refreshErr    error
	revoked       []string
	refreshed     []string
	refreshDelay  time.Duration
	exchanges     map[string]ExchangeResult
	exchangeErr   error
	authorization []string
}

func newStubIdentityProvider() *stubIdentityProvider {
	return &stubIdentityProvider{
		identities: make(map[string]ProviderIdentity),
		exchanges:  make(map[string]ExchangeResult),
	}
}

func (provider *stubIdentityProvider) AuthorizationURL(state string, forceConsent bool) string {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.authorization = append(provider.authorization, state)
	if forceConsent {
		return "https://provider.example/auth?prompt=consent&state=" + state
	}
	return "https://provider.example/auth?prompt=select_account&state=" + state
}

func (provider *stubIdentityProvider) ExchangeCode(ctx context.Context, code string) (ExchangeResult, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.exchangeErr != nil {
		return nil, provider.exchangeErr
	}
	result, ok := provider.exchanges[code]
	if !ok {
		return nil, &ProviderError{Operation: operationExchangeCode, Kind: ProviderErrorRejected, Code: "invalid_grant"}
	}
	return result, nil
}

func (provider *stubIdentityProvider) Refresh(ctx context.Context, refreshToken string) (AccessToken, error) {
	provider.mutex.Lock()
	provider.refreshed = append(provider.refreshed, refreshToken)
	delay := provider.refreshDelay
	refreshErr := provider.refreshErr
	provider.mutex.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return AccessToken{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if refreshErr != nil {
		return AccessToken{}, refreshErr
	}
	return AccessToken{Value: "refreshed-" + refreshToken, ExpiresAt: time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (provider *stubIdentityProvider) Revoke(ctx context.Context, accessToken AccessToken) error {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	provider.revoked = append(provider.revoked, accessToken.Value)
	return provider.revokeErr
}

func (provider *stubIdentityProvider) FetchProfile(ctx context.Context, accessToken AccessToken) (ProviderIdentity, error) {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	if provider.fetchErr != nil {
		return ProviderIdentity{}, provider.fetchErr
	}
	identity, ok := provider.identities[accessToken.Value]
	if !ok {
		return ProviderIdentity{}, &ProviderError{Operation: operationFetchProfile, Kind: ProviderErrorRejected, Code: "401"}
	}
	return identity, nil
}

func (provider *stubIdentityProvider) revokeCount() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.revoked)
}

func (provider *stubIdentityProvider) refreshCount() int {
	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	return len(provider.refreshed)
}

var errCacheUnavailable = errors.New("cache unavailable")

// flakyValidityCache wraps a MemoryValidityCache and fails on demand.
type flakyValidityCache struct {
	*MemoryValidityCache
	mutex       sync.Mutex
	failPublish bool
	failRead    bool
}

func newFlakyValidityCache() *flakyValidityCache {
	return &flakyValidityCache{MemoryValidityCache: NewMemoryValidityCache()}
}

func (cache *flakyValidityCache) setFailures(publish bool, read bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.failPublish = publish
	cache.failRead = read
}

func (cache *flakyValidityCache) Publish(ctx context.Context, key SessionKey) error {
	cache.mutex.Lock()
	failing := cache.failPublish
	cache.mutex.Unlock()
	if failing {
		return errCacheUnavailable
	}
	return cache.MemoryValidityCache.Publish(ctx, key)
}

func (cache *flakyValidityCache) CurrentVersion(ctx context.Context, accountID AccountID) (SessionVersion, bool, error) {
	cache.mutex.Lock()
	failing := cache.failRead
	cache.mutex.Unlock()
	if failing {
		return 0, false, errCacheUnavailable
	}
	return cache.MemoryValidityCache.CurrentVersion(ctx, accountID)
}

func testIdentity(resourceID string, email string) ProviderIdentity {
	return ProviderIdentity{
		ResourceID: resourceID,
		Profile: AccountProfile{
			DisplayName: "Ada",
			FullName:    "Ada Lovelace",
			PublicEmail: email,
			PhotoURL:    "https://photos.example/ada.png",
		},
	}
}

func testAccessToken(value string) AccessToken {
	return AccessToken{Value: value, ExpiresAt: time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC)}
}
