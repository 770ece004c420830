package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type sessionManagerHarness struct {
	provider *stubIdentityProvider
	store    *MemoryIdentityStore
	cache    *flakyValidityCache
	metrics  *CounterMetrics
	manager  *SessionManager
}

func newSessionManagerHarness(t *testing.T) *sessionManagerHarness {
	t.Helper()
	provider := newStubIdentityProvider()
	store := NewMemoryIdentityStore(newControllableClock())
	cache := newFlakyValidityCache()
	metrics := NewCounterMetrics()
	manager, err := NewSessionManager(provider, store, cache, zaptest.NewLogger(t), metrics)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return &sessionManagerHarness{provider: provider, store: store, cache: cache, metrics: metrics, manager: manager}
}

func (harness *sessionManagerHarness) createSession(t *testing.T, accessToken string, refreshToken string) (CreateSessionResult, error) {
	t.Helper()
	return harness.manager.CreateSession(context.Background(), CreateSessionRequest{
		AccessToken:  testAccessToken(accessToken),
		RefreshToken: refreshToken,
		ClientIP:     "203.0.113.7",
		Channel:      "web",
	})
}

func (harness *sessionManagerHarness) mustCreate(t *testing.T, accessToken string, refreshToken string) UserSession {
	t.Helper()
	result, err := harness.createSession(t, accessToken, refreshToken)
	return mustSessionCreated(t, result, err)
}

func mustSessionCreated(t *testing.T, result CreateSessionResult, err error) UserSession {
	t.Helper()
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	created, ok := result.(SessionCreated)
	if !ok {
		t.Fatalf("expected SessionCreated, got %T", result)
	}
	return created.Session
}

func TestNewSessionManagerRejectsMissingCollaborators(t *testing.T) {
	t.Parallel()
	provider := newStubIdentityProvider()
	store := NewMemoryIdentityStore(nil)
	cache := NewMemoryValidityCache()

	if _, err := NewSessionManager(nil, store, cache, nil, nil); !errors.Is(err, errNilIdentityProvider) {
		t.Fatalf("expected nil provider error, got %v", err)
	}
	if _, err := NewSessionManager(provider, nil, cache, nil, nil); !errors.Is(err, errNilIdentityStore) {
		t.Fatalf("expected nil store error, got %v", err)
	}
	if _, err := NewSessionManager(provider, store, nil, nil, nil); !errors.Is(err, errNilValidityCache) {
		t.Fatalf("expected nil cache error, got %v", err)
	}
}

func TestSessionManagerScenarios(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	ctx := context.Background()
	harness.provider.identities["access-a"] = testIdentity("people/100", "ada@example.com")
	harness.provider.identities["access-b"] = testIdentity("people/100", "ada@example.com")
	harness.provider.identities["access-c"] = testIdentity("people/100", "ada@example.com")

	// First login with a refresh token creates the account at version 0.
	result, err := harness.createSession(t, "access-a", "refresh-a")
	sessionA := mustSessionCreated(t, result, err)
	if sessionA.Key.Version != 0 {
		t.Fatalf("expected version 0, got %d", sessionA.Key.Version)
	}
	if sessionA.Profile.PublicEmail != "ada@example.com" {
		t.Fatalf("unexpected profile %+v", sessionA.Profile)
	}
	if cached, found, _ := harness.cache.CurrentVersion(ctx, sessionA.Key.AccountID); !found || cached != 0 {
		t.Fatalf("expected cache to hold version 0, got %d (found=%v)", cached, found)
	}
	if !harness.manager.IsValidSession(ctx, sessionA.Key) {
		t.Fatalf("expected first session to be valid")
	}

	// A second login from another device bumps the version and supersedes the first key.
	result, err = harness.createSession(t, "access-b", "refresh-b")
	sessionB := mustSessionCreated(t, result, err)
	if sessionB.Key.AccountID != sessionA.Key.AccountID || sessionB.Key.Version != 1 {
		t.Fatalf("expected same account at version 1, got %+v", sessionB.Key)
	}
	if harness.manager.IsValidSession(ctx, sessionA.Key) {
		t.Fatalf("expected superseded session to be invalid")
	}
	if !harness.manager.IsValidSession(ctx, sessionB.Key) {
		t.Fatalf("expected current session to be valid")
	}
	refreshToken, loadErr := harness.store.LoadRefreshToken(ctx, sessionB.Key)
	if loadErr != nil || refreshToken != "refresh-b" {
		t.Fatalf("expected refresh-b to be stored, got %q (%v)", refreshToken, loadErr)
	}
	if _, staleErr := harness.store.LoadRefreshToken(ctx, sessionA.Key); !errors.Is(staleErr, ErrRefreshTokenSuperseded) {
		t.Fatalf("expected old token record to be gone, got %v", staleErr)
	}

	// Access-token-only sign-in reads the current version without bumping it.
	for attempt := 0; attempt < 3; attempt++ {
		result, err = harness.createSession(t, "access-c", "")
		sessionC := mustSessionCreated(t, result, err)
		if sessionC.Key != sessionB.Key {
			t.Fatalf("expected access-only sign-in to keep %+v, got %+v", sessionB.Key, sessionC.Key)
		}
	}
	if harness.provider.revokeCount() != 0 {
		t.Fatalf("expected no revocations for a known account")
	}
	if harness.metrics.Count(metricSessionCreateSuccess) != 5 {
		t.Fatalf("expected 5 successful creations, got %d", harness.metrics.Count(metricSessionCreateSuccess))
	}
}

func TestSessionManagerUnknownAccessOnlyRevokes(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name      string
		revokeErr error
	}{
		{name: "revoke succeeds"},
		{name: "revoke fails", revokeErr: &ProviderError{Operation: operationRevoke, Kind: ProviderErrorTransport}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			harness := newSessionManagerHarness(t)
			harness.provider.identities["access-d"] = testIdentity("people/unknown", "new@example.com")
			harness.provider.revokeErr = testCase.revokeErr

			result, err := harness.createSession(t, "access-d", "")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if _, ok := result.(RefreshTokenRequired); !ok {
				t.Fatalf("expected RefreshTokenRequired, got %T", result)
			}
			if harness.provider.revokeCount() != 1 {
				t.Fatalf("expected exactly one revoke call, got %d", harness.provider.revokeCount())
			}
			if harness.provider.revoked[0] != "access-d" {
				t.Fatalf("unexpected revoked token %q", harness.provider.revoked[0])
			}
			wantFailures := int64(0)
			if testCase.revokeErr != nil {
				wantFailures = 1
			}
			if harness.metrics.Count(metricSessionRevokeFailed) != wantFailures {
				t.Fatalf("expected %d revoke failures, got %d", wantFailures, harness.metrics.Count(metricSessionRevokeFailed))
			}
			if harness.metrics.Count(metricSessionCreateRefreshRequired) != 1 {
				t.Fatalf("expected refresh_required metric")
			}
		})
	}
}

func TestSessionManagerPublishFailureThenTouchRepairs(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	ctx := context.Background()
	harness.provider.identities["access-a"] = testIdentity("people/200", "grace@example.com")
	harness.provider.identities["access-b"] = testIdentity("people/200", "grace@example.com")

	sessionA := harness.mustCreate(t, "access-a", "refresh-a")

	harness.cache.setFailures(true, false)
	result, err := harness.createSession(t, "access-b", "refresh-b")
	if !errors.Is(err, ErrValidityPublish) {
		t.Fatalf("expected ErrValidityPublish, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result on failure, got %T", result)
	}
	_, storedKey, found, lookupErr := harness.store.LookupAccount(ctx, "people/200")
	if lookupErr != nil || !found || storedKey.Version != 1 {
		t.Fatalf("expected committed version 1, got %+v found=%v err=%v", storedKey, found, lookupErr)
	}
	if harness.manager.IsValidSession(ctx, storedKey) {
		t.Fatalf("expected new key to be invalid until the cache is repaired")
	}

	harness.cache.setFailures(false, false)
	if touchErr := harness.manager.Touch(ctx, storedKey); touchErr != nil {
		t.Fatalf("Touch: %v", touchErr)
	}
	if !harness.manager.IsValidSession(ctx, storedKey) {
		t.Fatalf("expected Touch to restore validity")
	}
	if harness.manager.IsValidSession(ctx, sessionA.Key) {
		t.Fatalf("expected version 0 key to stay invalid")
	}
	if touchErr := harness.manager.Touch(ctx, storedKey); touchErr != nil {
		t.Fatalf("second Touch: %v", touchErr)
	}
}

func TestSessionManagerTouchRefusesSupersededKey(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	ctx := context.Background()
	harness.provider.identities["access-a"] = testIdentity("people/300", "x@example.com")

	sessionA := harness.mustCreate(t, "access-a", "refresh-a")
	sessionB := harness.mustCreate(t, "access-a", "refresh-b")

	if err := harness.manager.Touch(ctx, sessionA.Key); !errors.Is(err, ErrRefreshTokenSuperseded) {
		t.Fatalf("expected superseded key to be refused, got %v", err)
	}
	if harness.manager.IsValidSession(ctx, sessionA.Key) || !harness.manager.IsValidSession(ctx, sessionB.Key) {
		t.Fatalf("expected refused Touch to leave the cache untouched")
	}
}

func TestSessionManagerIsValidFailsClosed(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	ctx := context.Background()

	if harness.manager.IsValidSession(ctx, SessionKey{AccountID: 42, Version: 0}) {
		t.Fatalf("expected missing cache entry to be invalid")
	}

	if err := harness.cache.MemoryValidityCache.Publish(ctx, SessionKey{AccountID: 42, Version: 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	harness.cache.setFailures(false, true)
	if harness.manager.IsValidSession(ctx, SessionKey{AccountID: 42, Version: 3}) {
		t.Fatalf("expected cache read error to be invalid")
	}
	harness.cache.setFailures(false, false)
	if harness.manager.IsValidSession(ctx, SessionKey{AccountID: 42, Version: 2}) {
		t.Fatalf("expected version mismatch to be invalid")
	}
	if harness.metrics.Count(metricSessionValidateInvalid) != 3 {
		t.Fatalf("expected 3 invalid verdicts, got %d", harness.metrics.Count(metricSessionValidateInvalid))
	}
}

func TestSessionManagerPropagatesFetchAndStoreErrors(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	missingEmail := &ProviderError{Operation: operationFetchProfile, Kind: ProviderErrorMissingField, Code: "emailAddresses"}
	harness.provider.fetchErr = missingEmail

	_, err := harness.createSession(t, "access-x", "refresh-x")
	if !errors.Is(err, ErrProfileMissingField) {
		t.Fatalf("expected missing field error, got %v", err)
	}

	harness.provider.fetchErr = nil
	harness.provider.identities["access-y"] = testIdentity("people/plugin", "p@example.com")
	harness.mustCreate(t, "access-y", "refresh-y")
	harness.store.SetAccountKind("people/plugin", AccountKindPlugin)

	_, err = harness.createSession(t, "access-y", "")
	if !errors.Is(err, ErrSessionStore) || !errors.Is(err, ErrIdentityStore) {
		t.Fatalf("expected opaque store error, got %v", err)
	}
	if !errors.Is(err, ErrAccountKindMismatch) {
		t.Fatalf("expected kind mismatch to be reported, got %v", err)
	}
	if harness.provider.revokeCount() != 0 {
		t.Fatalf("store failure must not revoke")
	}
}

func TestSessionManagerRefreshAccessTokenCollapsesConcurrentCalls(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	ctx := context.Background()
	harness.provider.identities["access-a"] = testIdentity("people/400", "r@example.com")
	harness.provider.refreshDelay = 50 * time.Millisecond
	session := harness.mustCreate(t, "access-a", "refresh-a")

	var waitGroup sync.WaitGroup
	results := make([]AccessToken, 8)
	errs := make([]error, 8)
	for index := range results {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			results[index], errs[index] = harness.manager.RefreshAccessToken(ctx, session.Key)
		}(index)
	}
	waitGroup.Wait()

	for index := range results {
		if errs[index] != nil {
			t.Fatalf("refresh %d: %v", index, errs[index])
		}
		if results[index].Value != "refreshed-refresh-a" {
			t.Fatalf("unexpected token %q", results[index].Value)
		}
	}
	if harness.provider.refreshCount() >= len(results) {
		t.Fatalf("expected concurrent refreshes to be collapsed, got %d provider calls", harness.provider.refreshCount())
	}

	harness.mustCreate(t, "access-a", "refresh-b")
	if _, err := harness.manager.RefreshAccessToken(ctx, session.Key); !errors.Is(err, ErrRefreshTokenSuperseded) {
		t.Fatalf("expected superseded key to be refused, got %v", err)
	}
}

func TestSessionManagerRefreshAccessTokenIgnoresOtherCallersCancellation(t *testing.T) {
	t.Parallel()
	harness := newSessionManagerHarness(t)
	harness.provider.identities["access-a"] = testIdentity("people/401", "c@example.com")
	harness.provider.refreshDelay = 100 * time.Millisecond
	session := harness.mustCreate(t, "access-a", "refresh-a")

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := harness.manager.RefreshAccessToken(cancelledCtx, session.Key)
		cancelledErr <- err
	}()
	for harness.provider.refreshCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	waiterResult := make(chan AccessToken, 1)
	waiterErr := make(chan error, 1)
	go func() {
		token, err := harness.manager.RefreshAccessToken(context.Background(), session.Key)
		waiterResult <- token
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-cancelledErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to stop waiting, got %v", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("expected waiting caller to be unaffected by cancellation, got %v", err)
	}
	if token := <-waiterResult; token.Value != "refreshed-refresh-a" {
		t.Fatalf("unexpected token %q", token.Value)
	}
}

func TestCreateSessionRequestFromExchange(t *testing.T) {
	t.Parallel()
	access := testAccessToken("a")
	withRefresh, err := CreateSessionRequestFromExchange(AccessAndRefreshTokens{Access: access, Refresh: "r"}, "ip", "web")
	if err != nil || !withRefresh.HasRefreshToken() || withRefresh.AccessToken != access {
		t.Fatalf("unexpected request %+v (%v)", withRefresh, err)
	}
	accessOnly, err := CreateSessionRequestFromExchange(AccessTokenOnly{Access: access}, "ip", "web")
	if err != nil || accessOnly.HasRefreshToken() {
		t.Fatalf("unexpected request %+v (%v)", accessOnly, err)
	}
	if _, err := CreateSessionRequestFromExchange(nil, "ip", "web"); !errors.Is(err, ErrUnknownExchangeResult) {
		t.Fatalf("expected unknown variant error, got %v", err)
	}
}
