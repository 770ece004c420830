package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	metricSessionCreateSuccess         = "session.create.success"
	metricSessionCreateRefreshRequired = "session.create.refresh_required"
	metricSessionCreateError           = "session.create.error"
	metricSessionValidateValid         = "session.validate.valid"
	metricSessionValidateInvalid       = "session.validate.invalid"
	metricSessionTouch                 = "session.touch"
	metricSessionRevokeFailed          = "session.revoke.failed"
	metricSessionRefreshSuccess        = "session.refresh.success"
	metricSessionRefreshError          = "session.refresh.error"
)

var (
	errNilIdentityProvider = errors.New("session_manager.nil_provider")
	errNilIdentityStore    = errors.New("session_manager.nil_store")
	errNilValidityCache    = errors.New("session_manager.nil_cache")
	// ErrUnknownExchangeResult indicates an ExchangeResult variant the manager does not handle.
	ErrUnknownExchangeResult = errors.New("session_manager.unknown_exchange_result")
)

// SessionManager sequences the identity provider, identity store, and validity cache.
// It holds no per-account state and is safe for concurrent use.
type SessionManager struct {
	provider IdentityProvider
	store    IdentityStore
	cache    ValidityCache
	logger   *zap.Logger
	metrics  MetricsRecorder
	refresh  singleflight.Group
}

// NewSessionManager wires the collaborators; logger and metrics may be nil.
func NewSessionManager(provider IdentityProvider, store IdentityStore, cache ValidityCache, logger *zap.Logger, metrics MetricsRecorder) (*SessionManager, error) {
	if provider == nil {
		return nil, errNilIdentityProvider
	}
	if store == nil {
		return nil, errNilIdentityStore
	}
	if cache == nil {
		return nil, errNilValidityCache
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionManager{
		provider: provider,
		store:    store,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// CreateSessionRequestFromExchange maps an exchange outcome onto a session request.
func CreateSessionRequestFromExchange(result ExchangeResult, clientIP string, channel string) (CreateSessionRequest, error) {
	switch typed := result.(type) {
	case AccessAndRefreshTokens:
		return CreateSessionRequest{AccessToken: typed.Access, RefreshToken: typed.Refresh, ClientIP: clientIP, Channel: channel}, nil
	case AccessTokenOnly:
		return CreateSessionRequest{AccessToken: typed.Access, ClientIP: clientIP, Channel: channel}, nil
	default:
		return CreateSessionRequest{}, fmt.Errorf("%w: %T", ErrUnknownExchangeResult, result)
	}
}

// CreateSession resolves the access token to an account and publishes the resulting version.
func (manager *SessionManager) CreateSession(ctx context.Context, request CreateSessionRequest) (CreateSessionResult, error) {
	requestLogger := manager.logger.With(
		zap.String("client_ip", request.ClientIP),
		zap.String("channel", request.Channel),
	)

	identity, fetchErr := manager.provider.FetchProfile(ctx, request.AccessToken)
	if fetchErr != nil {
		requestLogger.Warn("profile fetch failed", zap.String("code", "session.create.fetch_failed"), zap.Error(fetchErr))
		manager.metrics.Increment(metricSessionCreateError)
		return nil, fetchErr
	}

	var profile AccountProfile
	var key SessionKey
	if request.HasRefreshToken() {
		upsertedProfile, upsertedKey, upsertErr := manager.store.UpsertAccount(ctx, identity.ResourceID, identity.Profile, request.RefreshToken)
		if upsertErr != nil {
			requestLogger.Error("identity upsert failed", zap.String("code", "session.create.store_failed"), zap.Error(upsertErr))
			manager.metrics.Increment(metricSessionCreateError)
			return nil, fmt.Errorf("%w: %w", ErrSessionStore, upsertErr)
		}
		profile, key = upsertedProfile, upsertedKey
	} else {
		storedProfile, storedKey, found, lookupErr := manager.store.LookupAccount(ctx, identity.ResourceID)
		if lookupErr != nil {
			requestLogger.Error("identity lookup failed", zap.String("code", "session.create.store_failed"), zap.Error(lookupErr))
			manager.metrics.Increment(metricSessionCreateError)
			return nil, fmt.Errorf("%w: %w", ErrSessionStore, lookupErr)
		}
		if !found {
			manager.disown(ctx, requestLogger, request.AccessToken)
			manager.metrics.Increment(metricSessionCreateRefreshRequired)
			return RefreshTokenRequired{}, nil
		}
		// Access-token-only sign-in never mutates the store.
		profile, key = storedProfile, storedKey
	}

	if publishErr := manager.cache.Publish(ctx, key); publishErr != nil {
		requestLogger.Error("validity publish failed",
			zap.String("code", "session.create.publish_failed"),
			zap.Int64("account_id", int64(key.AccountID)),
			zap.Int64("session_version", int64(key.Version)),
			zap.Error(publishErr))
		manager.metrics.Increment(metricSessionCreateError)
		return nil, fmt.Errorf("%w: %w", ErrValidityPublish, publishErr)
	}

	requestLogger.Info("session created",
		zap.String("code", "session.create.success"),
		zap.Int64("account_id", int64(key.AccountID)),
		zap.Int64("session_version", int64(key.Version)))
	manager.metrics.Increment(metricSessionCreateSuccess)
	return SessionCreated{Session: UserSession{Key: key, Profile: profile}}, nil
}

// disown revokes an access token that maps to no account. Failures are logged only.
func (manager *SessionManager) disown(ctx context.Context, requestLogger *zap.Logger, accessToken AccessToken) {
	if revokeErr := manager.provider.Revoke(ctx, accessToken); revokeErr != nil {
		requestLogger.Warn("access token revoke failed",
			zap.String("code", "session.create.revoke_failed"),
			zap.String("token_fingerprint", tokenFingerprint(accessToken.Value)),
			zap.Error(revokeErr))
		manager.metrics.Increment(metricSessionRevokeFailed)
	}
}

// IsValidSession compares the key with the cached current version. Any miss or error is invalid.
func (manager *SessionManager) IsValidSession(ctx context.Context, key SessionKey) bool {
	current, found, err := manager.cache.CurrentVersion(ctx, key.AccountID)
	if err != nil {
		manager.logger.Warn("validity read failed",
			zap.String("code", "session.validate.cache_failed"),
			zap.Int64("account_id", int64(key.AccountID)),
			zap.Error(err))
	}
	if err != nil || !found || current != key.Version {
		manager.metrics.Increment(metricSessionValidateInvalid)
		return false
	}
	manager.metrics.Increment(metricSessionValidateValid)
	return true
}

// Touch re-publishes the key's version, repairing a lost or expired cache entry.
// Keys the store no longer considers current are refused so stale sessions cannot be revived.
func (manager *SessionManager) Touch(ctx context.Context, key SessionKey) error {
	if _, loadErr := manager.store.LoadRefreshToken(ctx, key); loadErr != nil {
		manager.logger.Warn("validity touch refused",
			zap.String("code", "session.touch.not_current"),
			zap.Int64("account_id", int64(key.AccountID)),
			zap.Int64("session_version", int64(key.Version)),
			zap.Error(loadErr))
		return fmt.Errorf("session_manager.touch: %w", loadErr)
	}
	if err := manager.cache.Publish(ctx, key); err != nil {
		manager.logger.Warn("validity touch failed",
			zap.String("code", "session.touch.failed"),
			zap.Int64("account_id", int64(key.AccountID)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrValidityPublish, err)
	}
	manager.metrics.Increment(metricSessionTouch)
	return nil
}

// RefreshAccessToken exchanges the stored refresh token of a still-current key for a new access token.
// Concurrent calls for the same key share one provider round trip. The shared call is detached from
// any single caller's cancellation; each caller stops waiting when its own ctx is done.
func (manager *SessionManager) RefreshAccessToken(ctx context.Context, key SessionKey) (AccessToken, error) {
	flightKey := ValidityKey(key.AccountID) + "#" + strconv.FormatInt(int64(key.Version), 10)
	flightCtx := context.WithoutCancel(ctx)
	resultChannel := manager.refresh.DoChan(flightKey, func() (interface{}, error) {
		refreshToken, loadErr := manager.store.LoadRefreshToken(flightCtx, key)
		if loadErr != nil {
			return AccessToken{}, loadErr
		}
		return manager.provider.Refresh(flightCtx, refreshToken)
	})
	var value interface{}
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case result := <-resultChannel:
		value, err = result.Val, result.Err
	}
	if err != nil {
		manager.logger.Warn("access token refresh failed",
			zap.String("code", "session.refresh.failed"),
			zap.Int64("account_id", int64(key.AccountID)),
			zap.Error(err))
		manager.metrics.Increment(metricSessionRefreshError)
		return AccessToken{}, err
	}
	manager.metrics.Increment(metricSessionRefreshSuccess)
	return value.(AccessToken), nil
}
