package authkit

import "context"

// IdentityProvider performs the OAuth operations against the external provider.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code string) (ExchangeResult, error)
	Refresh(ctx context.Context, refreshToken string) (AccessToken, error)
	// Revoke is best effort; callers log failures and carry on.
	Revoke(ctx context.Context, accessToken AccessToken) error
	FetchProfile(ctx context.Context, accessToken AccessToken) (ProviderIdentity, error)
}

// IdentityStore is the source of truth for accounts and their current session version.
type IdentityStore interface {
	// UpsertAccount creates the account or bumps its version, replacing the refresh token record.
	UpsertAccount(ctx context.Context, resourceID string, profile AccountProfile, refreshToken string) (AccountProfile, SessionKey, error)
	// LookupAccount returns found=false when no account with a token record exists.
	LookupAccount(ctx context.Context, resourceID string) (profile AccountProfile, key SessionKey, found bool, err error)
	// LoadRefreshToken returns the refresh token stored for a still-current key.
	LoadRefreshToken(ctx context.Context, key SessionKey) (string, error)
}

// ValidityCache mirrors the current session version per account.
type ValidityCache interface {
	// Publish overwrites the entry for key.AccountID with key.Version.
	Publish(ctx context.Context, key SessionKey) error
	// CurrentVersion returns found=false for absent or malformed entries.
	CurrentVersion(ctx context.Context, accountID AccountID) (version SessionVersion, found bool, err error)
}

// SessionService is the request/response boundary consumed by the request layer.
type SessionService interface {
	CreateSession(ctx context.Context, request CreateSessionRequest) (CreateSessionResult, error)
	IsValidSession(ctx context.Context, key SessionKey) bool
	Touch(ctx context.Context, key SessionKey) error
}

// SessionValidator is the subset of SessionService the SigninGuard needs.
type SessionValidator interface {
	IsValidSession(ctx context.Context, key SessionKey) bool
}

// SessionRepairer republishes a key the identity store still considers current.
// A SessionValidator that also implements it lets the SigninGuard survive validity entry expiry.
type SessionRepairer interface {
	Touch(ctx context.Context, key SessionKey) error
}
