package authkit

// ExchangeResult is the outcome of a successful authorization code exchange.
// Implementations: AccessAndRefreshTokens, AccessTokenOnly.
type ExchangeResult interface {
	exchangeResult()
	AccessToken() AccessToken
}

// AccessAndRefreshTokens is returned when the provider granted offline access.
type AccessAndRefreshTokens struct {
	Access  AccessToken
	Refresh string
}

// AccessTokenOnly is returned when the provider issued no refresh token.
type AccessTokenOnly struct {
	Access AccessToken
}

func (AccessAndRefreshTokens) exchangeResult() {}
func (AccessTokenOnly) exchangeResult()        {}

// AccessToken returns the issued access token.
func (result AccessAndRefreshTokens) AccessToken() AccessToken { return result.Access }

// AccessToken returns the issued access token.
func (result AccessTokenOnly) AccessToken() AccessToken { return result.Access }

// CreateSessionResult is the non-error outcome of SessionManager.CreateSession.
// Implementations: SessionCreated, RefreshTokenRequired.
type CreateSessionResult interface {
	createSessionResult()
}

// SessionCreated carries the freshly published session.
type SessionCreated struct {
	Session UserSession
}

// RefreshTokenRequired means the access token maps to no account and the
// caller must run a consent flow that grants offline access.
type RefreshTokenRequired struct{}

func (SessionCreated) createSessionResult()       {}
func (RefreshTokenRequired) createSessionResult() {}

// SigninState is the per-request verdict of the SigninGuard.
// Implementations: SignedIn, NotSignedIn, SignedOutByThirdParty.
type SigninState interface {
	signinState()
}

// SignedIn carries the still-valid session.
type SignedIn struct {
	Session UserSession
}

// NotSignedIn means the request carried no session token.
type NotSignedIn struct{}

// SignedOutByThirdParty means the session was superseded by a newer sign-in.
type SignedOutByThirdParty struct{}

func (SignedIn) signinState()              {}
func (NotSignedIn) signinState()           {}
func (SignedOutByThirdParty) signinState() {}
