package authkit

import (
	"strconv"
	"time"
)

// AccountID identifies an internal account for its whole lifetime.
type AccountID int64

// String renders the identifier in decimal form.
func (accountID AccountID) String() string {
	return strconv.FormatInt(int64(accountID), 10)
}

// SessionVersion is the per-account counter; only the current value is accepted.
type SessionVersion int64

// SessionKey is the only state a client-held session token needs to carry.
type SessionKey struct {
	AccountID AccountID      `json:"i"`
	Version   SessionVersion `json:"v"`
}

// AccountKind mirrors the account kind column.
type AccountKind string

const (
	AccountKindPerson   AccountKind = "person"
	AccountKindReserved AccountKind = "reserved"
	AccountKindPlugin   AccountKind = "plugin"
)

// AccountProfile is the displayable identity refreshed from the provider.
type AccountProfile struct {
	DisplayName string `json:"dn"`
	FullName    string `json:"fn"`
	PublicEmail string `json:"pe"`
	PhotoURL    string `json:"pu,omitempty"`
}

// ProviderIdentity is what the identity provider reports for an access token.
type ProviderIdentity struct {
	ResourceID string
	Profile    AccountProfile
}

// AccessToken is a short-lived provider credential. It is never persisted.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at the supplied instant.
func (token AccessToken) Expired(now time.Time) bool {
	return !token.ExpiresAt.IsZero() && !now.Before(token.ExpiresAt)
}

// UserSession is serialized into the client-held session token.
type UserSession struct {
	Key     SessionKey     `json:"k"`
	Profile AccountProfile `json:"p"`
}

// CreateSessionRequest carries the credentials obtained from a code exchange.
type CreateSessionRequest struct {
	AccessToken  AccessToken
	RefreshToken string
	ClientIP     string
	Channel      string
}

// HasRefreshToken reports whether the provider issued a refresh token.
func (request CreateSessionRequest) HasRefreshToken() bool {
	return request.RefreshToken != ""
}
