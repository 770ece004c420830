package authkit

import (
	"net/http"
	"time"
)

const (
	// DefaultProviderTimeout bounds every call to the identity provider.
	DefaultProviderTimeout = 10 * time.Second

	DefaultGoogleAuthURL       = "https://accounts.google.com/o/oauth2/v2/auth"
	DefaultGoogleTokenURL      = "https://oauth2.googleapis.com/token"
	DefaultGoogleRevokeURL     = "https://oauth2.googleapis.com/revoke"
	DefaultGooglePeopleBaseURL = "https://people.googleapis.com/"

	// CallbackPath is the fixed redirect target registered with the provider.
	CallbackPath = "/login/google/callback"
)

// ProviderConfig configures the Google identity provider client.
type ProviderConfig struct {
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	HostedDomain  string
	AuthURL       string
	TokenURL      string
	RevokeURL     string
	PeopleBaseURL string
	Timeout       time.Duration
}

func (configuration ProviderConfig) withDefaults() ProviderConfig {
	if configuration.AuthURL == "" {
		configuration.AuthURL = DefaultGoogleAuthURL
	}
	if configuration.TokenURL == "" {
		configuration.TokenURL = DefaultGoogleTokenURL
	}
	if configuration.RevokeURL == "" {
		configuration.RevokeURL = DefaultGoogleRevokeURL
	}
	if configuration.PeopleBaseURL == "" {
		configuration.PeopleBaseURL = DefaultGooglePeopleBaseURL
	}
	if configuration.Timeout <= 0 {
		configuration.Timeout = DefaultProviderTimeout
	}
	return configuration
}

// ServerConfig configures cookies, signing, and TTLs.
type ServerConfig struct {
	Provider          ProviderConfig
	SessionSigningKey []byte
	SessionIssuer     string
	CookieDomain      string
	SessionCookieName string
	FlashCookieName   string
	SessionTTL        time.Duration
	StateTTL          time.Duration
	ValidityTTL       time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}
