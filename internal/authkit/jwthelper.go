package authkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidSessionToken indicates the session token failed signature, issuer, or expiry checks.
	ErrInvalidSessionToken = errors.New("session_token.invalid")
	errEmptySigningKey     = errors.New("session_token.empty_signing_key")
)

// SessionClaims are the JWT claims carrying a UserSession.
type SessionClaims struct {
	AccountID   int64  `json:"i"`
	Version     int64  `json:"v"`
	PublicEmail string `json:"pe"`
	DisplayName string `json:"dn"`
	FullName    string `json:"fn"`
	PhotoURL    string `json:"pu,omitempty"`
	jwt.RegisteredClaims
}

// UserSession rebuilds the session payload from the claims.
func (claims *SessionClaims) UserSession() UserSession {
	return UserSession{
		Key: SessionKey{AccountID: AccountID(claims.AccountID), Version: SessionVersion(claims.Version)},
		Profile: AccountProfile{
			DisplayName: claims.DisplayName,
			FullName:    claims.FullName,
			PublicEmail: claims.PublicEmail,
			PhotoURL:    claims.PhotoURL,
		},
	}
}

type flashClaims struct {
	Messages []string `json:"m"`
	jwt.RegisteredClaims
}

// MintSessionToken signs session into an HS256 token that expires after ttl.
func MintSessionToken(session UserSession, issuer string, signingKey []byte, ttl time.Duration, issuedAt time.Time) (string, time.Time, error) {
	if len(signingKey) == 0 {
		return "", time.Time{}, errEmptySigningKey
	}
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		AccountID:        int64(session.Key.AccountID),
		Version:          int64(session.Key.Version),
		PublicEmail:      session.Profile.PublicEmail,
		DisplayName:      session.Profile.DisplayName,
		FullName:         session.Profile.FullName,
		PhotoURL:         session.Profile.PhotoURL,
		RegisteredClaims: registeredClaims(issuer, session.Key.AccountID.String(), issuedAt, expiresAt),
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session_token.sign: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseSessionToken verifies a token minted by MintSessionToken as of now.
func ParseSessionToken(tokenValue string, issuer string, signingKey []byte, now time.Time) (UserSession, error) {
	claims := &SessionClaims{}
	if err := parseSigned(tokenValue, claims, issuer, signingKey, now); err != nil {
		return UserSession{}, err
	}
	return claims.UserSession(), nil
}

func mintFlashToken(messages []string, issuer string, signingKey []byte, ttl time.Duration, issuedAt time.Time) (string, error) {
	if len(signingKey) == 0 {
		return "", errEmptySigningKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, flashClaims{
		Messages:         messages,
		RegisteredClaims: registeredClaims(issuer, "flash", issuedAt, issuedAt.Add(ttl)),
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("flash_token.sign: %w", err)
	}
	return signed, nil
}

func parseFlashToken(tokenValue string, issuer string, signingKey []byte, now time.Time) ([]string, error) {
	claims := &flashClaims{}
	if err := parseSigned(tokenValue, claims, issuer, signingKey, now); err != nil {
		return nil, err
	}
	return claims.Messages, nil
}

func registeredClaims(issuer string, subject string, issuedAt time.Time, expiresAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
}

func parseSigned(tokenValue string, claims jwt.Claims, issuer string, signingKey []byte, now time.Time) error {
	if len(signingKey) == 0 {
		return errEmptySigningKey
	}
	parsedToken, err := jwt.ParseWithClaims(tokenValue, claims, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return ErrInvalidSessionToken
	}
	return nil
}
