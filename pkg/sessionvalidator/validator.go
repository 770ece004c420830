package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// VersionChecker reports the current session version of an account.
// found=false means no version is known, which callers treat as superseded.
type VersionChecker interface {
	CurrentVersion(ctx context.Context, accountID int64) (version int64, found bool, err error)
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
	// Versions enables the revocation check. Nil validates the signature only.
	Versions VersionChecker
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "dewey_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "dewey_session"

const validityKeyPrefix = "ut#"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingCookie     = errors.New("session.validator.missing_cookie")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrSessionSuperseded = errors.New("session.validator.superseded")
	errNilRedisClient    = errors.New("session.validator.nil_redis_client")
)

// Validator validates Dewey session cookies.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
	versions   VersionChecker
}

// Claims represent the session payload embedded inside Dewey session cookies.
type Claims struct {
	AccountID   int64  `json:"i"`
	Version     int64  `json:"v"`
	PublicEmail string `json:"pe"`
	DisplayName string `json:"dn"`
	FullName    string `json:"fn"`
	PhotoURL    string `json:"pu,omitempty"`
	jwt.RegisteredClaims
}

// GetAccountID returns the account identifier from the session.
func (claims *Claims) GetAccountID() int64 {
	if claims == nil {
		return 0
	}
	return claims.AccountID
}

// GetSessionVersion returns the session version the cookie was minted for.
func (claims *Claims) GetSessionVersion() int64 {
	if claims == nil {
		return 0
	}
	return claims.Version
}

// GetPublicEmail returns the email associated with the session.
func (claims *Claims) GetPublicEmail() string {
	if claims == nil {
		return ""
	}
	return claims.PublicEmail
}

// GetDisplayName returns the display name stored in the session.
func (claims *Claims) GetDisplayName() string {
	if claims == nil {
		return ""
	}
	return claims.DisplayName
}

func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
		versions:   configuration.Versions,
	}, nil
}

// ValidateToken checks the signature, issuer, and lifetime of the JWT string.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	return claims, nil
}

// ValidateSession validates the token and, when a VersionChecker is configured,
// rejects sessions whose version is no longer current. Lookup failures reject too.
func (validator *Validator) ValidateSession(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if validator.versions == nil {
		return claims, nil
	}
	current, found, lookupErr := validator.versions.CurrentVersion(ctx, claims.AccountID)
	if lookupErr != nil {
		return nil, fmt.Errorf("session.validator.validate_session: %w: %w", ErrSessionSuperseded, lookupErr)
	}
	if !found || current != claims.Version {
		return nil, fmt.Errorf("session.validator.validate_session: %w", ErrSessionSuperseded)
	}
	return claims, nil
}

// ValidateRequest reads the configured cookie from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateSession(request.Context(), cookie.Value)
}

// GinMiddleware returns a Gin middleware that validates the session cookie and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// RedisVersionChecker reads the validity entries Dewey publishes to Redis.
type RedisVersionChecker struct {
	client redis.UniversalClient
}

// NewRedisVersionChecker wraps an existing client pointed at Dewey's validity cache.
func NewRedisVersionChecker(client redis.UniversalClient) (*RedisVersionChecker, error) {
	if client == nil {
		return nil, errNilRedisClient
	}
	return &RedisVersionChecker{client: client}, nil
}

// CurrentVersion returns the published version; malformed entries count as absent.
func (checker *RedisVersionChecker) CurrentVersion(ctx context.Context, accountID int64) (int64, bool, error) {
	raw, err := checker.client.Get(ctx, validityKeyPrefix+strconv.FormatInt(accountID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session.validator.redis: %w", err)
	}
	version, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		return 0, false, nil
	}
	return version, true, nil
}
