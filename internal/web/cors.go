package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("cors.no_origins")
	errInvalidOrigin       = errors.New("cors.invalid_origin")
)

// ConfigureCORS allows credentialed cross-origin reads of the JSON API from the given origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}), nil
}

func normalizeOrigins(logger *zap.Logger, allowedOrigins []string) ([]string, error) {
	seen := make(map[string]struct{}, len(allowedOrigins))
	origins := make([]string, 0, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, hostname, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		seen[origin] = struct{}{}
		if strings.HasPrefix(origin, "http://") && hostname != "localhost" && hostname != "127.0.0.1" {
			logger.Warn("plain http cors origin",
				zap.String("code", "cors.origin.insecure"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

// normalizeOrigin reduces an origin to scheme://host and rejects anything carrying more.
func normalizeOrigin(value string) (string, string, error) {
	if value == "*" {
		return "", "", errWildcardOrigin
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %s", errInvalidOrigin, value)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https":
		return "", "", fmt.Errorf("%w: %s: scheme must be http or https", errInvalidOrigin, value)
	case parsed.Path != "" && parsed.Path != "/":
		return "", "", fmt.Errorf("%w: %s: path not allowed", errInvalidOrigin, value)
	case parsed.RawQuery != "" || parsed.Fragment != "" || parsed.User != nil:
		return "", "", fmt.Errorf("%w: %s: query, fragment, and userinfo not allowed", errInvalidOrigin, value)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), strings.ToLower(parsed.Hostname()), nil
}
