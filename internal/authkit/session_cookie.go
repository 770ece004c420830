package authkit

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultSessionCookieName = "dewey_session"
	DefaultFlashCookieName   = "dewey_flash"

	flashTTL                 = 5 * time.Minute
	requestSessionContextKey = "dewey_request_session"
)

// CookieSessionStore keeps the UserSession and pending notices in signed cookies.
type CookieSessionStore struct {
	configuration ServerConfig
	clock         Clock
	logger        *zap.Logger
}

// NewCookieSessionStore constructs a cookie-backed session store.
func NewCookieSessionStore(configuration ServerConfig, clock Clock, logger *zap.Logger) *CookieSessionStore {
	if configuration.SessionCookieName == "" {
		configuration.SessionCookieName = DefaultSessionCookieName
	}
	if configuration.FlashCookieName == "" {
		configuration.FlashCookieName = DefaultFlashCookieName
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CookieSessionStore{configuration: configuration, clock: clock, logger: logger}
}

// Load returns the request's session view, reusing one already attached to the gin context.
func (store *CookieSessionStore) Load(contextGin *gin.Context) *CookieRequestSession {
	if existing, ok := contextGin.Get(requestSessionContextKey); ok {
		if requestSession, typed := existing.(*CookieRequestSession); typed {
			return requestSession
		}
	}
	requestSession := &CookieRequestSession{store: store, contextGin: contextGin}
	requestSession.readCookies()
	contextGin.Set(requestSessionContextKey, requestSession)
	return requestSession
}

// CookieRequestSession implements RequestSession over the request's cookies.
type CookieRequestSession struct {
	store       *CookieSessionStore
	contextGin  *gin.Context
	userSession *UserSession
	flashes     []string
}

func (requestSession *CookieRequestSession) readCookies() {
	configuration := requestSession.store.configuration
	now := requestSession.store.clock.Now()
	if sessionCookie, err := requestSession.contextGin.Request.Cookie(configuration.SessionCookieName); err == nil && strings.TrimSpace(sessionCookie.Value) != "" {
		userSession, parseErr := ParseSessionToken(sessionCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey, now)
		if parseErr != nil {
			requestSession.store.logger.Debug("session cookie rejected", zap.String("code", "session_cookie.invalid"), zap.Error(parseErr))
		} else {
			requestSession.userSession = &userSession
		}
	}
	if flashCookie, err := requestSession.contextGin.Request.Cookie(configuration.FlashCookieName); err == nil && strings.TrimSpace(flashCookie.Value) != "" {
		messages, parseErr := parseFlashToken(flashCookie.Value, configuration.SessionIssuer, configuration.SessionSigningKey, now)
		if parseErr == nil {
			requestSession.flashes = messages
		}
	}
}

// UserSession returns the verified session carried by the request, if any.
func (requestSession *CookieRequestSession) UserSession() (UserSession, bool) {
	if requestSession.userSession == nil {
		return UserSession{}, false
	}
	return *requestSession.userSession, true
}

// SetUserSession signs session into the session cookie.
func (requestSession *CookieRequestSession) SetUserSession(session UserSession) error {
	configuration := requestSession.store.configuration
	signed, expiresAt, err := MintSessionToken(session, configuration.SessionIssuer, configuration.SessionSigningKey, configuration.SessionTTL, requestSession.store.clock.Now())
	if err != nil {
		return err
	}
	requestSession.writeCookie(configuration.SessionCookieName, signed, expiresAt)
	requestSession.userSession = &session
	return nil
}

// ClearUserSession expires the session cookie.
func (requestSession *CookieRequestSession) ClearUserSession() {
	requestSession.userSession = nil
	requestSession.clearCookie(requestSession.store.configuration.SessionCookieName)
}

// Flash queues a notice for the next rendered response.
func (requestSession *CookieRequestSession) Flash(message string) {
	requestSession.flashes = append(requestSession.flashes, message)
	requestSession.writeFlashes()
}

// TakeFlashes returns the queued notices and clears them.
func (requestSession *CookieRequestSession) TakeFlashes() []string {
	messages := requestSession.flashes
	requestSession.flashes = nil
	if len(messages) > 0 {
		requestSession.clearCookie(requestSession.store.configuration.FlashCookieName)
	}
	return messages
}

func (requestSession *CookieRequestSession) writeFlashes() {
	configuration := requestSession.store.configuration
	now := requestSession.store.clock.Now()
	signed, err := mintFlashToken(requestSession.flashes, configuration.SessionIssuer, configuration.SessionSigningKey, flashTTL, now)
	if err != nil {
		requestSession.store.logger.Warn("flash cookie not written", zap.String("code", "session_cookie.flash_failed"), zap.Error(err))
		return
	}
	requestSession.writeCookie(configuration.FlashCookieName, signed, now.Add(flashTTL))
}

func (requestSession *CookieRequestSession) writeCookie(name string, value string, expiresAt time.Time) {
	configuration := requestSession.store.configuration
	http.SetCookie(requestSession.contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func (requestSession *CookieRequestSession) clearCookie(name string) {
	configuration := requestSession.store.configuration
	http.SetCookie(requestSession.contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
