package authkit

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	loginChannelWeb = "web"

	LoginReasonCodeExpired         = "code_expired"
	LoginReasonConsentCancelled    = "consent_cancelled"
	LoginReasonMissingEmail        = "missing_email"
	LoginReasonProviderUnavailable = "provider_unavailable"
	LoginReasonSessionFailure      = "session_failure"
	LoginReasonInvalidState        = "invalid_state"

	noticeAlreadySignedIn = "You're signed in!"
	noticeSignedUp        = "You've signed up!"
	noticeSignedIn        = "You've signed in!"
	noticeSignedOut       = "You have signed out."
	noticeConsentRequired = "You may have been signed out by another location. Please try signing in again."
)

var loginFailureNotices = map[string]string{
	LoginReasonCodeExpired:         "Your sign-in attempt expired. Please try signing in again.",
	LoginReasonConsentCancelled:    "Sign-in was cancelled.",
	LoginReasonMissingEmail:        "Your Google account has no email address we can use.",
	LoginReasonProviderUnavailable: "Google sign-in is unavailable right now. Please try again.",
	LoginReasonSessionFailure:      "An unexpected error occurred while signing you in.",
	LoginReasonInvalidState:        "Your sign-in attempt could not be verified. Please try again.",
}

// AuthorizationProvider starts and completes the provider's authorization code flow.
type AuthorizationProvider interface {
	AuthorizationURL(state string, forceConsent bool) string
	ExchangeCode(ctx context.Context, code string) (ExchangeResult, error)
}

// AuthRouteDependencies are the collaborators of the login routes.
type AuthRouteDependencies struct {
	Provider AuthorizationProvider
	Sessions SessionService
	Guard    *SigninGuard
	Cookies  *CookieSessionStore
	States   StateStore
	Metrics  MetricsRecorder
	Logger   *zap.Logger
}

// MountAuthRoutes registers /login, /login/google, /login/google/callback, and /logout.
func MountAuthRoutes(router gin.IRouter, dependencies AuthRouteDependencies) {
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	routes := &authRoutes{dependencies: dependencies}
	router.GET("/login", routes.login)
	router.GET("/login/google", routes.loginGoogle)
	router.GET(CallbackPath, routes.loginGoogleCallback)
	router.GET("/logout", routes.logout)
}

type authRoutes struct {
	dependencies AuthRouteDependencies
}

func (routes *authRoutes) login(contextGin *gin.Context) {
	requestSession := routes.dependencies.Cookies.Load(contextGin)
	switch routes.dependencies.Guard.Check(contextGin.Request.Context(), requestSession).(type) {
	case SignedIn:
		requestSession.Flash(noticeAlreadySignedIn)
		contextGin.Redirect(http.StatusFound, "/")
	case SignedOutByThirdParty:
		contextGin.Redirect(http.StatusFound, "/login/google?expired=1")
	case NotSignedIn:
		contextGin.Redirect(http.StatusFound, "/login/google")
	default:
		contextGin.AbortWithStatus(http.StatusInternalServerError)
	}
}

func (routes *authRoutes) loginGoogle(contextGin *gin.Context) {
	state, err := routes.dependencies.States.Issue(contextGin.Request.Context())
	if err != nil {
		routes.dependencies.Logger.Error("oauth state issue failed", zap.String("code", "login.state_issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	forceConsent := contextGin.Query("consent") == "1"
	contextGin.Redirect(http.StatusFound, routes.dependencies.Provider.AuthorizationURL(state, forceConsent))
}

func (routes *authRoutes) loginGoogleCallback(contextGin *gin.Context) {
	requestContext := contextGin.Request.Context()
	requestSession := routes.dependencies.Cookies.Load(contextGin)
	logger := routes.dependencies.Logger.With(zap.String("client_ip", contextGin.ClientIP()))

	if providerError := contextGin.Query("error"); providerError != "" {
		logger.Info("provider returned error", zap.String("code", "login.callback.provider_error"), zap.String("provider_error", providerError))
		if providerError == "access_denied" {
			routes.failLogin(contextGin, requestSession, LoginReasonConsentCancelled)
			return
		}
		routes.failLogin(contextGin, requestSession, LoginReasonProviderUnavailable)
		return
	}
	if stateErr := routes.dependencies.States.Consume(requestContext, contextGin.Query("state")); stateErr != nil {
		logger.Warn("oauth state rejected", zap.String("code", "login.callback.invalid_state"), zap.Error(stateErr))
		routes.failLogin(contextGin, requestSession, LoginReasonInvalidState)
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	if code == "" {
		routes.failLogin(contextGin, requestSession, LoginReasonCodeExpired)
		return
	}

	exchangeResult, exchangeErr := routes.dependencies.Provider.ExchangeCode(requestContext, code)
	if exchangeErr != nil {
		logger.Warn("code exchange failed", zap.String("code", "login.callback.exchange_failed"), zap.Error(exchangeErr))
		routes.failLogin(contextGin, requestSession, loginReasonFor(exchangeErr))
		return
	}
	createRequest, mapErr := CreateSessionRequestFromExchange(exchangeResult, contextGin.ClientIP(), loginChannelWeb)
	if mapErr != nil {
		logger.Error("unexpected exchange result", zap.String("code", "login.callback.exchange_variant"), zap.Error(mapErr))
		routes.failLogin(contextGin, requestSession, LoginReasonSessionFailure)
		return
	}

	createResult, createErr := routes.dependencies.Sessions.CreateSession(requestContext, createRequest)
	if createErr != nil {
		routes.failLogin(contextGin, requestSession, loginReasonFor(createErr))
		return
	}
	switch typed := createResult.(type) {
	case SessionCreated:
		if setErr := requestSession.SetUserSession(typed.Session); setErr != nil {
			logger.Error("session cookie not written", zap.String("code", "login.callback.cookie_failed"), zap.Error(setErr))
			routes.failLogin(contextGin, requestSession, LoginReasonSessionFailure)
			return
		}
		if createRequest.HasRefreshToken() {
			requestSession.Flash(noticeSignedUp)
			routes.dependencies.Metrics.Increment("login.signed_up")
			contextGin.Redirect(http.StatusFound, "/?login=signed-up")
			return
		}
		requestSession.Flash(noticeSignedIn)
		routes.dependencies.Metrics.Increment("login.signed_in")
		contextGin.Redirect(http.StatusFound, "/?login=signed-in")
	case RefreshTokenRequired:
		requestSession.Flash(noticeConsentRequired)
		routes.dependencies.Metrics.Increment("login.consent_required")
		contextGin.Redirect(http.StatusFound, "/login/google?consent=1")
	default:
		logger.Error("unexpected create session result", zap.String("code", "login.callback.result_variant"))
		routes.failLogin(contextGin, requestSession, LoginReasonSessionFailure)
	}
}

func (routes *authRoutes) logout(contextGin *gin.Context) {
	requestSession := routes.dependencies.Cookies.Load(contextGin)
	requestSession.ClearUserSession()
	requestSession.Flash(noticeSignedOut)
	contextGin.Redirect(http.StatusFound, "/")
}

func (routes *authRoutes) failLogin(contextGin *gin.Context, requestSession *CookieRequestSession, reason string) {
	routes.dependencies.Metrics.Increment("login.failed." + reason)
	requestSession.Flash(loginFailureNotices[reason])
	contextGin.Redirect(http.StatusFound, "/?login="+url.QueryEscape(reason))
}

// loginReasonFor maps an exchange or session error to the reason shown to the user.
// Only a rejected grant or a missing code means the user should simply retry; other rejections
// (bad client credentials, unauthorized client) are server-side failures.
func loginReasonFor(err error) string {
	var providerErr *ProviderError
	switch {
	case errors.Is(err, ErrProfileMissingField):
		return LoginReasonMissingEmail
	case errors.As(err, &providerErr) && providerErr.Kind == ProviderErrorRejected:
		switch providerErr.Code {
		case "invalid_grant", "missing_code":
			return LoginReasonCodeExpired
		default:
			return LoginReasonSessionFailure
		}
	case errors.Is(err, ErrProviderTransport), errors.Is(err, ErrProviderMalformed):
		return LoginReasonProviderUnavailable
	default:
		return LoginReasonSessionFailure
	}
}
