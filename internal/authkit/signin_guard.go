package authkit

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// SignedOutElsewhereNotice is flashed when a newer sign-in superseded the request's session.
const SignedOutElsewhereNotice = "You've been signed out by another location."

// RequestSession is the per-request view of the client-held session storage.
type RequestSession interface {
	UserSession() (UserSession, bool)
	ClearUserSession()
	Flash(message string)
}

// SigninGuard resolves the sign-in state of one request. It performs no redirects.
type SigninGuard struct {
	validator SessionValidator
	logger    *zap.Logger
}

// NewSigninGuard constructs a guard backed by validator.
func NewSigninGuard(validator SessionValidator, logger *zap.Logger) *SigninGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SigninGuard{validator: validator, logger: logger}
}

// Check returns SignedIn, NotSignedIn, or SignedOutByThirdParty for the request's session.
// When the validator can repair keys, a failed validation is retried through Touch before the
// session is treated as superseded; a repair that fails for any other reason yields NotSignedIn
// and leaves the cookie in place.
func (guard *SigninGuard) Check(ctx context.Context, requestSession RequestSession) SigninState {
	userSession, present := requestSession.UserSession()
	if !present {
		return NotSignedIn{}
	}
	if guard.validator.IsValidSession(ctx, userSession.Key) {
		return SignedIn{Session: userSession}
	}
	if repairer, ok := guard.validator.(SessionRepairer); ok {
		touchErr := repairer.Touch(ctx, userSession.Key)
		switch {
		case touchErr == nil:
			guard.logger.Info("validity entry repaired",
				zap.String("code", "signin.validity_repaired"),
				zap.Int64("account_id", int64(userSession.Key.AccountID)),
				zap.Int64("session_version", int64(userSession.Key.Version)))
			return SignedIn{Session: userSession}
		case !errors.Is(touchErr, ErrRefreshTokenSuperseded) && !errors.Is(touchErr, ErrAccountNotFound):
			guard.logger.Warn("session state unavailable",
				zap.String("code", "signin.state_unavailable"),
				zap.Int64("account_id", int64(userSession.Key.AccountID)),
				zap.Error(touchErr))
			return NotSignedIn{}
		}
	}
	guard.logger.Info("session superseded",
		zap.String("code", "signin.signed_out_by_third_party"),
		zap.Int64("account_id", int64(userSession.Key.AccountID)),
		zap.Int64("session_version", int64(userSession.Key.Version)))
	requestSession.ClearUserSession()
	requestSession.Flash(SignedOutElsewhereNotice)
	return SignedOutByThirdParty{}
}
