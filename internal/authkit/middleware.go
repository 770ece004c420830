package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const signinStateContextKey = "signin_state"

// ResolveSignin runs the guard and stores the SigninState in the gin context.
func ResolveSignin(guard *SigninGuard, sessions *CookieSessionStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		resolveSignin(contextGin, guard, sessions)
		contextGin.Next()
	}
}

// RequireSignin aborts with 401 unless the request carries a still-valid session.
func RequireSignin(guard *SigninGuard, sessions *CookieSessionStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := resolveSignin(contextGin, guard, sessions).(SignedIn); !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signin_required"})
			return
		}
		contextGin.Next()
	}
}

func resolveSignin(contextGin *gin.Context, guard *SigninGuard, sessions *CookieSessionStore) SigninState {
	if existing, ok := contextGin.Get(signinStateContextKey); ok {
		if state, typed := existing.(SigninState); typed {
			return state
		}
	}
	state := guard.Check(contextGin.Request.Context(), sessions.Load(contextGin))
	contextGin.Set(signinStateContextKey, state)
	return state
}

// SigninStateFromContext returns the state resolved by ResolveSignin or RequireSignin.
func SigninStateFromContext(contextGin *gin.Context) SigninState {
	if existing, ok := contextGin.Get(signinStateContextKey); ok {
		if state, typed := existing.(SigninState); typed {
			return state
		}
	}
	return NotSignedIn{}
}

// CurrentUserSession returns the signed-in session resolved for the request.
func CurrentUserSession(contextGin *gin.Context) (UserSession, bool) {
	signedIn, ok := SigninStateFromContext(contextGin).(SignedIn)
	if !ok {
		return UserSession{}, false
	}
	return signedIn.Session, true
}
