package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reaktor/dewey/internal/authkit"
)

type whoAmIResponse struct {
	AccountID      int64  `json:"account_id"`
	SessionVersion int64  `json:"session_version"`
	DisplayName    string `json:"display_name"`
	FullName       string `json:"full_name"`
	PublicEmail    string `json:"public_email"`
	PhotoURL       string `json:"photo_url,omitempty"`
}

// HandleWhoAmI returns the signed-in account's profile. Mount behind authkit.RequireSignin.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		userSession, ok := authkit.CurrentUserSession(contextGin)
		if !ok {
			logger.Warn("whoami without signed-in session",
				zap.String("code", "api.me.not_signed_in"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signin_required"})
			return
		}
		contextGin.JSON(http.StatusOK, whoAmIResponse{
			AccountID:      int64(userSession.Key.AccountID),
			SessionVersion: int64(userSession.Key.Version),
			DisplayName:    userSession.Profile.DisplayName,
			FullName:       userSession.Profile.FullName,
			PublicEmail:    userSession.Profile.PublicEmail,
			PhotoURL:       userSession.Profile.PhotoURL,
		})
	}
}

// HandleNotices drains the pending flash notices for the request.
func HandleNotices(sessions *authkit.CookieSessionStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		notices := sessions.Load(contextGin).TakeFlashes()
		if notices == nil {
			notices = []string{}
		}
		contextGin.JSON(http.StatusOK, gin.H{"notices": notices})
	}
}

// HandleHome reports the sign-in state and pending notices for the landing page.
func HandleHome(sessions *authkit.CookieSessionStore) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		_, signedIn := authkit.CurrentUserSession(contextGin)
		notices := sessions.Load(contextGin).TakeFlashes()
		if notices == nil {
			notices = []string{}
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"signed_in": signedIn,
			"login":     contextGin.Query("login"),
			"notices":   notices,
		})
	}
}

// MountAPIRoutes registers the landing page and the JSON endpoints under /api. Notices resolve the
// sign-in state first so a "signed out elsewhere" notice is delivered on the same read.
func MountAPIRoutes(router gin.IRouter, guard *authkit.SigninGuard, sessions *authkit.CookieSessionStore, logger *zap.Logger) {
	router.GET("/", authkit.ResolveSignin(guard, sessions), HandleHome(sessions))
	api := router.Group("/api")
	api.GET("/me", authkit.RequireSignin(guard, sessions), HandleWhoAmI(logger))
	api.GET("/notices", authkit.ResolveSignin(guard, sessions), HandleNotices(sessions))
}
