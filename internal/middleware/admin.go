package middleware

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"

	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/response"
)

const CtxAdminRoleKey = "adminRole"

// RequireAdmin elevates an authenticated session to an administrative
// principal. The check is derived from the record store on first use and
// served from the session's cached snapshot afterwards; it never trusts
// anything client-supplied beyond the session identity itself.
func RequireAdmin(sessions *iauth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.GetString(CtxSessionIDKey)
		if sessionID == "" {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		principal, err := sessions.RequireAdmin(c.Request.Context(), sessionID)
		if err != nil {
			switch {
			case stderrors.Is(err, iauth.ErrNotAdmin):
				response.Error(c, errors.ErrForbidden)
			case stderrors.Is(err, iauth.ErrSessionNotFound),
				stderrors.Is(err, iauth.ErrSessionRevoked),
				stderrors.Is(err, iauth.ErrSessionExpired),
				stderrors.Is(err, iauth.ErrSessionInvalidToken):
				response.Error(c, errors.ErrUnauthorized)
			default:
				response.Error(c, errors.FromError(err))
			}
			c.Abort()
			return
		}

		c.Set(CtxAdminRoleKey, principal.Role)
		c.Next()
	}
}
