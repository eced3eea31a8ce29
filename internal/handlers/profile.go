package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/internal/services"
	"github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/response"
)

// ProfileHandler covers self-service account changes.
type ProfileHandler struct {
	users    *services.UserService
	sessions *iauth.SessionService
}

func NewProfileHandler(users *services.UserService, sessions *iauth.SessionService) *ProfileHandler {
	return &ProfileHandler{users: users, sessions: sessions}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

// POST /api/profile/password
func (h *ProfileHandler) ChangePassword(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.users.ChangePassword(requestContext(c), userID, req.CurrentPassword, req.NewPassword); err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	// Other devices keep working on their refresh tokens until the user
	// explicitly revokes them; only the password changed here.
	response.Success(c, http.StatusOK, gin.H{"changed": true})
}

// POST /api/profile/sessions/revoke-all
func (h *ProfileHandler) RevokeAllSessions(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeUserSessions(userID); err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}
