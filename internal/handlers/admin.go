package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/internal/services"
	"github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/response"
)

// AdminHandler exposes user administration behind the admin-escalation check.
type AdminHandler struct {
	users *services.UserService
}

func NewAdminHandler(users *services.UserService) *AdminHandler {
	return &AdminHandler{users: users}
}

type setRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=none admin superadmin"`
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// GET /api/admin/users
func (h *AdminHandler) ListUsers(c *gin.Context) {
	offset := parseIntQuery(c, "offset", 0)
	limit := parseIntQuery(c, "limit", 50)

	users, total, err := h.users.ListUsers(requestContext(c), offset, limit)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"users": users,
		"total": total,
	})
}

// PUT /api/admin/users/:id/role
func (h *AdminHandler) SetRole(c *gin.Context) {
	targetID := c.Param("id")

	var req setRoleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	// Only a superadmin may grant or revoke the superadmin role.
	if req.Role == models.RoleSuperAdmin && c.GetString(middleware.CtxAdminRoleKey) != models.RoleSuperAdmin {
		response.Error(c, errors.ErrForbidden)
		return
	}

	user, err := h.users.SetRole(requestContext(c), targetID, req.Role)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": user})
}

// PUT /api/admin/users/:id/active
func (h *AdminHandler) SetActive(c *gin.Context) {
	targetID := c.Param("id")

	var req setActiveRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.users.SetActive(requestContext(c), targetID, *req.Active); err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": true})
}
