package handlers

import (
	"encoding/base64"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/response"
)

// TwoFactorHandler exposes enrollment, confirmation, and disablement of the
// second factor for the authenticated user.
type TwoFactorHandler struct {
	twoFactor *twofactor.Service
}

func NewTwoFactorHandler(twoFactor *twofactor.Service) *TwoFactorHandler {
	return &TwoFactorHandler{twoFactor: twoFactor}
}

type confirmSetupRequest struct {
	Code string `json:"code" validate:"required,min=6,max=8"`
}

type disableRequest struct {
	TOTP     string `json:"totp"`
	Password string `json:"password"`
}

// POST /api/profile/2fa/setup
func (h *TwoFactorHandler) Setup(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	result, err := h.twoFactor.BeginSetup(requestContext(c), userID)
	if err != nil {
		if stderrors.Is(err, twofactor.ErrAlreadyEnabled) {
			response.Error(c, errors.NewConflict("Two-factor authentication is already enabled"))
			return
		}
		response.Error(c, errors.FromError(err))
		return
	}

	payload := gin.H{
		"secret":           result.Secret,
		"provisioning_uri": result.ProvisioningURI,
		"backup_codes":     result.BackupCodes,
		"recovery_key":     result.RecoveryKey,
	}
	if len(result.QRCodePNG) > 0 {
		payload["qr_code"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(result.QRCodePNG)
	}

	response.Success(c, http.StatusOK, payload)
}

// POST /api/profile/2fa/confirm
func (h *TwoFactorHandler) Confirm(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req confirmSetupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	codes, err := h.twoFactor.ConfirmSetup(requestContext(c), userID, req.Code)
	if err != nil {
		if stderrors.Is(err, twofactor.ErrVerificationFailed) {
			response.Error(c, errors.NewBadRequest("verification code rejected"))
			return
		}
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"enabled":      true,
		"backup_codes": codes,
	})
}

// POST /api/profile/2fa/disable
func (h *TwoFactorHandler) Disable(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var req disableRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.twoFactor.Disable(requestContext(c), userID, twofactor.DisableProof{
		TOTPCode: req.TOTP,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case stderrors.Is(err, twofactor.ErrNotEnabled):
			response.Error(c, errors.NewBadRequest("two-factor authentication is not enabled"))
		case stderrors.Is(err, twofactor.ErrVerificationFailed):
			response.Error(c, errors.NewBadRequest("proof rejected"))
		default:
			response.Error(c, errors.FromError(err))
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"enabled": false})
}
