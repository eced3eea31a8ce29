package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/internal/services"
	"github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/response"
)

// AuthHandler manages registration, the two-step login protocol, email
// verification, refresh, and logout.
type AuthHandler struct {
	users        *services.UserService
	verification *services.VerificationService
	login        *iauth.LoginService
	sessions     *iauth.SessionService
}

func NewAuthHandler(users *services.UserService, verification *services.VerificationService, login *iauth.LoginService, sessions *iauth.SessionService) *AuthHandler {
	return &AuthHandler{
		users:        users,
		verification: verification,
		login:        login,
		sessions:     sessions,
	}
}

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64,username"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Email    string `json:"email" validate:"omitempty,email"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type completeLoginRequest struct {
	ChallengeRef string `json:"challenge_ref" validate:"required"`
	TOTP         string `json:"totp"`
	BackupCode   string `json:"backup_code"`
	RecoveryKey  string `json:"recovery_key"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// POST /api/auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.users.Register(requestContext(c), services.RegisterInput{
		Username: req.Username,
		Password: req.Password,
		Email:    req.Email,
	})
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	verificationSent := false
	if user.Email != nil {
		token, issueErr := h.verification.Issue(requestContext(c), user.ID, *user.Email)
		if issueErr == nil {
			verificationSent = h.verification.Send(user.ID, *user.Email, token)
		}
	}

	response.Success(c, http.StatusCreated, gin.H{
		"user":              user,
		"verification_sent": verificationSent,
	})
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.login.Login(requestContext(c), req.Username, req.Password, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	if result.TwoFactorRequired {
		response.Success(c, http.StatusOK, gin.H{
			"two_factor_required": true,
			"challenge_ref":       result.ChallengeRef,
		})
		return
	}

	response.Success(c, http.StatusOK, loginPayload(result))
}

// POST /api/auth/login/2fa
func (h *AuthHandler) CompleteLogin(c *gin.Context) {
	var req completeLoginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	result, err := h.login.CompleteLogin(requestContext(c), req.ChallengeRef, twofactor.ChallengeInput{
		TOTPCode:    req.TOTP,
		BackupCode:  req.BackupCode,
		RecoveryKey: req.RecoveryKey,
	}, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, loginPayload(result))
}

// GET /api/auth/verify-email?token=...
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, errors.NewBadRequest("token is required"))
		return
	}

	redemption, err := h.verification.Redeem(requestContext(c), token)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	// The verified flag only flips when the account still carries the email
	// the token was issued for; an address changed in the meantime cannot be
	// retroactively validated.
	if err := h.users.MarkEmailVerified(requestContext(c), redemption.UserID, redemption.Email); err != nil {
		response.Error(c, errors.NewBadRequest("email no longer matches this verification token"))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"verified": true})
}

// POST /api/auth/resend-verification (authenticated)
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	user, err := h.users.GetByID(requestContext(c), userID)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	if user.Email == nil {
		response.Error(c, errors.NewBadRequest("no email address on account"))
		return
	}
	if user.EmailVerified {
		response.Success(c, http.StatusOK, gin.H{"verification_sent": false, "already_verified": true})
		return
	}

	token, err := h.verification.Issue(requestContext(c), user.ID, *user.Email)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	sent := h.verification.Send(user.ID, *user.Email, token)
	response.Success(c, http.StatusOK, gin.H{"verification_sent": sent})
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, _, err := h.sessions.RefreshSession(strings.TrimSpace(req.RefreshToken))
	if err != nil {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID := c.GetString(middleware.CtxSessionIDKey)
	if sessionID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	if err := h.sessions.RevokeSession(sessionID); err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"logged_out": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	user, err := h.users.GetByID(requestContext(c), userID)
	if err != nil {
		response.Error(c, errors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"user": user})
}

func loginPayload(result *iauth.LoginResult) gin.H {
	payload := gin.H{
		"tokens": tokenResponse{
			AccessToken:  result.Tokens.AccessToken,
			RefreshToken: result.Tokens.RefreshToken,
		},
		"user": result.User,
	}
	if result.RotatedRecoveryKey != "" {
		payload["rotated_recovery_key"] = result.RotatedRecoveryKey
	}
	return payload
}
