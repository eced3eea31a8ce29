package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/handlers"
	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/internal/services"
)

// Services bundles the wired service layer for route registration.
type Services struct {
	DB           *gorm.DB
	JWT          *iauth.JWTService
	Sessions     *iauth.SessionService
	Login        *iauth.LoginService
	TwoFactor    *twofactor.Service
	Users        *services.UserService
	Verification *services.VerificationService
	RateStore    middleware.RateStore
}

// RateLimits tunes the per-route limiter windows. Zero values disable the
// corresponding limiter.
type RateLimits struct {
	Global     int
	AuthBurst  int
	AuthWindow time.Duration
}

// DefaultRateLimits allows 100 requests/minute per IP+path globally and 10
// attempts/minute on enumeration-sensitive auth routes.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Global:     100,
		AuthBurst:  10,
		AuthWindow: time.Minute,
	}
}

// NewRouter builds the Gin engine, wires middleware, and registers routes.
func NewRouter(svc Services, limits RateLimits) (*gin.Engine, error) {
	if svc.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if svc.JWT == nil || svc.Sessions == nil || svc.Login == nil || svc.TwoFactor == nil || svc.Users == nil || svc.Verification == nil {
		return nil, fmt.Errorf("all services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(svc.RateStore, limits.Global, time.Minute))

	r.NoRoute(middleware.NotFoundHandler)

	// Public operational endpoints
	r.GET("/health", handlers.Health(svc.DB))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := handlers.NewAuthHandler(svc.Users, svc.Verification, svc.Login, svc.Sessions)
	twoFactorHandler := handlers.NewTwoFactorHandler(svc.TwoFactor)
	profileHandler := handlers.NewProfileHandler(svc.Users, svc.Sessions)
	adminHandler := handlers.NewAdminHandler(svc.Users)

	// Enumeration-sensitive routes get a tighter limiter on top of the
	// global one.
	authLimit := middleware.RateLimit(svc.RateStore, limits.AuthBurst, limits.AuthWindow)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/register", authLimit, authHandler.Register)
		auth.POST("/login", authLimit, authHandler.Login)
		auth.POST("/login/2fa", authLimit, authHandler.CompleteLogin)
		auth.GET("/verify-email", authLimit, authHandler.VerifyEmail)
		auth.POST("/refresh", authHandler.Refresh)
	}

	requireAuth := middleware.Auth(svc.JWT)

	api := r.Group("/api")
	api.Use(requireAuth)

	// Authenticated auth routes
	api.GET("/auth/me", authHandler.Me)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/resend-verification", authHandler.ResendVerification)

	// Self-service profile routes
	profile := api.Group("/profile")
	{
		profile.POST("/password", profileHandler.ChangePassword)
		profile.POST("/sessions/revoke-all", profileHandler.RevokeAllSessions)
		profile.POST("/2fa/setup", twoFactorHandler.Setup)
		profile.POST("/2fa/confirm", twoFactorHandler.Confirm)
		profile.POST("/2fa/disable", twoFactorHandler.Disable)
	}

	// Administration requires the escalation check on every route
	admin := api.Group("/admin")
	admin.Use(middleware.RequireAdmin(svc.Sessions))
	{
		admin.GET("/users", adminHandler.ListUsers)
		admin.PUT("/users/:id/role", adminHandler.SetRole)
		admin.PUT("/users/:id/active", adminHandler.SetActive)
	}

	return r, nil
}
