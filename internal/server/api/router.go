package api

import (
	"saltvault/internal/server/config"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(RequestLogger())

	// One per-IP budget for every endpoint that checks a password.
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	requireSession := RequireSession(handler.sessions)
	e.Server.RegisterOnShutdown(limiter.Close)

	// Health
	e.GET("/health", handler.HandleHealth)

	// Accounts (rate-limited)
	e.POST("/api/register", handler.HandleRegister, limiter.Middleware())
	e.POST("/api/auth", handler.HandleRegister, limiter.Middleware())
	e.POST("/api/login", handler.HandleLogin, limiter.Middleware())

	// Files (session-gated)
	e.POST("/api/upload_file", handler.HandleUpload, limiter.Middleware(), requireSession)
	e.POST("/api/download_file", handler.HandleDownload, limiter.Middleware(), requireSession)
	e.GET("/api/files", handler.HandleList, requireSession)
	e.DELETE("/api/files/:name", handler.HandleDelete, requireSession)

	return e
}
