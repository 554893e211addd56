package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/shiftsync/internal/auth"
)

// SetupRoutes configures all application routes. When sign-in is not
// configured the API is served without a session check.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	r.GET("/health", h.HealthCheck)

	rps, burst := h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}

	authGroup := r.Group("/auth")
	authGroup.Use(RateLimiter(5, 10))
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", ValidateOrigin(h.cfg.Server.BaseURL), h.Logout)
	}

	sessionCheck := func(c *gin.Context) { c.Next() }
	optional := sessionCheck
	if h.loginEnabled() {
		sessionCheck = auth.RequireAuth(h.session)
		optional = auth.OptionalAuth(h.session)
	} else {
		h.log.Warn("Sign-in is not configured; the API is served without authentication")
	}

	apiRateLimiter := RateLimiter(rps, burst)
	r.Group("/api").Use(apiRateLimiter, optional).GET("/me", h.APIStatus)

	protectedAPI := r.Group("/api")
	protectedAPI.Use(apiRateLimiter)
	protectedAPI.Use(sessionCheck)
	protectedAPI.Use(ValidateOrigin(h.cfg.Server.BaseURL))
	protectedAPI.Use(RequireJSONContentType())
	{
		protectedAPI.GET("/mappings", h.APIListMappings)
		protectedAPI.DELETE("/mappings", h.APIClearMappings)
		protectedAPI.GET("/preferences", h.APIGetPreferences)
		protectedAPI.PUT("/preferences", h.APIUpdatePreferences)
		protectedAPI.GET("/runs", h.APIListRuns)
		protectedAPI.GET("/activity", h.APIActivity)
	}

	// Calendar provider calls.
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(RateLimiter(2, 5))
	expensiveAPI.Use(sessionCheck)
	expensiveAPI.Use(ValidateOrigin(h.cfg.Server.BaseURL))
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.GET("/calendars", h.APIListCalendars)
		expensiveAPI.POST("/preview", h.APIPreview)
		expensiveAPI.POST("/reconcile", h.APIReconcile)
	}

	setupFrontend(r, "web/dist")
}

// setupFrontend serves a built single-page frontend from dir, if present.
func setupFrontend(r *gin.Engine, dir string) {
	notFound := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}

	if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
		r.NoRoute(notFound)
		return
	}

	r.Static("/assets", filepath.Join(dir, "assets"))
	r.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api") || strings.HasPrefix(path, "/auth") || path == "/health" {
			notFound(c)
			return
		}
		c.File(filepath.Join(dir, "index.html"))
	})
}
