package web

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/macjediwizard/shiftsync/internal/activity"
	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/config"
	"github.com/macjediwizard/shiftsync/internal/db"
	"github.com/macjediwizard/shiftsync/internal/logging"
	"github.com/macjediwizard/shiftsync/internal/provider"
	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

// Runner executes recorded runs.
type Runner interface {
	Reconcile(ctx context.Context, rows []schedule.Row, calendarID string, updateExisting bool) (*reconcile.ReconcileResult, error)
	Preview(ctx context.Context, rows []schedule.Row, calendarID string) (*reconcile.PreviewResult, error)
}

// CalendarLister lists the calendars rows can be reconciled into.
type CalendarLister interface {
	Calendars(ctx context.Context) ([]provider.Calendar, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	oidc      *auth.OIDCProvider
	session   *auth.SessionManager
	tokens    *auth.TokenManager
	runner    Runner
	calendars CalendarLister
	tracker   *activity.Tracker
	log       *logrus.Entry
}

// Deps groups the collaborators of the HTTP handlers. OIDC and Tokens are
// nil when sign-in is disabled.
type Deps struct {
	Config    *config.Config
	DB        *db.DB
	OIDC      *auth.OIDCProvider
	Session   *auth.SessionManager
	Tokens    *auth.TokenManager
	Runner    Runner
	Calendars CalendarLister
	Tracker   *activity.Tracker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	tracker := d.Tracker
	if tracker == nil {
		tracker = activity.NewTracker()
	}
	return &Handlers{
		cfg:       d.Config,
		db:        d.DB,
		oidc:      d.OIDC,
		session:   d.Session,
		tokens:    d.Tokens,
		runner:    d.Runner,
		calendars: d.Calendars,
		tracker:   tracker,
		log:       logging.For("web"),
	}
}

// loginEnabled reports whether the Microsoft sign-in flow is wired.
func (h *Handlers) loginEnabled() bool {
	return h.oidc != nil && h.session != nil
}

// HealthCheck reports whether the database is reachable.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		h.log.WithError(err).Warn("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "ok"})
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	if !h.loginEnabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sign-in is not enabled"})
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to generate state")})
		return
	}

	if err := h.session.SetOAuthState(c.Writer, c.Request, state); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to save state")})
		return
	}

	c.Redirect(http.StatusFound, h.oidc.AuthCodeURL(state))
}

// Callback completes the OIDC code flow, stores the Graph token and opens
// a session.
func (h *Handlers) Callback(c *gin.Context) {
	if !h.loginEnabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sign-in is not enabled"})
		return
	}

	state := c.Query("state")
	savedState, err := h.session.GetOAuthState(c.Writer, c.Request)
	if err != nil || state == "" || state != savedState {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		h.log.WithFields(logrus.Fields{
			"error":       errParam,
			"description": c.Query("error_description"),
		}).Warn("Identity provider returned an error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed: " + errParam})
		return
	}

	ctx := c.Request.Context()
	token, err := h.oidc.Exchange(ctx, c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(h.log, err, "Failed to exchange code")})
		return
	}

	claims, err := h.oidc.VerifyIDToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(h.log, err, "Failed to verify token")})
		return
	}

	user, err := h.db.GetOrCreateUser(claims.Email, claims.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to create user")})
		return
	}

	if h.tokens != nil {
		if err := h.tokens.Store(ctx, token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to store token")})
			return
		}
	}

	if err := h.session.Set(c.Writer, c.Request, &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to create session")})
		return
	}

	h.log.WithField("email", user.Email).Info("User signed in")

	redirectURL := "/"
	if cookie, err := c.Cookie("redirect_after_login"); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie("redirect_after_login", "", -1, "/", "", h.session.Secure(), true)
	}

	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session and forgets the stored Graph token.
func (h *Handlers) Logout(c *gin.Context) {
	if !h.loginEnabled() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Sign-in is not enabled"})
		return
	}

	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(h.log, err, "Failed to logout")})
		return
	}
	if h.tokens != nil {
		if err := h.tokens.Forget(c.Request.Context()); err != nil {
			h.log.WithError(err).Warn("Failed to forget token")
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// sanitizeError logs err and returns the client-safe message.
func sanitizeError(log *logrus.Entry, err error, userMessage string) string {
	if err != nil {
		log.WithError(err).Warn(userMessage)
	}
	return userMessage
}
