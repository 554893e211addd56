package web

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/macjediwizard/shiftsync/internal/logging"
)

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=()")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'self'")
		c.Next()
	}
}

// RateLimiter creates a rate limiting middleware.
func RateLimiter(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs method, path, status and duration. Query strings and
// bodies carry schedule data and are never logged.
func RequestLogger() gin.HandlerFunc {
	log := logging.For("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"method":   method,
			"path":     path,
			"status":   status,
			"duration": time.Since(start).Round(time.Millisecond),
		})
		switch {
		case status >= http.StatusInternalServerError:
			entry.Warn("Request failed")
		default:
			entry.Debug("Request")
		}
	}
}

// RequireJSONContentType validates that POST/PUT/PATCH requests have JSON content type.
func RequireJSONContentType() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut || c.Request.Method == http.MethodPatch {
			contentType := c.GetHeader("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{
					"error": "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}

// ValidateOrigin rejects state-changing requests whose Origin (or Referer)
// is not the server's own base URL or listed in ALLOWED_ORIGINS.
func ValidateOrigin(baseURL string) gin.HandlerFunc {
	allowed := getAllowedOrigins(baseURL)
	log := logging.For("http")

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = originOf(c.GetHeader("Referer"))
		}

		if origin == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing Origin header",
			})
			return
		}

		for _, a := range allowed {
			if origin == a {
				c.Next()
				return
			}
		}

		log.WithField("origin", origin).Warn("Rejected cross-origin request")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Invalid origin",
		})
	}
}

// getAllowedOrigins returns the origins accepted for state-changing requests.
func getAllowedOrigins(baseURL string) []string {
	var origins []string
	if o := originOf(baseURL); o != "" {
		origins = append(origins, o)
	}

	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		for _, o := range strings.Split(env, ",") {
			if o = originOf(strings.TrimSpace(o)); o != "" {
				origins = append(origins, o)
			}
		}
	}

	if len(origins) == 0 {
		origins = []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
		}
	}
	return origins
}

// originOf reduces an http(s) URL to scheme://host, or returns "".
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// IsSafeRedirectURL validates that a URL is safe for redirects (relative paths only).
func IsSafeRedirectURL(target string) bool {
	if target == "" {
		return false
	}
	if !strings.HasPrefix(target, "/") {
		return false
	}
	// Protocol-relative URLs leave the site.
	if strings.HasPrefix(target, "//") {
		return false
	}
	if strings.Contains(strings.ToLower(target), "%2f%2f") {
		return false
	}
	if strings.Contains(target, "\\") {
		return false
	}
	return true
}
