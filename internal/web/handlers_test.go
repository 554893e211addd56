package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/macjediwizard/shiftsync/internal/auth"
	"github.com/macjediwizard/shiftsync/internal/db"
)

const testSessionSecret = "0123456789abcdef0123456789abcdef"

// loginHandlers wires handlers with sign-in enabled against a stub
// identity provider.
type loginHandlers struct {
	db      *db.DB
	session *auth.SessionManager
	router  *gin.Engine
	issuer  string
}

func setupLoginHandlers(t *testing.T) *loginHandlers {
	t.Helper()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                srv.URL,
			"authorization_endpoint":                srv.URL + "/authorize",
			"token_endpoint":                        srv.URL + "/token",
			"jwks_uri":                              srv.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	}))
	t.Cleanup(srv.Close)

	oidc, err := auth.NewOIDCProvider(context.Background(), srv.URL, "client", "secret", testOrigin+"/auth/callback", auth.GraphScopes...)
	if err != nil {
		t.Fatalf("NewOIDCProvider() error = %v", err)
	}

	database := setupTestDatabase(t)
	session := auth.NewSessionManager(testSessionSecret, false)
	h := NewHandlers(Deps{
		Config:    testConfig(),
		DB:        database,
		OIDC:      oidc,
		Session:   session,
		Tokens:    auth.NewTokenManager(oidc.OAuth2Config(), database),
		Runner:    &fakeRunner{},
		Calendars: &fakeCalendars{},
	})

	r := gin.New()
	SetupRoutes(r, h)
	return &loginHandlers{db: database, session: session, router: r, issuer: srv.URL}
}

// sessionCookies signs in a user and returns the resulting cookies.
func (lh *loginHandlers) sessionCookies(t *testing.T) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	data := &auth.SessionData{UserID: "u1", Email: "jo@example.com", Name: "Jo"}
	if err := lh.session.Set(rec, httptest.NewRequest(http.MethodGet, "/", nil), data); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	return rec.Result().Cookies()
}

func serve(r http.Handler, req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNewHandlers(t *testing.T) {
	h := NewHandlers(Deps{Config: testConfig()})
	if h.tracker == nil {
		t.Error("expected a default activity tracker")
	}
	if h.loginEnabled() {
		t.Error("sign-in should be disabled without an OIDC provider")
	}
}

func TestLogin(t *testing.T) {
	lh := setupLoginHandlers(t)

	w := serve(lh.router, httptest.NewRequest(http.MethodGet, "/auth/login", nil), nil)
	if w.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d", w.Code)
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("bad Location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), lh.issuer+"/authorize") {
		t.Errorf("unexpected redirect %q", loc)
	}
	if loc.Query().Get("state") == "" {
		t.Error("expected state parameter")
	}
	if len(w.Result().Cookies()) == 0 {
		t.Error("expected state cookie")
	}
}

func TestCallbackRejects(t *testing.T) {
	lh := setupLoginHandlers(t)

	login := serve(lh.router, httptest.NewRequest(http.MethodGet, "/auth/login", nil), nil)
	loc, _ := url.Parse(login.Header().Get("Location"))
	state := loc.Query().Get("state")
	stateCookies := login.Result().Cookies()

	tests := []struct {
		name    string
		query   string
		cookies []*http.Cookie
		want    string
	}{
		{"no state cookie", "?state=" + state + "&code=c", nil, "Invalid state"},
		{"state mismatch", "?state=other&code=c", stateCookies, "Invalid state"},
		{"provider error", "?state=" + state + "&error=access_denied", stateCookies, "access_denied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(lh.router, httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil), tt.cookies)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("expected %q in %s", tt.want, w.Body.String())
			}
		})
	}
}

func TestProtectedAPI(t *testing.T) {
	lh := setupLoginHandlers(t)

	t.Run("rejects anonymous requests", func(t *testing.T) {
		w := serve(lh.router, httptest.NewRequest(http.MethodGet, "/api/runs", nil), nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("expected status 401, got %d", w.Code)
		}

		w = serve(lh.router, httptest.NewRequest(http.MethodGet, "/api/me", nil), nil)
		var status APIStatus
		decode(t, w, &status)
		if status.Authenticated || !status.LoginEnabled {
			t.Errorf("unexpected status: %+v", status)
		}
	})

	t.Run("accepts a session", func(t *testing.T) {
		cookies := lh.sessionCookies(t)

		w := serve(lh.router, httptest.NewRequest(http.MethodGet, "/api/runs", nil), cookies)
		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}

		w = serve(lh.router, httptest.NewRequest(http.MethodGet, "/api/me", nil), cookies)
		var status APIStatus
		decode(t, w, &status)
		if !status.Authenticated || status.User == nil || status.User.Email != "jo@example.com" {
			t.Errorf("unexpected status: %+v", status)
		}
	})
}

func TestLogout(t *testing.T) {
	lh := setupLoginHandlers(t)
	ctx := context.Background()

	if err := lh.db.SaveToken(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Origin", testOrigin)
	w := serve(lh.router, req, lh.sessionCookies(t))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := lh.db.GetToken(ctx); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected token to be forgotten, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	if w := serve(lh.router, req, nil); w.Code != http.StatusForbidden {
		t.Errorf("expected logout without origin to be rejected, got %d", w.Code)
	}
}
