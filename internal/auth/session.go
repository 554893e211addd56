package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

const (
	sessionName    = "shiftsync_session"
	oauthStateName = "shiftsync_oauth_state"
	sessionMaxAge  = 12 * time.Hour
	stateMaxAge    = 10 * time.Minute
)

const (
	keyUserID = "user_id"
	keyEmail  = "email"
	keyName   = "name"
	keyState  = "state"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("invalid session data")
)

// SessionData is the signed-in principal kept in the session cookie.
type SessionData struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// SessionManager manages cookie sessions and the OAuth state cookie.
type SessionManager struct {
	store  *sessions.CookieStore
	secure bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager(secret string, secure bool) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:  store,
		secure: secure,
	}
}

// Secure reports whether cookies are marked Secure.
func (sm *SessionManager) Secure() bool {
	return sm.secure
}

// Get retrieves the session data from the request.
func (sm *SessionManager) Get(r *http.Request) (*SessionData, error) {
	session, err := sm.store.Get(r, sessionName)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	data := &SessionData{
		UserID: stringValue(session, keyUserID),
		Email:  stringValue(session, keyEmail),
		Name:   stringValue(session, keyName),
	}
	if data.UserID == "" {
		return nil, ErrSessionNotFound
	}
	return data, nil
}

// Set stores the session data.
func (sm *SessionManager) Set(w http.ResponseWriter, r *http.Request, data *SessionData) error {
	if data == nil || data.UserID == "" {
		return ErrInvalidSession
	}

	session, err := sm.open(r, sessionName)
	if err != nil {
		return err
	}

	session.Values[keyUserID] = data.UserID
	session.Values[keyEmail] = data.Email
	session.Values[keyName] = data.Name

	return session.Save(r, w)
}

// Clear removes the session.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := sm.store.Get(r, sessionName)
	if err != nil {
		return nil
	}

	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// SetOAuthState stores the OAuth state for the callback check.
func (sm *SessionManager) SetOAuthState(w http.ResponseWriter, r *http.Request, state string) error {
	session, err := sm.open(r, oauthStateName)
	if err != nil {
		return err
	}

	session.Values[keyState] = state
	session.Options.MaxAge = int(stateMaxAge.Seconds())

	return session.Save(r, w)
}

// GetOAuthState retrieves and clears the OAuth state.
func (sm *SessionManager) GetOAuthState(w http.ResponseWriter, r *http.Request) (string, error) {
	session, err := sm.store.Get(r, oauthStateName)
	if err != nil {
		return "", err
	}

	state := stringValue(session, keyState)
	if state == "" {
		return "", ErrInvalidSession
	}

	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return "", err
	}

	return state, nil
}

// open returns the named session, starting a fresh one when the cookie
// cannot be decoded.
func (sm *SessionManager) open(r *http.Request, name string) (*sessions.Session, error) {
	session, err := sm.store.Get(r, name)
	if session == nil {
		return nil, err
	}
	return session, nil
}

func stringValue(session *sessions.Session, key string) string {
	v, _ := session.Values[key].(string)
	return v
}

// GenerateState generates a random state string for OAuth.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
