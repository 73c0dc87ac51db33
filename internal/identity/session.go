package identity

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	sessionName     = "portal-session"
	maxCookieLength = 8192
)

// AuditLogger records authentication events
type AuditLogger interface {
	LogAuthEvent(event string, userID string, details map[string]interface{})
	LogSecurityEvent(event string, details map[string]interface{})
}

// SessionConfig configures browser login
type SessionConfig struct {
	Key          string
	MaxAge       time.Duration
	Secure       bool
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	LogoutURL    string
	Scopes       []string
	// LandingPath is where the browser goes after login and logout
	LandingPath string
}

// SessionManager runs the OAuth authorization code flow and keeps the
// resulting ID token in a signed cookie
type SessionManager struct {
	store    *sessions.CookieStore
	oauth    *oauth2.Config
	resolver Resolver
	audit    AuditLogger
	cfg      SessionConfig
}

// NewSessionManager creates a session manager. Interactive login is disabled
// when no authorization or token endpoint is configured.
func NewSessionManager(cfg SessionConfig, resolver Resolver, audit AuditLogger) *SessionManager {
	sessionKey := cfg.Key
	if sessionKey == "" {
		// Sessions do not survive restarts without a configured key
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		sessionKey = base64.StdEncoding.EncodeToString(key)
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/"
	}
	if audit == nil {
		audit = nopAudit{}
	}

	store := sessions.NewCookieStore([]byte(sessionKey))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	// ID tokens exceed the default securecookie length limit
	for _, codec := range store.Codecs {
		if sc, ok := codec.(*securecookie.SecureCookie); ok {
			sc.MaxLength(maxCookieLength)
		}
	}

	m := &SessionManager{
		store:    store,
		resolver: resolver,
		audit:    audit,
		cfg:      cfg,
	}
	if cfg.AuthURL != "" && cfg.TokenURL != "" {
		m.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		}
	}
	return m
}

// Token returns the bearer token of the request, falling back to the
// session cookie
func (m *SessionManager) Token(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	session, err := m.store.Get(r, sessionName)
	if err != nil {
		return ""
	}
	token, _ := session.Values["id_token"].(string)
	return token
}

// LoginHandler redirects to the provider's authorization endpoint
func (m *SessionManager) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if m.oauth == nil {
		http.Error(w, "Interactive login is not configured", http.StatusNotImplemented)
		return
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}
	state := base64.URLEncoding.EncodeToString(b)

	session, _ := m.store.Get(r, sessionName)
	session.Values["state"] = state
	if err := session.Save(r, w); err != nil {
		logrus.WithError(err).Error("Failed to save login state")
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, m.oauth.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler exchanges the authorization code and stores the ID token
func (m *SessionManager) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if m.oauth == nil {
		http.Error(w, "Interactive login is not configured", http.StatusNotImplemented)
		return
	}

	session, err := m.store.Get(r, sessionName)
	if err != nil {
		http.Error(w, "Invalid session", http.StatusBadRequest)
		return
	}

	expected, _ := session.Values["state"].(string)
	if expected == "" || r.URL.Query().Get("state") != expected {
		m.audit.LogSecurityEvent("csrf_validation_failed", map[string]interface{}{
			"client_ip":  r.RemoteAddr,
			"user_agent": r.Header.Get("User-Agent"),
		})
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}

	token, err := m.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		logrus.WithError(err).Error("Failed to exchange code for token")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	idToken, _ := token.Extra("id_token").(string)
	id, err := m.resolver.Resolve(r.Context(), idToken)
	if err != nil {
		logrus.WithError(err).Warn("Provider returned an unusable ID token")
		http.Error(w, "Authentication failed", http.StatusUnauthorized)
		return
	}

	delete(session.Values, "state")
	session.Values["id_token"] = idToken
	if err := session.Save(r, w); err != nil {
		logrus.WithError(err).Error("Failed to save session")
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	m.audit.LogAuthEvent("login_success", id.Subject, map[string]interface{}{
		"username": id.Username,
		"email":    id.Email,
	})
	http.Redirect(w, r, m.cfg.LandingPath, http.StatusTemporaryRedirect)
}

// LogoutHandler clears the session and redirects to the provider logout page when configured
func (m *SessionManager) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	session, _ := m.store.Get(r, sessionName)
	session.Values = map[interface{}]interface{}{}
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		logrus.WithError(err).Warn("Failed to clear session")
	}

	target := m.cfg.LandingPath
	if m.cfg.LogoutURL != "" {
		q := url.Values{}
		q.Set("client_id", m.cfg.ClientID)
		q.Set("logout_uri", m.cfg.LandingPath)
		target = m.cfg.LogoutURL + "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

type nopAudit struct{}

func (nopAudit) LogAuthEvent(string, string, map[string]interface{}) {}
func (nopAudit) LogSecurityEvent(string, map[string]interface{})     {}
