package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/identity"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/metrics"
)

// TokenSource extracts the raw credential from a request, or returns ""
type TokenSource func(r *http.Request) string

// UserResolver maps a verified identity onto a directory user
type UserResolver interface {
	ResolveUser(ctx context.Context, id *identity.Identity) (*database.User, error)
}

// AuthenticationMiddleware verifies the caller's token, resolves the
// directory user and stores it in the request context. Failures answer 401.
func AuthenticationMiddleware(tokens TokenSource, resolver identity.Resolver, users UserResolver, audit *logging.SecurityAuditLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokens(r)
			if token == "" {
				m.RecordAuthAttempt("jwt", "missing")
				WriteError(w, r, apperr.Unauthenticated("Authentication required", identity.ErrNoToken))
				return
			}

			id, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				m.RecordAuthAttempt("jwt", "failure")
				logrus.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
					"error":  err,
				}).Warn("Authentication failed")
				audit.LogSecurityEvent("invalid_token", map[string]interface{}{
					"remote_addr": r.RemoteAddr,
					"path":        r.URL.Path,
				})
				if errors.Is(err, identity.ErrInvalidToken) {
					WriteError(w, r, apperr.Unauthenticated("Invalid or expired token", err))
				} else {
					WriteError(w, r, apperr.Collaborator("token verification", err))
				}
				return
			}

			user, err := users.ResolveUser(r.Context(), id)
			if err != nil {
				m.RecordAuthAttempt("jwt", "failure")
				WriteError(w, r, err)
				return
			}

			m.RecordAuthAttempt("jwt", "success")
			ctx := WithIdentity(WithUser(r.Context(), user), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware enforces the admin role. It must run after AuthenticationMiddleware.
func AdminAuthMiddleware(audit *logging.SecurityAuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := UserFromContext(r.Context())
			if user == nil {
				WriteError(w, r, apperr.Unauthenticated("Authentication required", nil))
				return
			}
			if !user.IsAdmin() {
				logrus.WithFields(logrus.Fields{
					"method":  r.Method,
					"path":    r.URL.Path,
					"user_id": user.ID,
				}).Warn("Admin access required but user is not admin")
				audit.LogAccessDenied(user.Username, r.URL.Path, r.Method, "admin_required")

				WriteError(w, r, apperr.Forbidden("Admin access required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
