// Package middleware provides the HTTP middleware chain of the portal API
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/identity"
)

type contextKey int

const (
	userKey contextKey = iota
	identityKey
	requestIDKey
)

// WithUser returns a copy of ctx carrying the authenticated user
func WithUser(ctx context.Context, user *database.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, or nil
func UserFromContext(ctx context.Context) *database.User {
	user, _ := ctx.Value(userKey).(*database.User)
	return user
}

// WithIdentity returns a copy of ctx carrying the verified token identity
func WithIdentity(ctx context.Context, id *identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the verified token identity, or nil
func IdentityFromContext(ctx context.Context) *identity.Identity {
	id, _ := ctx.Value(identityKey).(*identity.Identity)
	return id
}

// RequestIDFromContext returns the request id assigned by RequestID, or ""
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ErrorBody is the JSON shape of every error response
type ErrorBody struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes v with the given status code
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("Failed to encode response")
	}
}

// WriteError maps err to its status code and writes it as an ErrorBody.
// Internal and collaborator failures are logged with the request context,
// which reports them to Sentry when the hook is installed, and their cause
// is not exposed.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := ErrorBody{Error: err.Error()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Error = appErr.Message
		body.Details = appErr.Fields
	}

	if status >= http.StatusInternalServerError {
		logrus.WithContext(r.Context()).WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     status,
			"request_id": RequestIDFromContext(r.Context()),
			"error_kind": string(apperr.KindOf(err)),
		}).Error("Request failed")
		if appErr == nil {
			body.Error = "Internal server error"
		}
	}

	WriteJSON(w, status, body)
}
