package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/sirupsen/logrus"
)

// SentryMiddleware gives each request its own hub tagged with the request id.
// Events reach it through the logging hook, which reads the hub from the
// entry context.
func SentryMiddleware() func(http.Handler) http.Handler {
	handler := sentryhttp.New(sentryhttp.Options{Timeout: 2 * time.Second})
	return func(next http.Handler) http.Handler {
		return handler.Handle(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
				hub.Scope().SetTag("http.request_id", RequestIDFromContext(r.Context()))
			}
			next.ServeHTTP(w, r)
		}))
	}
}

// Recovery turns a handler panic into a logged 500
func Recovery() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				logrus.WithContext(r.Context()).WithError(err).WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"request_id": RequestIDFromContext(r.Context()),
				}).Error("Panic recovered")
				WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: "Internal server error"})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
