package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger with a JSON formatter at the
// given level. When sentryEnabled is set, error-level entries are forwarded to
// Sentry and info-level entries become breadcrumbs.
func Setup(level string, sentryEnabled bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	if sentryEnabled {
		logrus.AddHook(NewSentryHook(nil))
		logrus.AddHook(NewBreadcrumbHook(nil))
	}
	return nil
}
