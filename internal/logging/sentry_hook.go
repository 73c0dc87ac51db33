// Package logging wires logrus to Sentry and provides the security audit log
package logging

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// fieldTags maps log fields the portal emits to Sentry tag names
var fieldTags = map[string]string{
	"request_id":        "http.request_id",
	"path":              "http.path",
	"status":            "http.status_code",
	"bucket":            "portal.bucket",
	"user_id":           "portal.user_id",
	"access_request_id": "portal.access_request_id",
	"error_kind":        "error.kind",
}

// SentryHook reports log entries as Sentry events, on the request hub when
// the entry carries a context
type SentryHook struct {
	levels []logrus.Level
}

// NewSentryHook fires on levels, or on error and above when levels is nil
func NewSentryHook(levels []logrus.Level) *SentryHook {
	if levels == nil {
		levels = logrus.AllLevels[:logrus.ErrorLevel+1]
	}
	return &SentryHook{levels: levels}
}

func (hook *SentryHook) Levels() []logrus.Level {
	return hook.levels
}

func (hook *SentryHook) Fire(entry *logrus.Entry) error {
	event := sentry.NewEvent()
	event.Timestamp = entry.Time
	event.Message = entry.Message
	event.Level = logrusLevelToSentryLevel(entry.Level)
	event.Logger = "logrus"
	event.Extra = make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		event.Extra[k] = v
		if tag, ok := fieldTags[k]; ok {
			event.Tags[tag] = fmt.Sprint(v)
		}
	}
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
		event.Exception = []sentry.Exception{{
			Type:       fmt.Sprintf("%T", err),
			Value:      err.Error(),
			Stacktrace: sentry.NewStacktrace(),
		}}
	}
	hubFor(entry.Context).CaptureEvent(event)
	return nil
}

// BreadcrumbHook leaves a breadcrumb per log entry so later events carry the trail
type BreadcrumbHook struct {
	levels []logrus.Level
}

// NewBreadcrumbHook fires on levels, or on info and above when levels is nil
func NewBreadcrumbHook(levels []logrus.Level) *BreadcrumbHook {
	if levels == nil {
		levels = logrus.AllLevels[logrus.ErrorLevel : logrus.InfoLevel+1]
	}
	return &BreadcrumbHook{levels: levels}
}

func (hook *BreadcrumbHook) Levels() []logrus.Level {
	return hook.levels
}

func (hook *BreadcrumbHook) Fire(entry *logrus.Entry) error {
	data := make(map[string]interface{})
	for k, v := range entry.Data {
		if _, ok := fieldTags[k]; ok || k == "rule" {
			data[k] = v
		}
	}
	hubFor(entry.Context).Scope().AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "log",
		Category:  "logrus",
		Message:   entry.Message,
		Level:     logrusLevelToSentryLevel(entry.Level),
		Data:      data,
		Timestamp: entry.Time,
	}, 0)
	return nil
}

func hubFor(ctx context.Context) *sentry.Hub {
	if ctx != nil {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			return hub
		}
	}
	return sentry.CurrentHub()
}

func logrusLevelToSentryLevel(level logrus.Level) sentry.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel:
		return sentry.LevelFatal
	case logrus.ErrorLevel:
		return sentry.LevelError
	case logrus.WarnLevel:
		return sentry.LevelWarning
	case logrus.DebugLevel, logrus.TraceLevel:
		return sentry.LevelDebug
	default:
		return sentry.LevelInfo
	}
}
