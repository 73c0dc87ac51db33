package logging

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityAuditLogger provides structured security event logging
type SecurityAuditLogger struct {
	logger *logrus.Logger
}

// NewSecurityAuditLogger creates a security audit logger writing JSON to stdout
func NewSecurityAuditLogger() *SecurityAuditLogger {
	return NewSecurityAuditLoggerWithOutput(os.Stdout)
}

// NewSecurityAuditLoggerWithOutput creates a security audit logger writing to out
func NewSecurityAuditLoggerWithOutput(out io.Writer) *SecurityAuditLogger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &SecurityAuditLogger{logger: logger}
}

// LogAuthEvent logs authentication-related security events
func (s *SecurityAuditLogger) LogAuthEvent(event string, userID string, details map[string]interface{}) {
	if s == nil {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"event_type": "auth",
		"event":      event,
		"user_id":    userID,
	})

	for key, value := range details {
		entry = entry.WithField(key, value)
	}

	entry.Info("Authentication event")
}

// LogAccessDenied logs a denied bucket or admin access
func (s *SecurityAuditLogger) LogAccessDenied(userID string, resource string, action string, reason string) {
	if s == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"event_type": "access_denied",
		"user_id":    userID,
		"resource":   resource,
		"action":     action,
		"reason":     reason,
	}).Warn("Access denied")
}

// LogRequestDecision logs an approval or denial of an access request
func (s *SecurityAuditLogger) LogRequestDecision(requestID, approverID, bucketID int64, status string) {
	if s == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"event_type":        "access_request",
		"access_request_id": requestID,
		"approver_id":       approverID,
		"status":            status,
		"bucket_id":         bucketID,
	}).Info("Access request decided")
}

// LogRequestSubmitted logs a new access request
func (s *SecurityAuditLogger) LogRequestSubmitted(requestID, userID, bucketID int64, hours int) {
	if s == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"event_type":        "access_request",
		"access_request_id": requestID,
		"user_id":           userID,
		"bucket_id":         bucketID,
		"requested_hours":   hours,
	}).Info("Access request submitted")
}

// LogSecurityEvent logs general security events
func (s *SecurityAuditLogger) LogSecurityEvent(event string, details map[string]interface{}) {
	if s == nil {
		return
	}
	entry := s.logger.WithFields(logrus.Fields{
		"event_type": "security",
		"event":      event,
	})

	for key, value := range details {
		entry = entry.WithField(key, value)
	}

	entry.Warn("Security event")
}
