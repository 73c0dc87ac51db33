// Package access implements the access request workflow: users submit
// time-boxed requests for bucket read access and admins approve or deny them
package access

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/logging"
	"github.com/einyx/bucket-access-portal/internal/metrics"
)

// Store is the persistence the engine needs
type Store interface {
	database.AccessRequestStore
	GetBucket(ctx context.Context, id int64) (*database.Bucket, error)
}

// Engine runs the pending -> approved|denied state machine
type Engine struct {
	store   Store
	metrics *metrics.Metrics
	audit   *logging.SecurityAuditLogger
	now     func() time.Time
}

// NewEngine creates an engine. metrics and audit may be nil.
func NewEngine(store Store, m *metrics.Metrics, audit *logging.SecurityAuditLogger) *Engine {
	return &Engine{
		store:   store,
		metrics: m,
		audit:   audit,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submission is a user's request for access
type Submission struct {
	UserID            int64
	BucketID          int64
	RequestedDuration int
	Justification     string
}

// Submit validates and records a pending request. Duplicate pending
// requests for the same bucket are accepted.
func (e *Engine) Submit(ctx context.Context, s Submission) (*database.AccessRequest, error) {
	justification := strings.TrimSpace(s.Justification)

	fields := map[string]string{}
	if s.BucketID <= 0 {
		fields["bucketId"] = "required"
	}
	if s.RequestedDuration <= 0 {
		fields["requestedDuration"] = "must be a positive number of hours"
	}
	if justification == "" {
		fields["justification"] = "required"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid access request", fields)
	}

	bucket, err := e.store.GetBucket(ctx, s.BucketID)
	if err != nil {
		return nil, apperr.Collaborator("bucket lookup", err)
	}
	if bucket == nil {
		return nil, apperr.NotFound("bucket", s.BucketID)
	}

	req := &database.AccessRequest{
		UserID:            s.UserID,
		BucketID:          s.BucketID,
		RequestedDuration: s.RequestedDuration,
		Justification:     justification,
		Status:            database.StatusPending,
		CreatedAt:         e.now(),
	}
	if err := e.store.CreateAccessRequest(ctx, req); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.NotFound("user", s.UserID)
		}
		return nil, apperr.Collaborator("access request creation", err)
	}

	e.metrics.RecordTransition(string(database.StatusPending))
	e.audit.LogRequestSubmitted(req.ID, req.UserID, req.BucketID, req.RequestedDuration)
	logrus.WithFields(logrus.Fields{
		"access_request_id": req.ID,
		"user_id":           req.UserID,
		"bucket":            bucket.Name,
	}).Info("Access request submitted")

	return req, nil
}

// Decide moves a pending request to status. On approval a read permission
// expiring after overrideHours (or the requested duration) is granted in the
// same atomic step. Deciding a request twice yields an AlreadyDecided error.
func (e *Engine) Decide(ctx context.Context, id int64, status database.RequestStatus, approverID int64, overrideHours *int) (*database.AccessRequest, error) {
	fields := map[string]string{}
	if status != database.StatusApproved && status != database.StatusDenied {
		fields["status"] = "must be approved or denied"
	}
	if overrideHours != nil && *overrideHours <= 0 {
		fields["duration"] = "must be a positive number of hours"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid decision", fields)
	}

	req, perm, err := e.store.DecideAccessRequest(ctx, database.Decision{
		RequestID:     id,
		Status:        status,
		ApproverID:    approverID,
		DecidedAt:     e.now(),
		DurationHours: overrideHours,
	})
	if err != nil {
		var conflict *database.StatusConflictError
		switch {
		case errors.As(err, &conflict):
			return nil, apperr.AlreadyDecided(id, string(conflict.Status))
		case errors.Is(err, database.ErrNotFound):
			return nil, apperr.NotFound("access request", id)
		default:
			return nil, apperr.Collaborator("access request decision", err)
		}
	}

	e.metrics.RecordTransition(string(req.Status))
	e.audit.LogRequestDecision(req.ID, approverID, req.BucketID, string(req.Status))

	entry := logrus.WithFields(logrus.Fields{
		"access_request_id": req.ID,
		"status":            req.Status,
		"approver_id":       approverID,
	})
	if perm != nil {
		entry = entry.WithField("expires_at", perm.ExpiresAt)
	}
	entry.Info("Access request decided")

	return req, nil
}

// ListAll returns every request with requester and bucket, newest first
func (e *Engine) ListAll(ctx context.Context) ([]database.AccessRequestWithUserBucket, error) {
	reqs, err := e.store.ListAccessRequests(ctx)
	if err != nil {
		return nil, apperr.Collaborator("access request listing", err)
	}
	return reqs, nil
}

// ListPending returns pending requests with requester and bucket, newest first
func (e *Engine) ListPending(ctx context.Context) ([]database.AccessRequestWithUserBucket, error) {
	reqs, err := e.store.ListAccessRequestsByStatus(ctx, database.StatusPending)
	if err != nil {
		return nil, apperr.Collaborator("access request listing", err)
	}
	return reqs, nil
}

// ListForUser returns a user's requests with bucket, newest first
func (e *Engine) ListForUser(ctx context.Context, userID int64) ([]database.AccessRequestWithBucket, error) {
	reqs, err := e.store.ListAccessRequestsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Collaborator("access request listing", err)
	}
	return reqs, nil
}
