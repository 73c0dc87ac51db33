package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

const accessRequestColumns = `id, user_id, bucket_id, requested_duration, justification, status,
	approved_by, approved_at, expires_at, created_at`

const joinedRequestColumns = `r.id, r.user_id, r.bucket_id, r.requested_duration, r.justification, r.status,
	r.approved_by, r.approved_at, r.expires_at, r.created_at,
	b.id AS "bucket.id", b.name AS "bucket.name", b.region AS "bucket.region",
	b.arn AS "bucket.arn", b.created_at AS "bucket.created_at",
	b.missing_since AS "bucket.missing_since"`

const joinedUserColumns = `,
	u.id AS "user.id", u.cognito_id AS "user.cognito_id", u.username AS "user.username",
	u.email AS "user.email", u.role AS "user.role", u.cognito_groups AS "user.cognito_groups",
	u.created_at AS "user.created_at", u.updated_at AS "user.updated_at"`

// CreateAccessRequest inserts a pending access request
func (db *DB) CreateAccessRequest(ctx context.Context, req *AccessRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = StatusPending
	req.ApprovedBy, req.ApprovedAt, req.ExpiresAt = nil, nil, nil

	query := `INSERT INTO access_requests (user_id, bucket_id, requested_duration, justification, status, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`

	err := db.GetContext(ctx, &req.ID, query,
		req.UserID, req.BucketID, req.RequestedDuration, req.Justification, req.Status, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create access request: %w", err)
	}
	return nil
}

// GetAccessRequest retrieves an access request by id
func (db *DB) GetAccessRequest(ctx context.Context, id int64) (*AccessRequest, error) {
	var req AccessRequest
	query := `SELECT ` + accessRequestColumns + ` FROM access_requests WHERE id = $1`

	if err := db.GetContext(ctx, &req, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}
	return &req, nil
}

// DecideAccessRequest locks the request row, verifies it is still pending and
// writes the decision plus the approval grant in one transaction. The status
// guard on the UPDATE keeps the transition compare-and-set even without the lock.
func (db *DB) DecideAccessRequest(ctx context.Context, d Decision) (*AccessRequest, *BucketPermission, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var req AccessRequest
	query := `SELECT ` + accessRequestColumns + ` FROM access_requests WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &req, query, d.RequestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("access request %d: %w", d.RequestID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to load access request: %w", err)
	}

	if req.Status != StatusPending {
		return nil, nil, &StatusConflictError{RequestID: req.ID, Status: req.Status}
	}

	perm := d.apply(&req)

	update := `UPDATE access_requests
	           SET status = $2, approved_by = $3, approved_at = $4, expires_at = $5
	           WHERE id = $1 AND status = 'pending'`
	res, err := tx.ExecContext(ctx, update, req.ID, req.Status, req.ApprovedBy, req.ApprovedAt, req.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update access request: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil, &StatusConflictError{RequestID: req.ID, Status: "decided"}
	}

	if perm != nil {
		if err := grantPermission(ctx, tx, perm); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	return &req, perm, nil
}

// ListAccessRequests lists every request with requester and bucket, newest first
func (db *DB) ListAccessRequests(ctx context.Context) ([]AccessRequestWithUserBucket, error) {
	reqs := []AccessRequestWithUserBucket{}
	query := `SELECT ` + joinedRequestColumns + joinedUserColumns + `
	          FROM access_requests r
	          JOIN s3_buckets b ON b.id = r.bucket_id
	          JOIN users u ON u.id = r.user_id
	          ORDER BY r.created_at DESC, r.id DESC`

	if err := db.SelectContext(ctx, &reqs, query); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return reqs, nil
}

// ListAccessRequestsByStatus lists requests in one status, newest first
func (db *DB) ListAccessRequestsByStatus(ctx context.Context, status RequestStatus) ([]AccessRequestWithUserBucket, error) {
	reqs := []AccessRequestWithUserBucket{}
	query := `SELECT ` + joinedRequestColumns + joinedUserColumns + `
	          FROM access_requests r
	          JOIN s3_buckets b ON b.id = r.bucket_id
	          JOIN users u ON u.id = r.user_id
	          WHERE r.status = $1
	          ORDER BY r.created_at DESC, r.id DESC`

	if err := db.SelectContext(ctx, &reqs, query, status); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return reqs, nil
}

// ListAccessRequestsForUser lists a user's own requests with bucket, newest first
func (db *DB) ListAccessRequestsForUser(ctx context.Context, userID int64) ([]AccessRequestWithBucket, error) {
	reqs := []AccessRequestWithBucket{}
	query := `SELECT ` + joinedRequestColumns + `
	          FROM access_requests r
	          JOIN s3_buckets b ON b.id = r.bucket_id
	          WHERE r.user_id = $1
	          ORDER BY r.created_at DESC, r.id DESC`

	if err := db.SelectContext(ctx, &reqs, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return reqs, nil
}
