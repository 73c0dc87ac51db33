// Package permissions manages explicit bucket grants
package permissions

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
)

// Store is the persistence the service needs
type Store interface {
	database.PermissionStore
	GetUser(ctx context.Context, id int64) (*database.User, error)
	GetBucket(ctx context.Context, id int64) (*database.Bucket, error)
}

// Service grants, lists and revokes bucket permissions. It does not filter
// expired grants; expiry is judged at decision time.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a permission service
func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Grant always inserts a new permission. expiresAt nil means the grant never expires.
func (s *Service) Grant(ctx context.Context, userID, bucketID int64, level database.AccessLevel, expiresAt *time.Time) (*database.BucketPermission, error) {
	fields := map[string]string{}
	if userID <= 0 {
		fields["userId"] = "required"
	}
	if bucketID <= 0 {
		fields["bucketId"] = "required"
	}
	if !level.Valid() {
		fields["accessLevel"] = "must be read, write or admin"
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		fields["expiresAt"] = "must be in the future"
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("invalid permission grant", fields)
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, apperr.Collaborator("user lookup", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user", userID)
	}
	bucket, err := s.store.GetBucket(ctx, bucketID)
	if err != nil {
		return nil, apperr.Collaborator("bucket lookup", err)
	}
	if bucket == nil {
		return nil, apperr.NotFound("bucket", bucketID)
	}

	perm := &database.BucketPermission{
		UserID:      userID,
		BucketID:    bucketID,
		AccessLevel: level,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now(),
	}
	if err := s.store.GrantPermission(ctx, perm); err != nil {
		return nil, apperr.Collaborator("permission grant", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":      userID,
		"bucket":       bucket.Name,
		"access_level": level,
		"expires_at":   expiresAt,
	}).Info("Bucket permission granted")
	return perm, nil
}

// ForUser lists a user's grants joined with their buckets
func (s *Service) ForUser(ctx context.Context, userID int64) ([]database.PermissionWithBucket, error) {
	perms, err := s.store.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Collaborator("permission listing", err)
	}
	return perms, nil
}

// ForBucket lists a bucket's grants joined with their holders
func (s *Service) ForBucket(ctx context.Context, bucketID int64) ([]database.PermissionWithUser, error) {
	perms, err := s.store.PermissionsForBucket(ctx, bucketID)
	if err != nil {
		return nil, apperr.Collaborator("permission listing", err)
	}
	return perms, nil
}

// Revoke deletes every grant of bucketID to userID and returns how many were removed
func (s *Service) Revoke(ctx context.Context, userID, bucketID int64) (int64, error) {
	if userID <= 0 || bucketID <= 0 {
		return 0, apperr.Validation("invalid revocation", map[string]string{
			"userId":   "required",
			"bucketId": "required",
		})
	}
	n, err := s.store.RevokePermissions(ctx, userID, bucketID)
	if err != nil {
		return 0, apperr.Collaborator("permission revocation", err)
	}
	logrus.WithFields(logrus.Fields{
		"user_id":   userID,
		"bucket_id": bucketID,
		"revoked":   n,
	}).Info("Bucket permissions revoked")
	return n, nil
}
