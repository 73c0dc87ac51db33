package database

import (
	"context"
	"fmt"
	"time"
)

// GrantPermission inserts a permission row. Existing grants for the same
// user and bucket are left untouched.
func (db *DB) GrantPermission(ctx context.Context, perm *BucketPermission) error {
	return grantPermission(ctx, db.DB, perm)
}

func grantPermission(ctx context.Context, q queryer, perm *BucketPermission) error {
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO bucket_permissions (user_id, bucket_id, access_level, expires_at, created_at)
	          VALUES ($1, $2, $3, $4, $5) RETURNING id`

	err := q.GetContext(ctx, &perm.ID, query,
		perm.UserID, perm.BucketID, perm.AccessLevel, perm.ExpiresAt, perm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to grant bucket permission: %w", err)
	}
	return nil
}

// PermissionsForUser lists every grant held by a user joined with its bucket
func (db *DB) PermissionsForUser(ctx context.Context, userID int64) ([]PermissionWithBucket, error) {
	perms := []PermissionWithBucket{}
	query := `SELECT p.id, p.user_id, p.bucket_id, p.access_level, p.expires_at, p.created_at,
	                 b.id AS "bucket.id", b.name AS "bucket.name", b.region AS "bucket.region",
	                 b.arn AS "bucket.arn", b.created_at AS "bucket.created_at",
	                 b.missing_since AS "bucket.missing_since"
	          FROM bucket_permissions p
	          JOIN s3_buckets b ON b.id = p.bucket_id
	          WHERE p.user_id = $1
	          ORDER BY p.created_at DESC, p.id DESC`

	if err := db.SelectContext(ctx, &perms, query, userID); err != nil {
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}
	return perms, nil
}

// PermissionsForBucket lists every grant on a bucket joined with its holder
func (db *DB) PermissionsForBucket(ctx context.Context, bucketID int64) ([]PermissionWithUser, error) {
	perms := []PermissionWithUser{}
	query := `SELECT p.id, p.user_id, p.bucket_id, p.access_level, p.expires_at, p.created_at,
	                 u.id AS "user.id", u.cognito_id AS "user.cognito_id", u.username AS "user.username",
	                 u.email AS "user.email", u.role AS "user.role", u.cognito_groups AS "user.cognito_groups",
	                 u.created_at AS "user.created_at", u.updated_at AS "user.updated_at"
	          FROM bucket_permissions p
	          JOIN users u ON u.id = p.user_id
	          WHERE p.bucket_id = $1
	          ORDER BY p.created_at DESC, p.id DESC`

	if err := db.SelectContext(ctx, &perms, query, bucketID); err != nil {
		return nil, fmt.Errorf("failed to get bucket permissions: %w", err)
	}
	return perms, nil
}

// RevokePermissions deletes every grant a user holds on a bucket
func (db *DB) RevokePermissions(ctx context.Context, userID, bucketID int64) (int64, error) {
	query := `DELETE FROM bucket_permissions WHERE user_id = $1 AND bucket_id = $2`
	res, err := db.ExecContext(ctx, query, userID, bucketID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke bucket permission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke bucket permission: %w", err)
	}
	return n, nil
}
