package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const bucketColumns = `id, name, region, arn, created_at, missing_since`

// GetBucket retrieves a bucket by internal id
func (db *DB) GetBucket(ctx context.Context, id int64) (*Bucket, error) {
	var bucket Bucket
	query := `SELECT ` + bucketColumns + ` FROM s3_buckets WHERE id = $1`

	if err := db.GetContext(ctx, &bucket, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return &bucket, nil
}

// GetBucketByName retrieves a bucket by its unique name
func (db *DB) GetBucketByName(ctx context.Context, name string) (*Bucket, error) {
	var bucket Bucket
	query := `SELECT ` + bucketColumns + ` FROM s3_buckets WHERE name = $1`

	if err := db.GetContext(ctx, &bucket, query, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return &bucket, nil
}

// CreateBucket catalogs a bucket. Concurrent syncs may race on the same
// name; the unique constraint settles it and the loser reports false.
func (db *DB) CreateBucket(ctx context.Context, bucket *Bucket) (bool, error) {
	if bucket.CreatedAt.IsZero() {
		bucket.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO s3_buckets (name, region, arn, created_at)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (name) DO NOTHING
	          RETURNING id`

	err := db.GetContext(ctx, &bucket.ID, query, bucket.Name, bucket.Region, bucket.ARN, bucket.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create bucket: %w", err)
	}
	return true, nil
}

// ListBuckets lists the catalog ordered by name
func (db *DB) ListBuckets(ctx context.Context) ([]Bucket, error) {
	buckets := []Bucket{}
	query := `SELECT ` + bucketColumns + ` FROM s3_buckets ORDER BY name`
	if err := db.SelectContext(ctx, &buckets, query); err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	return buckets, nil
}

// SetBucketMissingSince records (or clears, with nil) when a bucket stopped
// appearing in the provider listing
func (db *DB) SetBucketMissingSince(ctx context.Context, name string, since *time.Time) error {
	query := `UPDATE s3_buckets SET missing_since = $2 WHERE name = $1`
	if _, err := db.ExecContext(ctx, query, name, since); err != nil {
		return fmt.Errorf("failed to update bucket: %w", err)
	}
	return nil
}
