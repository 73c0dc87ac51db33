// Package storage talks to the object storage provider whose buckets the
// portal governs
package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Backend is the read-only view of the provider the portal needs
type Backend interface {
	// ListBuckets returns every bucket the portal's credentials can see.
	// Region is left empty; see BucketRegion.
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	// BucketRegion resolves the region of one bucket
	BucketRegion(ctx context.Context, bucket string) string
	// ListObjects returns the first page (at most MaxKeys) of a bucket
	ListObjects(ctx context.Context, bucket string) ([]ObjectInfo, error)
	// BucketStats counts every object of a bucket and sums their sizes
	BucketStats(ctx context.Context, bucket string) (*BucketStats, error)
}

// BucketInfo describes a provider bucket
type BucketInfo struct {
	Name         string    `json:"name"`
	Region       string    `json:"region"`
	ARN          string    `json:"arn"`
	CreationDate time.Time `json:"creationDate"`
}

// ObjectInfo describes one object in a bucket listing
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         string    `json:"size"`
	SizeBytes    int64     `json:"sizeBytes"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag"`
	Type         string    `json:"type"`
}

// BucketStats summarizes a bucket's contents
type BucketStats struct {
	ObjectCount int64  `json:"objectCount"`
	SizeBytes   int64  `json:"sizeBytes"`
	Size        string `json:"size"`
}

// NewBucketStats builds stats with a human-readable size
func NewBucketStats(count, bytes int64) *BucketStats {
	return &BucketStats{ObjectCount: count, SizeBytes: bytes, Size: FormatSize(bytes)}
}

// BucketARN returns the ARN of an S3 bucket
func BucketARN(name string) string {
	return "arn:aws:s3:::" + name
}

// FormatSize renders a byte count in binary units ("0 B", "1.5 KiB")
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(bytes))
}

// ObjectType derives the display type of a key from its extension
func ObjectType(key string) string {
	ext := strings.TrimPrefix(path.Ext(key), ".")
	if ext == "" {
		return "file"
	}
	return strings.ToLower(ext)
}
