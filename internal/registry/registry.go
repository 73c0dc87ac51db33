// Package registry keeps the bucket catalog in step with the storage provider
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/metrics"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

var errNoBackend = errors.New("no storage backend configured")

// SyncResult summarizes one catalog synchronization
type SyncResult struct {
	Seen     int      `json:"seen"`
	Added    []string `json:"added"`
	Missing  []string `json:"missing"`
	Restored []string `json:"restored"`
}

// Registry is the bucket catalog
type Registry struct {
	store   database.BucketStore
	backend storage.Backend
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a registry. backend may be nil when only catalog reads are needed.
func New(store database.BucketStore, backend storage.Backend, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		backend: backend,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SyncCatalog inserts every external bucket not yet cataloged, resolving
// the region of new buckets only. Cataloged buckets absent from external are
// marked missing, never deleted; a marked bucket that reappears is unmarked.
func (r *Registry) SyncCatalog(ctx context.Context, external []storage.BucketInfo) (*SyncResult, error) {
	result := &SyncResult{Seen: len(external)}
	seen := make(map[string]bool, len(external))

	cataloged, err := r.store.ListBuckets(ctx)
	if err != nil {
		r.metrics.RecordCatalogSync(0, err)
		return nil, apperr.Collaborator("bucket catalog listing", err)
	}
	known := make(map[string]bool, len(cataloged))
	for _, b := range cataloged {
		known[b.Name] = true
	}

	for _, info := range external {
		seen[info.Name] = true
		if known[info.Name] {
			continue
		}
		arn := info.ARN
		if arn == "" {
			arn = storage.BucketARN(info.Name)
		}
		created, err := r.store.CreateBucket(ctx, &database.Bucket{
			Name:      info.Name,
			Region:    r.region(ctx, info),
			ARN:       arn,
			CreatedAt: r.now(),
		})
		if err != nil {
			r.metrics.RecordCatalogSync(0, err)
			return nil, apperr.Collaborator("bucket catalog insert", err)
		}
		if created {
			result.Added = append(result.Added, info.Name)
		}
	}

	now := r.now()
	for _, b := range cataloged {
		switch {
		case !seen[b.Name] && b.MissingSince == nil:
			if err := r.store.SetBucketMissingSince(ctx, b.Name, &now); err != nil {
				return nil, apperr.Collaborator("bucket catalog update", err)
			}
			result.Missing = append(result.Missing, b.Name)
		case seen[b.Name] && b.MissingSince != nil:
			if err := r.store.SetBucketMissingSince(ctx, b.Name, nil); err != nil {
				return nil, apperr.Collaborator("bucket catalog update", err)
			}
			result.Restored = append(result.Restored, b.Name)
		}
	}

	r.metrics.RecordCatalogSync(len(result.Added), nil)
	if len(result.Added) > 0 || len(result.Missing) > 0 || len(result.Restored) > 0 {
		logrus.WithFields(logrus.Fields{
			"seen":     result.Seen,
			"added":    result.Added,
			"missing":  result.Missing,
			"restored": result.Restored,
		}).Info("Bucket catalog synchronized")
	}
	return result, nil
}

func (r *Registry) region(ctx context.Context, info storage.BucketInfo) string {
	switch {
	case info.Region != "":
		return info.Region
	case r.backend != nil:
		return r.backend.BucketRegion(ctx, info.Name)
	default:
		return storage.DefaultRegion
	}
}

// Refresh lists the provider's buckets and synchronizes the catalog
func (r *Registry) Refresh(ctx context.Context) (*SyncResult, error) {
	if r.backend == nil {
		return nil, apperr.Collaborator("bucket listing", errNoBackend)
	}
	external, err := r.backend.ListBuckets(ctx)
	if err != nil {
		r.metrics.RecordCatalogSync(0, err)
		return nil, apperr.Collaborator("bucket listing", err)
	}
	return r.SyncCatalog(ctx, external)
}

// ListAll returns every cataloged bucket
func (r *Registry) ListAll(ctx context.Context) ([]database.Bucket, error) {
	buckets, err := r.store.ListBuckets(ctx)
	if err != nil {
		return nil, apperr.Collaborator("bucket catalog listing", err)
	}
	return buckets, nil
}

// FindByName returns the bucket named name, or nil when it is not cataloged
func (r *Registry) FindByName(ctx context.Context, name string) (*database.Bucket, error) {
	bucket, err := r.store.GetBucketByName(ctx, name)
	if err != nil {
		return nil, apperr.Collaborator("bucket lookup", err)
	}
	return bucket, nil
}

// Get returns the bucket with id or a NotFound error
func (r *Registry) Get(ctx context.Context, id int64) (*database.Bucket, error) {
	bucket, err := r.store.GetBucket(ctx, id)
	if err != nil {
		return nil, apperr.Collaborator("bucket lookup", err)
	}
	if bucket == nil {
		return nil, apperr.NotFound("bucket", id)
	}
	return bucket, nil
}
