package api

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/einyx/bucket-access-portal/internal/authz"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/middleware"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

// statsConcurrency bounds concurrent bucket statistics calls per listing
const statsConcurrency = 8

// bucketView is a cataloged bucket decorated with its statistics
type bucketView struct {
	database.Bucket
	ObjectCount int64                `json:"objectCount"`
	Size        string               `json:"size"`
	SizeBytes   int64                `json:"sizeBytes"`
	AccessLevel database.AccessLevel `json:"accessLevel,omitempty"`
	UserCount   *int                 `json:"userCount,omitempty"`
}

type userBuckets struct {
	Accessible []bucketView      `json:"accessible"`
	All        []database.Bucket `json:"all"`
	Restricted []database.Bucket `json:"restricted"`
}

type adminBuckets struct {
	All []bucketView `json:"all"`
}

func (s *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.UserFromContext(ctx)

	if _, err := s.registry.Refresh(ctx); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	all, err := s.registry.ListAll(ctx)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if user.IsAdmin() {
		views := s.withStats(ctx, all)
		for i := range views {
			count := s.holderCount(ctx, views[i].ID)
			views[i].UserCount = &count
		}
		middleware.WriteJSON(w, http.StatusOK, adminBuckets{All: views})
		return
	}

	decisions, err := s.authz.Accessible(ctx, user, all)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	accessible, restricted := partition(all, decisions)

	views := s.withStats(ctx, accessible)
	for i := range views {
		views[i].AccessLevel = decisions[views[i].ID].Level
	}
	middleware.WriteJSON(w, http.StatusOK, userBuckets{
		Accessible: views,
		All:        all,
		Restricted: restricted,
	})
}

func partition(buckets []database.Bucket, decisions map[int64]authz.Decision) (allowed, denied []database.Bucket) {
	allowed = []database.Bucket{}
	denied = []database.Bucket{}
	for _, b := range buckets {
		if decisions[b.ID].Allowed {
			allowed = append(allowed, b)
		} else {
			denied = append(denied, b)
		}
	}
	return allowed, denied
}

// withStats fetches statistics for each bucket concurrently. A bucket whose
// statistics cannot be read is reported with zero objects.
func (s *Server) withStats(ctx context.Context, buckets []database.Bucket) []bucketView {
	views := make([]bucketView, len(buckets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsConcurrency)
	for i := range buckets {
		i := i
		views[i] = bucketView{Bucket: buckets[i], Size: storage.FormatSize(0)}
		g.Go(func() error {
			stats, err := s.storage.BucketStats(gctx, buckets[i].Name)
			if err != nil {
				logrus.WithError(err).WithField("bucket", buckets[i].Name).Warn("Bucket statistics unavailable")
				return nil
			}
			views[i].ObjectCount = stats.ObjectCount
			views[i].SizeBytes = stats.SizeBytes
			views[i].Size = stats.Size
			return nil
		})
	}
	_ = g.Wait()

	return views
}

// holderCount counts distinct users holding a grant on a bucket
func (s *Server) holderCount(ctx context.Context, bucketID int64) int {
	perms, err := s.permissions.ForBucket(ctx, bucketID)
	if err != nil {
		logrus.WithError(err).WithField("bucket_id", bucketID).Warn("Bucket permission count unavailable")
		return 0
	}
	users := make(map[int64]struct{}, len(perms))
	for _, p := range perms {
		users[p.UserID] = struct{}{}
	}
	return len(users)
}

type adminStats struct {
	TotalBuckets    int   `json:"totalBuckets"`
	TotalRequests   int   `json:"totalRequests"`
	PendingRequests int   `json:"pendingRequests"`
	ActiveUsers     int   `json:"activeUsers"`
	SecurityAlerts  int64 `json:"securityAlerts"`
}

type userStats struct {
	AccessibleBuckets int `json:"accessibleBuckets"`
	PendingRequests   int `json:"pendingRequests"`
	RestrictedBuckets int `json:"restrictedBuckets"`
	TotalRequests     int `json:"totalRequests"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := middleware.UserFromContext(ctx)

	buckets, err := s.registry.ListAll(ctx)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	if user.IsAdmin() {
		all, err := s.access.ListAll(ctx)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		pending := 0
		for _, req := range all {
			if req.Status == database.StatusPending {
				pending++
			}
		}
		active, err := s.directory.CountActiveSince(ctx, s.config.Policy.ActiveUserWindow)
		if err != nil {
			middleware.WriteError(w, r, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, adminStats{
			TotalBuckets:    len(buckets),
			TotalRequests:   len(all),
			PendingRequests: pending,
			ActiveUsers:     active,
			SecurityAlerts:  s.metrics.DeniedDecisions(),
		})
		return
	}

	decisions, err := s.authz.Accessible(ctx, user, buckets)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	accessible, restricted := partition(buckets, decisions)

	mine, err := s.access.ListForUser(ctx, user.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	pending := 0
	for _, req := range mine {
		if req.Status == database.StatusPending {
			pending++
		}
	}

	middleware.WriteJSON(w, http.StatusOK, userStats{
		AccessibleBuckets: len(accessible),
		PendingRequests:   pending,
		RestrictedBuckets: len(restricted),
		TotalRequests:     len(mine),
	})
}
