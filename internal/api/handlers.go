package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/einyx/bucket-access-portal/internal/access"
	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/middleware"
	"github.com/einyx/bucket-access-portal/internal/security"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

// decodeJSON reads a JSON body into v, rejecting unknown fields
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required", nil)
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperr.Validation("request body too large", nil)
		}
		return apperr.Validation("invalid request body", map[string]string{"body": err.Error()})
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid id", map[string]string{name: "must be a positive integer"})
	}
	return id, nil
}

func (s *Server) authMe(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user":     middleware.UserFromContext(r.Context()),
		"identity": middleware.IdentityFromContext(r.Context()),
	})
}

func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	name := mux.Vars(r)["name"]
	if err := security.ValidateBucketName(name); err != nil {
		middleware.WriteError(w, r, apperr.Validation("invalid bucket name", map[string]string{"name": err.Error()}))
		return
	}

	decision, err := s.authz.CanAccessBucket(r.Context(), user, name)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if !decision.Allowed {
		middleware.WriteError(w, r, apperr.Forbidden(fmt.Sprintf("Access denied to bucket %s", name)))
		return
	}

	objects, err := s.storage.ListObjects(r.Context(), name)
	if err != nil {
		middleware.WriteError(w, r, apperr.Collaborator("object listing", err))
		return
	}
	if objects == nil {
		objects = []storage.ObjectInfo{}
	}
	middleware.WriteJSON(w, http.StatusOK, objects)
}

func (s *Server) myPermissions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	perms, err := s.permissions.ForUser(r.Context(), user.ID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, perms)
}

func (s *Server) bucketPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	perms, err := s.permissions.ForBucket(r.Context(), id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, perms)
}

type grantRequest struct {
	UserID      int64                `json:"userId"`
	BucketID    int64                `json:"bucketId"`
	AccessLevel database.AccessLevel `json:"accessLevel"`
	ExpiresAt   *time.Time           `json:"expiresAt,omitempty"`
}

func (s *Server) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	if req.AccessLevel == "" {
		req.AccessLevel = database.AccessRead
	}
	perm, err := s.permissions.Grant(r.Context(), req.UserID, req.BucketID, req.AccessLevel, req.ExpiresAt)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, perm)
}

type revokeRequest struct {
	UserID   int64 `json:"userId"`
	BucketID int64 `json:"bucketId"`
}

func (s *Server) revokePermission(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	n, err := s.permissions.Revoke(r.Context(), req.UserID, req.BucketID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}

func (s *Server) listAccessRequests(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var (
		reqs interface{}
		err  error
	)
	if user.IsAdmin() {
		reqs, err = s.access.ListAll(r.Context())
	} else {
		reqs, err = s.access.ListForUser(r.Context(), user.ID)
	}
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, reqs)
}

func (s *Server) pendingAccessRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.access.ListPending(r.Context())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, reqs)
}

type submitRequest struct {
	BucketID          int64  `json:"bucketId"`
	RequestedDuration int    `json:"requestedDuration"`
	Justification     string `json:"justification"`
}

func (s *Server) createAccessRequest(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var body submitRequest
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	req, err := s.access.Submit(r.Context(), access.Submission{
		UserID:            user.ID,
		BucketID:          body.BucketID,
		RequestedDuration: body.RequestedDuration,
		Justification:     body.Justification,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, req)
}

type decideRequest struct {
	Status   string `json:"status"`
	Duration *int   `json:"duration,omitempty"`
}

func (s *Server) decideAccessRequest(w http.ResponseWriter, r *http.Request) {
	approver := middleware.UserFromContext(r.Context())

	id, err := pathID(r, "id")
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var body decideRequest
	if err := decodeJSON(r, &body); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	status := database.RequestStatus(strings.ToLower(strings.TrimSpace(body.Status)))
	req, err := s.access.Decide(r.Context(), id, status, approver.ID, body.Duration)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, req)
}
