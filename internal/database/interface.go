package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyDecided is returned when a decision targets a non-pending request
	ErrAlreadyDecided = errors.New("access request already decided")
	// ErrUserExists is returned by CreateUser when the cognito id is already stored
	ErrUserExists = errors.New("user already exists")
)

// StatusConflictError reports the current status of a request that could not be decided
type StatusConflictError struct {
	RequestID int64
	Status    RequestStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("access request %d is %s", e.RequestID, e.Status)
}

// Is matches ErrAlreadyDecided
func (e *StatusConflictError) Is(target error) bool {
	return target == ErrAlreadyDecided
}

// UserStore defines user directory persistence. Lookups return nil, nil when absent.
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByCognitoID(ctx context.Context, cognitoID string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
	UpdateUserIdentity(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]User, error)
	CountUsersSeenSince(ctx context.Context, since time.Time) (int, error)
}

// BucketStore defines bucket catalog persistence. Lookups return nil, nil when absent.
type BucketStore interface {
	GetBucket(ctx context.Context, id int64) (*Bucket, error)
	GetBucketByName(ctx context.Context, name string) (*Bucket, error)
	// CreateBucket inserts bucket unless its name is already cataloged and reports whether it did
	CreateBucket(ctx context.Context, bucket *Bucket) (bool, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)
	SetBucketMissingSince(ctx context.Context, name string, since *time.Time) error
}

// PermissionStore defines bucket permission persistence
type PermissionStore interface {
	GrantPermission(ctx context.Context, perm *BucketPermission) error
	PermissionsForUser(ctx context.Context, userID int64) ([]PermissionWithBucket, error)
	PermissionsForBucket(ctx context.Context, bucketID int64) ([]PermissionWithUser, error)
	RevokePermissions(ctx context.Context, userID, bucketID int64) (int64, error)
}

// AccessRequestStore defines access request persistence
type AccessRequestStore interface {
	CreateAccessRequest(ctx context.Context, req *AccessRequest) error
	GetAccessRequest(ctx context.Context, id int64) (*AccessRequest, error)
	// DecideAccessRequest atomically checks the request is pending, records the
	// decision and, on approval, inserts the read permission. It returns
	// ErrNotFound or a *StatusConflictError.
	DecideAccessRequest(ctx context.Context, d Decision) (*AccessRequest, *BucketPermission, error)
	ListAccessRequests(ctx context.Context) ([]AccessRequestWithUserBucket, error)
	ListAccessRequestsByStatus(ctx context.Context, status RequestStatus) ([]AccessRequestWithUserBucket, error)
	ListAccessRequestsForUser(ctx context.Context, userID int64) ([]AccessRequestWithBucket, error)
}

// Store is the full persistence surface of the portal
type Store interface {
	UserStore
	BucketStore
	PermissionStore
	AccessRequestStore
	Ping(ctx context.Context) error
	Close() error
}
