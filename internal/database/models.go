package database

import (
	"time"

	"github.com/lib/pq"
)

// Role is a user's portal role, derived from identity-provider groups
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// AccessLevel is the granularity tag of a bucket permission
type AccessLevel string

const (
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessAdmin AccessLevel = "admin"
)

// Valid reports whether l is a known access level
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessRead, AccessWrite, AccessAdmin:
		return true
	}
	return false
}

// Rank orders access levels from weakest to strongest
func (l AccessLevel) Rank() int {
	switch l {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	}
	return 0
}

// RequestStatus is the state of an access request
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// Terminal reports whether no further transition is allowed from s
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusDenied
}

// User represents a portal user mirrored from the identity provider
type User struct {
	ID        int64          `db:"id" json:"id"`
	CognitoID string         `db:"cognito_id" json:"cognitoId"`
	Username  string         `db:"username" json:"username"`
	Email     string         `db:"email" json:"email"`
	Role      Role           `db:"role" json:"role"`
	Groups    pq.StringArray `db:"cognito_groups" json:"cognitoGroups"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Bucket is a catalog entry mirroring one storage bucket
type Bucket struct {
	ID           int64      `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Region       string     `db:"region" json:"region"`
	ARN          string     `db:"arn" json:"arn"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	MissingSince *time.Time `db:"missing_since" json:"missingSince,omitempty"`
}

// BucketPermission grants one user one access level on one bucket.
// ExpiresAt is nil for direct administrative grants.
type BucketPermission struct {
	ID          int64       `db:"id" json:"id"`
	UserID      int64       `db:"user_id" json:"userId"`
	BucketID    int64       `db:"bucket_id" json:"bucketId"`
	AccessLevel AccessLevel `db:"access_level" json:"accessLevel"`
	ExpiresAt   *time.Time  `db:"expires_at" json:"expiresAt,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
}

// ActiveAt reports whether the permission is still in force at t
func (p *BucketPermission) ActiveAt(t time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(t)
}

// PermissionWithBucket is a permission joined with its bucket
type PermissionWithBucket struct {
	BucketPermission
	Bucket Bucket `db:"bucket" json:"bucket"`
}

// PermissionWithUser is a permission joined with its holder
type PermissionWithUser struct {
	BucketPermission
	User User `db:"user" json:"user"`
}

// AccessRequest is a user's request for temporary read access to a bucket
type AccessRequest struct {
	ID                int64         `db:"id" json:"id"`
	UserID            int64         `db:"user_id" json:"userId"`
	BucketID          int64         `db:"bucket_id" json:"bucketId"`
	RequestedDuration int           `db:"requested_duration" json:"requestedDuration"`
	Justification     string        `db:"justification" json:"justification"`
	Status            RequestStatus `db:"status" json:"status"`
	ApprovedBy        *int64        `db:"approved_by" json:"approvedBy"`
	ApprovedAt        *time.Time    `db:"approved_at" json:"approvedAt"`
	ExpiresAt         *time.Time    `db:"expires_at" json:"expiresAt"`
	CreatedAt         time.Time     `db:"created_at" json:"createdAt"`
}

// AccessRequestWithBucket is an access request joined with its bucket
type AccessRequestWithBucket struct {
	AccessRequest
	Bucket Bucket `db:"bucket" json:"bucket"`
}

// AccessRequestWithUserBucket is an access request joined with requester and bucket
type AccessRequestWithUserBucket struct {
	AccessRequest
	User   User   `db:"user" json:"user"`
	Bucket Bucket `db:"bucket" json:"bucket"`
}

// Decision carries the inputs of a terminal transition
type Decision struct {
	RequestID  int64
	Status     RequestStatus
	ApproverID int64
	DecidedAt  time.Time
	// DurationHours overrides the requested duration on approval when set
	DurationHours *int
}

// apply moves a pending request to the decided status. On approval it returns
// the read permission that must be created alongside.
func (d Decision) apply(req *AccessRequest) *BucketPermission {
	req.Status = d.Status
	if d.Status != StatusApproved {
		return nil
	}

	hours := req.RequestedDuration
	if d.DurationHours != nil {
		hours = *d.DurationHours
	}
	approvedAt := d.DecidedAt
	expiresAt := approvedAt.Add(time.Duration(hours) * time.Hour)
	approver := d.ApproverID

	req.ApprovedBy = &approver
	req.ApprovedAt = &approvedAt
	req.ExpiresAt = &expiresAt

	return &BucketPermission{
		UserID:      req.UserID,
		BucketID:    req.BucketID,
		AccessLevel: AccessRead,
		ExpiresAt:   &expiresAt,
		CreatedAt:   approvedAt,
	}
}
