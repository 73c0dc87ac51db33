package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for local development and tests.
// A single mutex serializes every operation, which also makes
// DecideAccessRequest atomic.
type MemoryStore struct {
	mu sync.Mutex

	users       map[int64]*User
	buckets     map[int64]*Bucket
	permissions map[int64]*BucketPermission
	requests    map[int64]*AccessRequest
	lastID      int64

	now func() time.Time
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*User),
		buckets:     make(map[int64]*Bucket),
		permissions: make(map[int64]*BucketPermission),
		requests:    make(map[int64]*AccessRequest),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) nextID() int64 {
	m.lastID++
	return m.lastID
}

// GetUser retrieves a user by internal id
func (m *MemoryStore) GetUser(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[id]; ok {
		c := copyUser(u)
		return &c, nil
	}
	return nil, nil
}

// GetUserByCognitoID retrieves a user by the identity provider subject
func (m *MemoryStore) GetUserByCognitoID(_ context.Context, cognitoID string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.CognitoID == cognitoID {
			c := copyUser(u)
			return &c, nil
		}
	}
	return nil, nil
}

// CreateUser creates a new user, enforcing the same uniqueness as the schema
func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.CognitoID == user.CognitoID {
			return fmt.Errorf("cognito id %q: %w", user.CognitoID, ErrUserExists)
		}
		if u.Username == user.Username || (user.Email != "" && u.Email == user.Email) {
			return fmt.Errorf("failed to create user: duplicate identity %q", user.CognitoID)
		}
	}

	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now()
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}
	user.ID = m.nextID()

	c := copyUser(user)
	m.users[user.ID] = &c
	return nil
}

// UpdateUserIdentity overwrites the provider-derived attributes of a user
func (m *MemoryStore) UpdateUserIdentity(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.ID]
	if !ok {
		return fmt.Errorf("user %d: %w", user.ID, ErrNotFound)
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = m.now()
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}

	existing.Username = user.Username
	existing.Email = user.Email
	existing.Role = user.Role
	existing.Groups = append([]string{}, user.Groups...)
	existing.UpdatedAt = user.UpdatedAt
	return nil
}

// ListUsers lists all users, newest first
func (m *MemoryStore) ListUsers(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users := make([]User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, copyUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		return newerFirst(users[i].CreatedAt, users[i].ID, users[j].CreatedAt, users[j].ID)
	})
	return users, nil
}

// CountUsersSeenSince counts users that authenticated at or after since
func (m *MemoryStore) CountUsersSeenSince(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, u := range m.users {
		if !u.UpdatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// GetBucket retrieves a bucket by internal id
func (m *MemoryStore) GetBucket(_ context.Context, id int64) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[id]; ok {
		c := *b
		return &c, nil
	}
	return nil, nil
}

// GetBucketByName retrieves a bucket by its unique name
func (m *MemoryStore) GetBucketByName(_ context.Context, name string) (*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.bucketByName(name); b != nil {
		c := *b
		return &c, nil
	}
	return nil, nil
}

func (m *MemoryStore) bucketByName(name string) *Bucket {
	for _, b := range m.buckets {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// CreateBucket catalogs a bucket unless the name already exists
func (m *MemoryStore) CreateBucket(_ context.Context, bucket *Bucket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bucketByName(bucket.Name) != nil {
		return false, nil
	}
	if bucket.CreatedAt.IsZero() {
		bucket.CreatedAt = m.now()
	}
	bucket.ID = m.nextID()

	c := *bucket
	m.buckets[bucket.ID] = &c
	return true, nil
}

// ListBuckets lists the catalog ordered by name
func (m *MemoryStore) ListBuckets(_ context.Context) ([]Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := make([]Bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// SetBucketMissingSince records or clears the missing marker of a bucket
func (m *MemoryStore) SetBucketMissingSince(_ context.Context, name string, since *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.bucketByName(name); b != nil {
		if since == nil {
			b.MissingSince = nil
		} else {
			t := *since
			b.MissingSince = &t
		}
	}
	return nil
}

// GrantPermission inserts a permission row
func (m *MemoryStore) GrantPermission(_ context.Context, perm *BucketPermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grant(perm)
	return nil
}

func (m *MemoryStore) grant(perm *BucketPermission) {
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = m.now()
	}
	perm.ID = m.nextID()
	c := *perm
	m.permissions[perm.ID] = &c
}

// PermissionsForUser lists every grant held by a user joined with its bucket
func (m *MemoryStore) PermissionsForUser(_ context.Context, userID int64) ([]PermissionWithBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	perms := []PermissionWithBucket{}
	for _, p := range m.permissions {
		if p.UserID != userID {
			continue
		}
		b, ok := m.buckets[p.BucketID]
		if !ok {
			continue
		}
		perms = append(perms, PermissionWithBucket{BucketPermission: *p, Bucket: *b})
	}
	sort.Slice(perms, func(i, j int) bool {
		return newerFirst(perms[i].CreatedAt, perms[i].ID, perms[j].CreatedAt, perms[j].ID)
	})
	return perms, nil
}

// PermissionsForBucket lists every grant on a bucket joined with its holder
func (m *MemoryStore) PermissionsForBucket(_ context.Context, bucketID int64) ([]PermissionWithUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	perms := []PermissionWithUser{}
	for _, p := range m.permissions {
		if p.BucketID != bucketID {
			continue
		}
		u, ok := m.users[p.UserID]
		if !ok {
			continue
		}
		perms = append(perms, PermissionWithUser{BucketPermission: *p, User: copyUser(u)})
	}
	sort.Slice(perms, func(i, j int) bool {
		return newerFirst(perms[i].CreatedAt, perms[i].ID, perms[j].CreatedAt, perms[j].ID)
	})
	return perms, nil
}

// RevokePermissions deletes every grant a user holds on a bucket
func (m *MemoryStore) RevokePermissions(_ context.Context, userID, bucketID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.permissions {
		if p.UserID == userID && p.BucketID == bucketID {
			delete(m.permissions, id)
			n++
		}
	}
	return n, nil
}

// CreateAccessRequest inserts a pending access request
func (m *MemoryStore) CreateAccessRequest(_ context.Context, req *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[req.UserID]; !ok {
		return fmt.Errorf("failed to create access request: user %d: %w", req.UserID, ErrNotFound)
	}
	if _, ok := m.buckets[req.BucketID]; !ok {
		return fmt.Errorf("failed to create access request: bucket %d: %w", req.BucketID, ErrNotFound)
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.now()
	}
	req.Status = StatusPending
	req.ApprovedBy, req.ApprovedAt, req.ExpiresAt = nil, nil, nil
	req.ID = m.nextID()

	c := *req
	m.requests[req.ID] = &c
	return nil
}

// GetAccessRequest retrieves an access request by id
func (m *MemoryStore) GetAccessRequest(_ context.Context, id int64) (*AccessRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.requests[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, nil
}

// DecideAccessRequest checks, transitions and grants under the store lock
func (m *MemoryStore) DecideAccessRequest(_ context.Context, d Decision) (*AccessRequest, *BucketPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.requests[d.RequestID]
	if !ok {
		return nil, nil, fmt.Errorf("access request %d: %w", d.RequestID, ErrNotFound)
	}
	if stored.Status != StatusPending {
		return nil, nil, &StatusConflictError{RequestID: stored.ID, Status: stored.Status}
	}

	req := *stored
	perm := d.apply(&req)
	if perm != nil {
		m.grant(perm)
	}
	*stored = req

	return &req, perm, nil
}

// ListAccessRequests lists every request with requester and bucket, newest first
func (m *MemoryStore) ListAccessRequests(_ context.Context) ([]AccessRequestWithUserBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.joinedRequests(func(*AccessRequest) bool { return true }), nil
}

// ListAccessRequestsByStatus lists requests in one status, newest first
func (m *MemoryStore) ListAccessRequestsByStatus(_ context.Context, status RequestStatus) ([]AccessRequestWithUserBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.joinedRequests(func(r *AccessRequest) bool { return r.Status == status }), nil
}

// ListAccessRequestsForUser lists a user's own requests with bucket, newest first
func (m *MemoryStore) ListAccessRequestsForUser(_ context.Context, userID int64) ([]AccessRequestWithBucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reqs := []AccessRequestWithBucket{}
	for _, r := range m.requests {
		if r.UserID != userID {
			continue
		}
		b, ok := m.buckets[r.BucketID]
		if !ok {
			continue
		}
		reqs = append(reqs, AccessRequestWithBucket{AccessRequest: *r, Bucket: *b})
	}
	sort.Slice(reqs, func(i, j int) bool {
		return newerFirst(reqs[i].CreatedAt, reqs[i].ID, reqs[j].CreatedAt, reqs[j].ID)
	})
	return reqs, nil
}

func (m *MemoryStore) joinedRequests(keep func(*AccessRequest) bool) []AccessRequestWithUserBucket {
	reqs := []AccessRequestWithUserBucket{}
	for _, r := range m.requests {
		if !keep(r) {
			continue
		}
		u, uok := m.users[r.UserID]
		b, bok := m.buckets[r.BucketID]
		if !uok || !bok {
			continue
		}
		reqs = append(reqs, AccessRequestWithUserBucket{AccessRequest: *r, User: copyUser(u), Bucket: *b})
	}
	sort.Slice(reqs, func(i, j int) bool {
		return newerFirst(reqs[i].CreatedAt, reqs[i].ID, reqs[j].CreatedAt, reqs[j].ID)
	})
	return reqs
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

func copyUser(u *User) User {
	c := *u
	c.Groups = append([]string{}, u.Groups...)
	return c
}

func newerFirst(ti time.Time, idi int64, tj time.Time, idj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi > idj
}
