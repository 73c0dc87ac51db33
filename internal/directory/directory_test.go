package directory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore fails the user operations named in errs
type failingStore struct {
	*database.MemoryStore
	errs map[string]error
}

func (f *failingStore) GetUserByCognitoID(ctx context.Context, id string) (*database.User, error) {
	if err := f.errs["GetUserByCognitoID"]; err != nil {
		return nil, err
	}
	return f.MemoryStore.GetUserByCognitoID(ctx, id)
}

func (f *failingStore) UpdateUserIdentity(ctx context.Context, u *database.User) error {
	if err := f.errs["UpdateUserIdentity"]; err != nil {
		return err
	}
	return f.MemoryStore.UpdateUserIdentity(ctx, u)
}

// slowLookupStore widens the gap between the lookup and the insert so
// concurrent first requests all miss the lookup
type slowLookupStore struct {
	*database.MemoryStore
	delay time.Duration
}

func (s *slowLookupStore) GetUserByCognitoID(ctx context.Context, id string) (*database.User, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.GetUserByCognitoID(ctx, id)
}

func TestInferRole(t *testing.T) {
	tests := []struct {
		name   string
		groups []string
		want   database.Role
	}{
		{"admin group", []string{"developers", "admin"}, database.RoleAdmin},
		{"administrators", []string{"administrators"}, database.RoleAdmin},
		{"capitalized Admin", []string{"Admin"}, database.RoleAdmin},
		{"case sensitive", []string{"ADMIN"}, database.RoleUser},
		{"no groups", nil, database.RoleUser},
		{"regular groups", []string{"developers", "qa-team"}, database.RoleUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferRole(tt.groups, DefaultAdminGroups))
		})
	}
}

func TestResolveUser_CreatesOnFirstSight(t *testing.T) {
	store := database.NewMemoryStore()
	dir := New(store, nil)

	user, err := dir.ResolveUser(context.Background(), &identity.Identity{
		Subject: "sub-1", Username: "alice", Email: "alice@example.com", Groups: []string{"developers"},
	})
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, database.RoleUser, user.Role)
	assert.Equal(t, []string{"developers"}, []string(user.Groups))

	stored, err := store.GetUserByCognitoID(context.Background(), "sub-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, user.ID, stored.ID)
}

func TestResolveUser_RefreshesRoleAndGroups(t *testing.T) {
	store := database.NewMemoryStore()
	dir := New(store, nil)
	ctx := context.Background()

	first, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "sub-1", Username: "alice", Email: "a@example.com", Groups: []string{"developers"}})
	require.NoError(t, err)

	promoted, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "sub-1", Username: "alice", Email: "a@example.com", Groups: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, promoted.ID)
	assert.Equal(t, database.RoleAdmin, promoted.Role)

	demoted, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "sub-1", Groups: nil})
	require.NoError(t, err)
	assert.Equal(t, database.RoleUser, demoted.Role)
	assert.Empty(t, demoted.Groups)
	assert.Equal(t, "alice", demoted.Username, "missing username keeps the stored one")

	users, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestResolveUser_ConcurrentFirstRequests(t *testing.T) {
	store := &slowLookupStore{MemoryStore: database.NewMemoryStore(), delay: 5 * time.Millisecond}
	dir := New(store, nil)
	id := &identity.Identity{Subject: "sub-1", Username: "alice", Email: "alice@example.com", Groups: []string{"developers"}}

	const requests = 3
	var wg sync.WaitGroup
	ids := make([]int64, requests)
	errs := make([]error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, err := dir.ResolveUser(context.Background(), id)
			errs[i] = err
			if user != nil {
				ids[i] = user.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, ids[0], ids[i], "request %d", i)
	}
	users, err := dir.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestResolveUser_WithoutEmail(t *testing.T) {
	dir := New(database.NewMemoryStore(), nil)
	ctx := context.Background()

	first, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "sub-1", Username: "sub-1"})
	require.NoError(t, err)
	second, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "sub-2", Username: "sub-2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Empty(t, second.Email)

	users, err := dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestResolveUser_CustomAdminGroups(t *testing.T) {
	dir := New(database.NewMemoryStore(), []string{"platform-admins"})

	user, err := dir.ResolveUser(context.Background(), &identity.Identity{Subject: "s", Username: "u", Email: "e", Groups: []string{"admin"}})
	require.NoError(t, err)
	assert.Equal(t, database.RoleUser, user.Role)
}

func TestResolveUser_StoreFailures(t *testing.T) {
	boom := errors.New("connection refused")
	ctx := context.Background()
	id := &identity.Identity{Subject: "sub-1", Username: "alice", Email: "a@example.com"}

	lookup := New(&failingStore{MemoryStore: database.NewMemoryStore(), errs: map[string]error{"GetUserByCognitoID": boom}}, nil)
	_, err := lookup.ResolveUser(ctx, id)
	assert.True(t, apperr.Is(err, apperr.KindCollaborator))
	assert.ErrorIs(t, err, boom)

	store := &failingStore{MemoryStore: database.NewMemoryStore(), errs: map[string]error{}}
	dir := New(store, nil)
	_, err = dir.ResolveUser(ctx, id)
	require.NoError(t, err)

	store.errs["UpdateUserIdentity"] = boom
	_, err = dir.ResolveUser(ctx, id)
	assert.True(t, apperr.Is(err, apperr.KindCollaborator))
}

func TestGet(t *testing.T) {
	dir := New(database.NewMemoryStore(), nil)

	_, err := dir.Get(context.Background(), 99)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCountActiveSince(t *testing.T) {
	store := database.NewMemoryStore()
	dir := New(store, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now.Add(-48 * time.Hour) }
	_, err := dir.ResolveUser(ctx, &identity.Identity{Subject: "old", Username: "old", Email: "old@example.com"})
	require.NoError(t, err)

	dir.now = func() time.Time { return now }
	_, err = dir.ResolveUser(ctx, &identity.Identity{Subject: "new", Username: "new", Email: "new@example.com"})
	require.NoError(t, err)

	count, err := dir.CountActiveSince(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
