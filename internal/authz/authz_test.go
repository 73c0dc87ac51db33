package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/opa"
)

func TestInferEnvironment(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"myapp-dev-data", "dev"},
		{"myapp-prod", "prod"},
		{"company-test-assets", "test"},
		{"company-staging", "staging"},
		{"MyApp-PROD-Logs", "prod"},
		{"devtools-bucket", EnvUnknown},
		{"production-data", EnvUnknown},
		{"app-dev-prod", "dev"},
		{"plainbucket", EnvUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InferEnvironment(tt.name))
		})
	}
}

type fixture struct {
	store  *database.MemoryStore
	engine *Engine
	bucket *database.Bucket
	now    time.Time
	users  int
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	bucket := &database.Bucket{Name: "payments-prod-ledger", Region: "us-east-1"}
	_, err := store.CreateBucket(context.Background(), bucket)
	require.NoError(t, err)

	f := &fixture{
		store:  store,
		engine: NewEngine(store, opts),
		bucket: bucket,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) user(t *testing.T, role database.Role, groups ...string) *database.User {
	t.Helper()
	f.users++
	name := fmt.Sprintf("user%d", f.users)
	u := &database.User{CognitoID: "sub-" + name, Username: name, Email: name + "@example.com", Role: role, Groups: pq.StringArray(groups)}
	require.NoError(t, f.store.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) grant(t *testing.T, userID int64, level database.AccessLevel, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, f.store.GrantPermission(context.Background(), &database.BucketPermission{
		UserID: userID, BucketID: f.bucket.ID, AccessLevel: level, ExpiresAt: expiresAt,
	}))
}

func TestCanAccessBucket_Admin(t *testing.T) {
	f := newFixture(t, Options{EnforceExpiry: true})
	admin := f.user(t, database.RoleAdmin)

	d, err := f.engine.CanAccessBucket(context.Background(), admin, "anything-at-all")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RuleAdmin, d.Rule)
}

func TestCanAccessBucket_Groups(t *testing.T) {
	f := newFixture(t, Options{EnforceExpiry: true})
	ctx := context.Background()
	dev := f.user(t, database.RoleUser, "developers")

	d, err := f.engine.CanAccessBucket(ctx, dev, "myapp-dev-data")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RuleGroups, d.Rule)

	d, err = f.engine.CanAccessBucket(ctx, dev, "payments-prod-ledger")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleNone, d.Rule)
	assert.Contains(t, d.Reason, "prod")

	d, err = f.engine.CanAccessBucket(ctx, dev, "random-bucket")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "unknown environment allows no group")
}

func TestCanAccessBucket_Grant(t *testing.T) {
	f := newFixture(t, Options{EnforceExpiry: true})
	ctx := context.Background()
	u := f.user(t, database.RoleUser, "marketing")

	d, err := f.engine.CanAccessBucket(ctx, u, f.bucket.Name)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	f.grant(t, u.ID, database.AccessRead, nil)
	f.grant(t, u.ID, database.AccessWrite, nil)

	d, err = f.engine.CanAccessBucket(ctx, u, f.bucket.Name)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RuleGrant, d.Rule)
	assert.Equal(t, database.AccessWrite, d.Level)

	d, err = f.engine.CanAccessBucket(ctx, u, "not-cataloged-prod")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "grant rule is false for unknown bucket names")
}

func TestCanAccessBucket_Expiry(t *testing.T) {
	ctx := context.Background()

	enforced := newFixture(t, Options{EnforceExpiry: true})
	u := enforced.user(t, database.RoleUser)
	expires := enforced.now.Add(time.Hour)
	enforced.grant(t, u.ID, database.AccessRead, &expires)

	d, err := enforced.engine.CanAccessBucket(ctx, u, enforced.bucket.Name)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	enforced.now = expires
	d, err = enforced.engine.CanAccessBucket(ctx, u, enforced.bucket.Name)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "grant expiring at now no longer counts")

	legacy := newFixture(t, Options{EnforceExpiry: false})
	lu := legacy.user(t, database.RoleUser)
	past := legacy.now.Add(-24 * time.Hour)
	legacy.grant(t, lu.ID, database.AccessRead, &past)

	d, err = legacy.engine.CanAccessBucket(ctx, lu, legacy.bucket.Name)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCanAccessBucket_CustomGroups(t *testing.T) {
	f := newFixture(t, Options{
		EnforceExpiry:     true,
		EnvironmentGroups: map[string][]string{"prod": {"sre"}},
	})
	sre := f.user(t, database.RoleUser, "sre")

	d, err := f.engine.CanAccessBucket(context.Background(), sre, f.bucket.Name)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, f.engine.AllowedGroups("dev"))
}

type stubPolicy struct {
	allow bool
	err   error
	input opa.Input
	calls int
}

func (s *stubPolicy) Evaluate(_ context.Context, input opa.Input) (bool, error) {
	s.calls++
	s.input = input
	return s.allow, s.err
}

func TestCanAccessBucket_Policy(t *testing.T) {
	ctx := context.Background()

	policy := &stubPolicy{allow: true}
	f := newFixture(t, Options{EnforceExpiry: true, Policy: policy})
	u := f.user(t, database.RoleUser, "auditors")

	d, err := f.engine.CanAccessBucket(ctx, u, f.bucket.Name)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, RulePolicy, d.Rule)
	assert.Equal(t, "bucket:list", policy.input.Action)
	assert.Equal(t, "prod", policy.input.Resource.Environment)
	assert.Equal(t, []string{"auditors"}, policy.input.User.Groups)

	admin := f.user(t, database.RoleAdmin)
	_, err = f.engine.CanAccessBucket(ctx, admin, f.bucket.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, policy.calls, "policy is not consulted when an earlier rule allows")

	failing := &stubPolicy{allow: true, err: errors.New("opa down")}
	f2 := newFixture(t, Options{EnforceExpiry: true, Policy: failing})
	u2 := f2.user(t, database.RoleUser)
	d, err = f2.engine.CanAccessBucket(ctx, u2, f2.bucket.Name)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCanAccessBucket_NilUser(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.engine.CanAccessBucket(context.Background(), nil, "x")
	assert.Error(t, err)
}

func TestAccessible(t *testing.T) {
	f := newFixture(t, Options{EnforceExpiry: true})
	ctx := context.Background()
	dev := &database.Bucket{Name: "web-dev-assets"}
	other := &database.Bucket{Name: "finance-archive"}
	for _, b := range []*database.Bucket{dev, other} {
		_, err := f.store.CreateBucket(ctx, b)
		require.NoError(t, err)
	}
	u := f.user(t, database.RoleUser, "dev-team")
	f.grant(t, u.ID, database.AccessRead, nil)

	all, err := f.store.ListBuckets(ctx)
	require.NoError(t, err)
	decisions, err := f.engine.Accessible(ctx, u, all)
	require.NoError(t, err)

	assert.Equal(t, RuleGrant, decisions[f.bucket.ID].Rule)
	assert.Equal(t, RuleGroups, decisions[dev.ID].Rule)
	assert.False(t, decisions[other.ID].Allowed)

	level, err := f.engine.GrantLevel(ctx, u.ID, f.bucket.Name)
	require.NoError(t, err)
	assert.Equal(t, database.AccessRead, level)
}
