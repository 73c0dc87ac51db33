// Package directory mirrors identity-provider users into the portal store
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/einyx/bucket-access-portal/internal/apperr"
	"github.com/einyx/bucket-access-portal/internal/database"
	"github.com/einyx/bucket-access-portal/internal/identity"
	"github.com/sirupsen/logrus"
)

// DefaultAdminGroups are the provider groups that confer the admin role
var DefaultAdminGroups = []string{"admin", "administrators", "Admin"}

// Directory resolves verified identities to portal users
type Directory struct {
	store       database.UserStore
	adminGroups []string
	now         func() time.Time
}

// New creates a directory. An empty adminGroups uses DefaultAdminGroups.
func New(store database.UserStore, adminGroups []string) *Directory {
	if len(adminGroups) == 0 {
		adminGroups = DefaultAdminGroups
	}
	return &Directory{
		store:       store,
		adminGroups: adminGroups,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// InferRole returns admin iff groups intersect adminGroups (case-sensitive)
func InferRole(groups, adminGroups []string) database.Role {
	for _, g := range groups {
		for _, a := range adminGroups {
			if g == a {
				return database.RoleAdmin
			}
		}
	}
	return database.RoleUser
}

// ResolveUser returns the portal user for id, creating it on first sight.
// Role and groups are refreshed from the provider on every call.
func (d *Directory) ResolveUser(ctx context.Context, id *identity.Identity) (*database.User, error) {
	groups := id.Groups
	if groups == nil {
		groups = []string{}
	}
	role := InferRole(groups, d.adminGroups)
	now := d.now()

	user, err := d.store.GetUserByCognitoID(ctx, id.Subject)
	if err != nil {
		return nil, apperr.Collaborator("user lookup", err)
	}

	if user == nil {
		created := &database.User{
			CognitoID: id.Subject,
			Username:  id.Username,
			Email:     id.Email,
			Role:      role,
			Groups:    groups,
			CreatedAt: now,
			UpdatedAt: now,
		}
		err := d.store.CreateUser(ctx, created)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"user_id":  created.ID,
				"username": created.Username,
				"role":     created.Role,
			}).Info("Created user from identity provider")
			return created, nil
		}
		if !errors.Is(err, database.ErrUserExists) {
			return nil, apperr.Collaborator("user creation", err)
		}

		// a concurrent first request inserted the user; refresh it instead
		user, err = d.store.GetUserByCognitoID(ctx, id.Subject)
		if err != nil {
			return nil, apperr.Collaborator("user lookup", err)
		}
		if user == nil {
			return nil, apperr.Collaborator("user creation", fmt.Errorf("cognito id %q: %w", id.Subject, database.ErrNotFound))
		}
	}

	if user.Role != role {
		logrus.WithFields(logrus.Fields{
			"user_id":  user.ID,
			"old_role": user.Role,
			"new_role": role,
		}).Info("User role changed at identity provider")
	}

	user.Role = role
	user.Groups = groups
	if id.Username != "" {
		user.Username = id.Username
	}
	if id.Email != "" {
		user.Email = id.Email
	}
	user.UpdatedAt = now
	if err := d.store.UpdateUserIdentity(ctx, user); err != nil {
		return nil, apperr.Collaborator("user update", err)
	}
	return user, nil
}

// Get returns a user by id
func (d *Directory) Get(ctx context.Context, id int64) (*database.User, error) {
	user, err := d.store.GetUser(ctx, id)
	if err != nil {
		return nil, apperr.Collaborator("user lookup", err)
	}
	if user == nil {
		return nil, apperr.NotFound("user", id)
	}
	return user, nil
}

// List returns every known user, newest first
func (d *Directory) List(ctx context.Context) ([]database.User, error) {
	users, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Collaborator("user listing", err)
	}
	return users, nil
}

// CountActiveSince counts users resolved within window of now
func (d *Directory) CountActiveSince(ctx context.Context, window time.Duration) (int, error) {
	n, err := d.store.CountUsersSeenSince(ctx, d.now().Add(-window))
	if err != nil {
		return 0, apperr.Collaborator("active user count", err)
	}
	return n, nil
}
