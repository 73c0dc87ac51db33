package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, cognito_id, username, email, role, cognito_groups, created_at, updated_at`

// GetUser retrieves a user by internal id
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	var user User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	err := db.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// GetUserByCognitoID retrieves a user by the identity provider subject
func (db *DB) GetUserByCognitoID(ctx context.Context, cognitoID string) (*User, error) {
	var user User
	query := `SELECT ` + userColumns + ` FROM users WHERE cognito_id = $1`

	err := db.GetContext(ctx, &user, query, cognitoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &user, nil
}

// CreateUser creates a new user. A concurrent insert of the same cognito id
// yields ErrUserExists.
func (db *DB) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}

	query := `INSERT INTO users (cognito_id, username, email, role, cognito_groups, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (cognito_id) DO NOTHING
	          RETURNING id`

	err := db.GetContext(ctx, &user.ID, query,
		user.CognitoID, user.Username, user.Email, user.Role, user.Groups, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cognito id %q: %w", user.CognitoID, ErrUserExists)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// UpdateUserIdentity overwrites the provider-derived attributes of a user
func (db *DB) UpdateUserIdentity(ctx context.Context, user *User) error {
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = time.Now().UTC()
	}
	if user.Groups == nil {
		user.Groups = []string{}
	}

	query := `UPDATE users SET username = $2, email = $3, role = $4, cognito_groups = $5, updated_at = $6
	          WHERE id = $1`

	res, err := db.ExecContext(ctx, query,
		user.ID, user.Username, user.Email, user.Role, user.Groups, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", user.ID, ErrNotFound)
	}

	return nil
}

// ListUsers lists all users, newest first
func (db *DB) ListUsers(ctx context.Context) ([]User, error) {
	users := []User{}
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC, id DESC`
	if err := db.SelectContext(ctx, &users, query); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CountUsersSeenSince counts users that authenticated at or after since
func (db *DB) CountUsersSeenSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM users WHERE updated_at >= $1`
	if err := db.GetContext(ctx, &count, query, since); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}
