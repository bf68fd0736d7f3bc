package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const userColumns = "id, email, credential_secret, state, created_at"

// RegisterUser stores a new user in the registered state. It returns
// ErrDuplicateUser when the email or the id is already taken.
func (s *Store) RegisterUser(ctx context.Context, email, secret string, userID int64) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return User{}, fmt.Errorf("email must not be empty")
	}
	u := User{
		ID:               userID,
		Email:            email,
		CredentialSecret: secret,
		State:            StateRegistered,
		CreatedAt:        time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (:id, :email, :credential_secret, :state, :created_at)", u)
	if err != nil {
		if isConstraint(err) {
			return User{}, ErrDuplicateUser
		}
		return User{}, &PersistenceError{Op: "register_user", Err: err}
	}
	return u, nil
}

func (s *Store) LookupUser(ctx context.Context, userID int64) (User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, "SELECT "+userColumns+" FROM users WHERE id = ?", userID)
	if err != nil {
		if isNoRows(err) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("looking up user %d: %w", userID, err)
	}
	return u, nil
}

func (s *Store) SetState(ctx context.Context, userID int64, st State) error {
	if !st.Valid() {
		return fmt.Errorf("invalid state %q", st)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE users SET state = ? WHERE id = ?", st, userID)
	if err != nil {
		return &PersistenceError{Op: "set_state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByState returns users in the given state, oldest registration first.
func (s *Store) ListByState(ctx context.Context, st State) ([]User, error) {
	var users []User
	err := s.db.SelectContext(ctx, &users,
		"SELECT "+userColumns+" FROM users WHERE state = ? ORDER BY created_at, id", st)
	if err != nil {
		return nil, fmt.Errorf("listing users by state %s: %w", st, err)
	}
	return users, nil
}
