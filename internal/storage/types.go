package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("storage: user not found")
	ErrDuplicateUser = errors.New("storage: user already registered")
)

// PersistenceError wraps a failed write. Callers must assume nothing from
// the failed call was stored.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// State is the persisted tracking state of a user.
type State string

const (
	StateRegistered State = "registered"
	StateTracking   State = "tracking"
	StateIdle       State = "idle"
)

func (s State) Valid() bool {
	switch s {
	case StateRegistered, StateTracking, StateIdle:
		return true
	}
	return false
}

// User is a registered chat user. ID is the chat platform user id.
type User struct {
	ID               int64     `db:"id"`
	Email            string    `db:"email"`
	CredentialSecret string    `db:"credential_secret"`
	State            State     `db:"state"`
	CreatedAt        time.Time `db:"created_at"`
}

// IDSet is a set of notification ids.
type IDSet map[int64]struct{}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}
