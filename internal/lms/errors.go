package lms

import (
	"errors"
	"fmt"
)

// ErrSessionExpired matches TransportErrors caused by the LMS rejecting the
// session cookies (HTTP 401/403). A fresh Authenticate fixes it.
var ErrSessionExpired = errors.New("lms: session expired")

// AuthError means the credentials were not accepted. Location is where the
// login flow ended; Body is the start of that page, useful to spot captchas.
type AuthError struct {
	Location string
	Status   int
	Body     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("lms: authentication failed (landed on %s, status %d)", e.Location, e.Status)
}

// TransportError covers network failures, unexpected statuses and
// undecodable responses.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("lms %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("lms %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
