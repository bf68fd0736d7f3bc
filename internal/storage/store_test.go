package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	logx "lmsbot/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.RegisterUser(ctx, "ann@example.com", "pw", 42)
	if err != nil {
		t.Fatalf("RegisterUser() error: %v", err)
	}
	if u.State != StateRegistered {
		t.Fatalf("state = %q, want registered", u.State)
	}

	got, err := s.LookupUser(ctx, 42)
	if err != nil {
		t.Fatalf("LookupUser() error: %v", err)
	}
	if got.Email != "ann@example.com" || got.CredentialSecret != "pw" || got.State != StateRegistered {
		t.Fatalf("LookupUser() = %+v", got)
	}

	if _, err := s.LookupUser(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupUser(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.RegisterUser(ctx, "ann@example.com", "pw", 1); err != nil {
		t.Fatalf("first RegisterUser() error: %v", err)
	}
	if _, err := s.RegisterUser(ctx, "ann@example.com", "other", 2); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("duplicate email err = %v, want ErrDuplicateUser", err)
	}
	if _, err := s.RegisterUser(ctx, "bob@example.com", "other", 1); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("duplicate id err = %v, want ErrDuplicateUser", err)
	}

	u, err := s.LookupUser(ctx, 1)
	if err != nil || u.CredentialSecret != "pw" {
		t.Fatalf("first registration changed: %+v, %v", u, err)
	}
}

func TestDeliveredRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.RegisterUser(ctx, "ann@example.com", "pw", 1); err != nil {
		t.Fatalf("RegisterUser() error: %v", err)
	}

	got, err := s.DeliveredIDs(ctx, 1)
	if err != nil || len(got) != 0 {
		t.Fatalf("DeliveredIDs(empty) = %v, %v", got, err)
	}

	if err := s.RecordDelivered(ctx, 1, []int64{1, 3}); err != nil {
		t.Fatalf("RecordDelivered() error: %v", err)
	}
	// Repeated ids are ignored.
	if err := s.RecordDelivered(ctx, 1, []int64{3, 3, 5}); err != nil {
		t.Fatalf("RecordDelivered(repeat) error: %v", err)
	}

	got, err = s.DeliveredIDs(ctx, 1)
	if err != nil {
		t.Fatalf("DeliveredIDs() error: %v", err)
	}
	for _, id := range []int64{1, 3, 5} {
		if !got.Has(id) {
			t.Fatalf("DeliveredIDs() = %v, missing %d", got, id)
		}
	}
	if n, err := s.CountDelivered(ctx, 1); err != nil || n != 3 {
		t.Fatalf("CountDelivered() = %d, %v; want 3", n, err)
	}
}

func TestDeliveredIsPerUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	for i, email := range []string{"a@x", "b@x"} {
		if _, err := s.RegisterUser(ctx, email, "pw", int64(i+1)); err != nil {
			t.Fatalf("RegisterUser() error: %v", err)
		}
	}
	if err := s.RecordDelivered(ctx, 1, []int64{10}); err != nil {
		t.Fatalf("RecordDelivered() error: %v", err)
	}
	if err := s.RecordDelivered(ctx, 2, []int64{10}); err != nil {
		t.Fatalf("RecordDelivered(other user) error: %v", err)
	}
	got, _ := s.DeliveredIDs(ctx, 2)
	if !got.Has(10) || len(got) != 1 {
		t.Fatalf("DeliveredIDs(2) = %v", got)
	}
}

func TestRecordDeliveredUnknownUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	err := s.RecordDelivered(context.Background(), 99, []int64{1})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	for i, email := range []string{"a@x", "b@x", "c@x"} {
		if _, err := s.RegisterUser(ctx, email, "pw", int64(i+1)); err != nil {
			t.Fatalf("RegisterUser() error: %v", err)
		}
	}
	if err := s.SetState(ctx, 1, StateTracking); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if err := s.SetState(ctx, 3, StateTracking); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if err := s.SetState(ctx, 3, StateIdle); err != nil {
		t.Fatalf("SetState() error: %v", err)
	}
	if err := s.SetState(ctx, 9, StateIdle); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetState(unknown) err = %v, want ErrNotFound", err)
	}
	if err := s.SetState(ctx, 1, State("bogus")); err == nil {
		t.Fatalf("SetState(bogus) should fail")
	}

	tracking, err := s.ListByState(ctx, StateTracking)
	if err != nil {
		t.Fatalf("ListByState() error: %v", err)
	}
	if len(tracking) != 1 || tracking[0].ID != 1 {
		t.Fatalf("ListByState(tracking) = %+v", tracking)
	}
}

func TestOpenFileReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "bot.db")

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := s.RegisterUser(ctx, "ann@example.com", "pw", 1); err != nil {
		t.Fatalf("RegisterUser() error: %v", err)
	}
	if err := s.RecordDelivered(ctx, 1, []int64{7}); err != nil {
		t.Fatalf("RecordDelivered() error: %v", err)
	}
	s.Close()

	s, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s.Close()
	got, err := s.DeliveredIDs(ctx, 1)
	if err != nil || !got.Has(7) {
		t.Fatalf("DeliveredIDs() after reopen = %v, %v", got, err)
	}
}
