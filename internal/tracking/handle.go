package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lmsbot/internal/storage"
)

// Handle is the per-user tracking state. It owns the user's LMS session; no
// session is shared between users.
type Handle struct {
	userID int64

	// guarded by Service.mu
	entryID   cron.EntryID
	scheduled bool

	// running serializes cycles of this user.
	running sync.Mutex

	mu       sync.Mutex
	sess     Session
	lastRun  time.Time
	lastSent int
	lastErr  error
}

type Status struct {
	Scheduled bool
	LastRun   time.Time
	LastSent  int
	LastErr   error
	Next      time.Time
}

func (h *Handle) ensureSession(ctx context.Context, u storage.User, auth AuthFunc) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sess != nil {
		return h.sess, nil
	}
	sess, err := auth(ctx, u.Email, u.CredentialSecret)
	if err != nil {
		return nil, err
	}
	h.sess = sess
	return sess, nil
}

func (h *Handle) dropSession() {
	h.mu.Lock()
	h.sess = nil
	h.mu.Unlock()
}

func (h *Handle) record(at time.Time, sent int, err error) {
	h.mu.Lock()
	h.lastRun, h.lastSent, h.lastErr = at, sent, err
	h.mu.Unlock()
}

func (h *Handle) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{LastRun: h.lastRun, LastSent: h.lastSent, LastErr: h.lastErr}
}
