package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lmsbot/internal/delivery"
	"lmsbot/internal/eventbus"
	"lmsbot/internal/lms"
	"lmsbot/internal/notification"
	"lmsbot/internal/storage"
	kit "lmsbot/internal/transport"
	logx "lmsbot/pkg/logx"
)

type memUsers struct {
	mu    sync.Mutex
	users map[int64]storage.User
}

func newMemUsers(users ...storage.User) *memUsers {
	m := &memUsers{users: map[int64]storage.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) LookupUser(_ context.Context, id int64) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) SetState(_ context.Context, id int64, st storage.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return storage.ErrNotFound
	}
	u.State = st
	m.users[id] = u
	return nil
}

func (m *memUsers) ListByState(_ context.Context, st storage.State) ([]storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.User
	for _, u := range m.users {
		if u.State == st {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memUsers) state(id int64) storage.State {
	u, _ := m.LookupUser(context.Background(), id)
	return u.State
}

type fakeSession struct {
	mu        sync.Mutex
	markReads int
}

func (f *fakeSession) FetchUnread(context.Context) ([]notification.Raw, error) { return nil, nil }
func (f *fakeSession) MarkRead(context.Context) error {
	f.mu.Lock()
	f.markReads++
	f.mu.Unlock()
	return nil
}

type fakeAuth struct {
	mu    sync.Mutex
	calls int
	err   error
	sess  *fakeSession
}

func (a *fakeAuth) auth(_ context.Context, login, password string) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	if a.sess == nil {
		a.sess = &fakeSession{}
	}
	return a.sess, nil
}

func (a *fakeAuth) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type runnerFunc func(ctx context.Context, user storage.User, src delivery.Source) (int, error)

func (f runnerFunc) RunCycle(ctx context.Context, user storage.User, src delivery.Source) (int, error) {
	return f(ctx, user, src)
}

type recordSender struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (r *recordSender) Send(_ context.Context, userID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msgs == nil {
		r.msgs = map[int64][]string{}
	}
	r.msgs[userID] = append(r.msgs[userID], text)
	return nil
}

func user(id int64, st storage.State) storage.User {
	return storage.User{ID: id, Email: fmt.Sprintf("u%d@example.com", id), CredentialSecret: "pw", State: st}
}

func newTestService(t *testing.T, cfg Config, users *memUsers, auth *fakeAuth, run Runner, notify delivery.Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s, err := New(cfg, Deps{Users: users, Runner: run, Auth: auth.auth, Notify: notify, Bus: bus, Log: logx.Nop()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

var okRunner = runnerFunc(func(context.Context, storage.User, delivery.Source) (int, error) { return 1, nil })

func TestEnableDisable(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateRegistered))
	s := newTestService(t, Config{}, users, &fakeAuth{}, okRunner, nil, nil)
	ctx := context.Background()

	if err := s.Enable(ctx, 9); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Enable(unknown) = %v, want ErrNotRegistered", err)
	}
	if err := s.Enable(ctx, 1); err != nil {
		t.Fatalf("Enable() error: %v", err)
	}
	if users.state(1) != storage.StateTracking || !s.Status(1).Scheduled {
		t.Fatalf("user not tracking after Enable")
	}
	if s.Status(1).Next.IsZero() {
		t.Fatalf("expected a next run time")
	}
	if err := s.Disable(ctx, 1); err != nil {
		t.Fatalf("Disable() error: %v", err)
	}
	if users.state(1) != storage.StateIdle || s.Status(1).Scheduled {
		t.Fatalf("user still tracking after Disable")
	}
	// Re-enable from idle.
	if err := s.Enable(ctx, 1); err != nil || users.state(1) != storage.StateTracking {
		t.Fatalf("re-Enable() = %v, state %s", err, users.state(1))
	}
}

func TestEnableRejectedCredentials(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateRegistered))
	auth := &fakeAuth{err: &lms.AuthError{Location: "https://passport.yandex.ru/auth/challenge"}}
	s := newTestService(t, Config{}, users, auth, okRunner, nil, nil)

	var ae *lms.AuthError
	if err := s.Enable(context.Background(), 1); !errors.As(err, &ae) {
		t.Fatalf("Enable() = %v, want *lms.AuthError", err)
	}
	if users.state(1) != storage.StateRegistered {
		t.Fatalf("state = %s, want registered", users.state(1))
	}
}

func TestRunNowReauthenticatesOnce(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	auth := &fakeAuth{}
	calls := 0
	run := runnerFunc(func(context.Context, storage.User, delivery.Source) (int, error) {
		calls++
		if calls == 1 {
			return 0, &delivery.CycleError{Stage: delivery.StageFetch, Err: &lms.TransportError{Op: "fetch", Status: 401, Err: lms.ErrSessionExpired}}
		}
		return 2, nil
	})
	s := newTestService(t, Config{}, users, auth, run, nil, nil)

	n, err := s.RunNow(context.Background(), 1)
	if err != nil || n != 2 {
		t.Fatalf("RunNow() = %d, %v; want 2, nil", n, err)
	}
	if auth.count() != 2 {
		t.Fatalf("auth calls = %d, want 2", auth.count())
	}
	st := s.Status(1)
	if st.LastSent != 2 || st.LastErr != nil || st.LastRun.IsZero() {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunNowGivesUpAfterOneReauth(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	auth := &fakeAuth{}
	run := runnerFunc(func(context.Context, storage.User, delivery.Source) (int, error) {
		return 0, &lms.TransportError{Op: "fetch", Status: 403, Err: lms.ErrSessionExpired}
	})
	s := newTestService(t, Config{}, users, auth, run, nil, nil)

	if _, err := s.RunNow(context.Background(), 1); !errors.Is(err, lms.ErrSessionExpired) {
		t.Fatalf("RunNow() = %v, want ErrSessionExpired", err)
	}
	if auth.count() != 2 {
		t.Fatalf("auth calls = %d, want 2", auth.count())
	}
}

func TestRunNowRequiresTracking(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateIdle))
	s := newTestService(t, Config{}, users, &fakeAuth{}, okRunner, nil, nil)
	if _, err := s.RunNow(context.Background(), 1); !errors.Is(err, ErrNotTracking) {
		t.Fatalf("RunNow() = %v, want ErrNotTracking", err)
	}
}

func TestRunNowBusy(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	started := make(chan struct{})
	release := make(chan struct{})
	run := runnerFunc(func(context.Context, storage.User, delivery.Source) (int, error) {
		close(started)
		<-release
		return 0, nil
	})
	s := newTestService(t, Config{}, users, &fakeAuth{}, run, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), 1)
		done <- err
	}()
	<-started
	if _, err := s.RunNow(context.Background(), 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping RunNow() = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow() error: %v", err)
	}
}

func TestScheduledCycleAuthFailurePauses(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	auth := &fakeAuth{err: &lms.AuthError{Location: "x"}}
	notify := &recordSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TopicTrackingChanged)
	defer unsub()
	s := newTestService(t, Config{}, users, auth, okRunner, notify, bus)

	if n, err := s.Restore(context.Background()); err != nil || n != 1 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}
	s.scheduledCycle(1)

	if users.state(1) != storage.StateIdle {
		t.Fatalf("state = %s, want idle", users.state(1))
	}
	if s.Status(1).Scheduled {
		t.Fatalf("user should be unscheduled")
	}
	if len(notify.msgs[1]) != 1 {
		t.Fatalf("user should be notified once, got %v", notify.msgs[1])
	}
	e := <-events
	if ch, ok := e.Data.(eventbus.TrackingChange); !ok || ch.Enabled || ch.UserID != 1 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestScheduledCycleUnreachableChatPauses(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	notify := &recordSender{}
	blocked := runnerFunc(func(context.Context, storage.User, delivery.Source) (int, error) {
		return 0, &delivery.CycleError{Stage: delivery.StageSend, Err: fmt.Errorf("%w: bot was blocked", kit.ErrRecipientUnavailable)}
	})
	s := newTestService(t, Config{}, users, &fakeAuth{}, blocked, notify, nil)
	if _, err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	s.scheduledCycle(1)

	if users.state(1) != storage.StateIdle || s.Status(1).Scheduled {
		t.Fatalf("user should be paused, state = %s", users.state(1))
	}
	if len(notify.msgs[1]) != 0 {
		t.Fatalf("unreachable user was messaged: %v", notify.msgs[1])
	}
}

func TestCycleEventsAndMarkRead(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	auth := &fakeAuth{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.TopicCycleDone, eventbus.TopicCycleFailed)
	defer unsub()
	s := newTestService(t, Config{MarkReadAfterCycle: true}, users, auth, okRunner, nil, bus)

	if _, err := s.RunNow(context.Background(), 1); err != nil {
		t.Fatalf("RunNow() error: %v", err)
	}
	e := <-events
	res, ok := e.Data.(eventbus.CycleResult)
	if e.Topic != eventbus.TopicCycleDone || !ok || res.Delivered != 1 || res.CycleID == "" {
		t.Fatalf("unexpected event %+v", e)
	}
	if auth.sess.markReads != 1 {
		t.Fatalf("MarkRead calls = %d, want 1", auth.sess.markReads)
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	users := newMemUsers(user(1, storage.StateTracking))
	s := newTestService(t, Config{Schedule: "10m"}, users, &fakeAuth{}, okRunner, nil, nil)
	if _, err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if err := s.Apply(Config{Schedule: "nope"}); err == nil {
		t.Fatalf("Apply() should reject invalid schedule")
	}
	if err := s.Apply(Config{Schedule: "*/30 * * * *"}); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !s.Status(1).Scheduled || s.Status(1).Next.IsZero() {
		t.Fatalf("user lost its schedule after Apply")
	}
}
