package tracking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"lmsbot/internal/delivery"
	"lmsbot/internal/eventbus"
	"lmsbot/internal/lms"
	"lmsbot/internal/notification"
	"lmsbot/internal/storage"
	kit "lmsbot/internal/transport"
	logx "lmsbot/pkg/logx"
)

var (
	ErrNotRegistered = errors.New("tracking: user is not registered")
	ErrNotTracking   = errors.New("tracking: tracking is not enabled")
	ErrBusy          = errors.New("tracking: a cycle is already running")
)

// Session is an authenticated LMS session (*lms.Session).
type Session interface {
	FetchUnread(ctx context.Context) ([]notification.Raw, error)
	MarkRead(ctx context.Context) error
}

type AuthFunc func(ctx context.Context, login, password string) (Session, error)

// LMSAuth adapts an lms.Client to AuthFunc.
func LMSAuth(c *lms.Client) AuthFunc {
	return func(ctx context.Context, login, password string) (Session, error) {
		s, err := c.Authenticate(ctx, login, password)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Users interface {
	LookupUser(ctx context.Context, userID int64) (storage.User, error)
	SetState(ctx context.Context, userID int64, st storage.State) error
	ListByState(ctx context.Context, st storage.State) ([]storage.User, error)
}

type Runner interface {
	RunCycle(ctx context.Context, user storage.User, src delivery.Source) (int, error)
}

type Config struct {
	Schedule           string
	CycleTimeout       time.Duration
	MarkReadAfterCycle bool
	Timezone           string
}

const (
	defaultSchedule     = "@every 5m"
	defaultCycleTimeout = 2 * time.Minute
)

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = defaultSchedule
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = defaultCycleTimeout
	}
	return c
}

type Deps struct {
	Users  Users
	Runner Runner
	Auth   AuthFunc
	// Notify tells a user that tracking was paused. Optional.
	Notify delivery.Sender
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Service owns one Handle per user that has a session or a schedule.
// Cycles for one user never overlap; different users run independently.
type Service struct {
	deps Deps
	log  logx.Logger

	mu      sync.Mutex
	cfg     Config
	spec    ParsedSpec
	loc     *time.Location
	c       *cron.Cron
	ctx     context.Context
	handles map[int64]*Handle
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Users == nil || deps.Runner == nil || deps.Auth == nil {
		return nil, errors.New("tracking: users, runner and auth are required")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalized()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("tracking.schedule: %w", err)
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	return &Service{
		deps:    deps,
		log:     log,
		cfg:     cfg,
		spec:    spec,
		loc:     loc,
		ctx:     context.Background(),
		handles: map[int64]*Handle{},
	}, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("tracking.timezone: %w", err)
	}
	return loc, nil
}

func (s *Service) newCron(loc *time.Location) *cron.Cron {
	cl := cronLogger{log: s.log}
	return cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

// Start begins firing schedules. ctx bounds every scheduled cycle.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = s.newCron(s.loc)
	for _, h := range s.handles {
		if h.scheduled {
			s.scheduleLocked(h)
		}
	}
	s.c.Start()
	s.log.Info("tracking started", logx.String("schedule", s.cfg.Schedule), logx.String("tz", s.loc.String()))
}

// Stop stops scheduling and waits for running cycles up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply reschedules every tracked user when the schedule or timezone
// changed. Running cycles are not interrupted.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalized()
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("tracking.schedule: %w", err)
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.Schedule != s.cfg.Schedule || loc.String() != s.loc.String()
	s.cfg, s.spec, s.loc = cfg, spec, loc
	if !changed || s.c == nil {
		return nil
	}

	old := s.c
	s.c = s.newCron(loc)
	for _, h := range s.handles {
		if h.scheduled {
			s.scheduleLocked(h)
		}
	}
	s.c.Start()
	old.Stop()
	s.log.Info("tracking rescheduled", logx.String("schedule", cfg.Schedule), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) handleLocked(userID int64) *Handle {
	h := s.handles[userID]
	if h == nil {
		h = &Handle{userID: userID}
		s.handles[userID] = h
	}
	return h
}

func (s *Service) scheduleLocked(h *Handle) {
	h.scheduled = true
	if s.c == nil {
		return
	}
	if h.entryID != 0 {
		s.c.Remove(h.entryID)
	}
	sched, err := buildSchedule(s.spec, h.userID, time.Now().In(s.loc))
	if err != nil {
		s.log.Error("invalid schedule", logx.Int64("user_id", h.userID), logx.Err(err))
		h.entryID = 0
		return
	}
	userID := h.userID
	h.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.scheduledCycle(userID) }))
}

func (s *Service) unscheduleLocked(h *Handle) {
	h.scheduled = false
	if s.c != nil && h.entryID != 0 {
		s.c.Remove(h.entryID)
	}
	h.entryID = 0
}

func (s *Service) lookup(ctx context.Context, userID int64) (storage.User, error) {
	u, err := s.deps.Users.LookupUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, ErrNotRegistered
	}
	return u, err
}

// Enable validates the user's credentials and starts periodic cycles.
// Enabling an already tracked user is a no-op.
func (s *Service) Enable(ctx context.Context, userID int64) error {
	u, err := s.lookup(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	h := s.handleLocked(userID)
	already := h.scheduled && u.State == storage.StateTracking
	s.mu.Unlock()
	if already {
		return nil
	}

	if _, err := h.ensureSession(ctx, u, s.deps.Auth); err != nil {
		return err
	}
	if err := s.deps.Users.SetState(ctx, userID, storage.StateTracking); err != nil {
		return err
	}

	s.mu.Lock()
	s.scheduleLocked(h)
	s.mu.Unlock()

	s.publish(eventbus.TopicTrackingChanged, eventbus.TrackingChange{UserID: userID, Enabled: true})
	s.log.Info("tracking enabled", logx.Int64("user_id", userID))
	return nil
}

// Disable stops future cycles. A cycle already running finishes.
func (s *Service) Disable(ctx context.Context, userID int64) error {
	if _, err := s.lookup(ctx, userID); err != nil {
		return err
	}
	if err := s.deps.Users.SetState(ctx, userID, storage.StateIdle); err != nil {
		return err
	}
	s.mu.Lock()
	if h := s.handles[userID]; h != nil {
		s.unscheduleLocked(h)
	}
	s.mu.Unlock()

	s.publish(eventbus.TopicTrackingChanged, eventbus.TrackingChange{UserID: userID, Enabled: false})
	s.log.Info("tracking disabled", logx.Int64("user_id", userID))
	return nil
}

// Restore re-arms every user persisted in the tracking state. Sessions are
// created lazily by the first cycle.
func (s *Service) Restore(ctx context.Context) (int, error) {
	users, err := s.deps.Users.ListByState(ctx, storage.StateTracking)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	for _, u := range users {
		s.scheduleLocked(s.handleLocked(u.ID))
	}
	s.mu.Unlock()
	if len(users) > 0 {
		s.log.Info("tracking restored", logx.Int("users", len(users)))
	}
	return len(users), nil
}

// RunNow runs one cycle for a tracked user right away.
func (s *Service) RunNow(ctx context.Context, userID int64) (int, error) {
	u, err := s.lookup(ctx, userID)
	if err != nil {
		return 0, err
	}
	if u.State != storage.StateTracking {
		return 0, ErrNotTracking
	}
	s.mu.Lock()
	h := s.handleLocked(userID)
	s.mu.Unlock()
	return s.runCycle(ctx, h, u)
}

// Session returns the user's LMS session, logging in if needed. It works
// for any registered user, tracked or not.
func (s *Service) Session(ctx context.Context, userID int64) (Session, error) {
	u, err := s.lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	h := s.handleLocked(userID)
	s.mu.Unlock()
	return h.ensureSession(ctx, u, s.deps.Auth)
}

// Forget drops a cached session, e.g. after the LMS rejected it.
func (s *Service) Forget(userID int64) {
	s.mu.Lock()
	h := s.handles[userID]
	s.mu.Unlock()
	if h != nil {
		h.dropSession()
	}
}

// Status reports the last cycle of userID and when the next one fires.
func (s *Service) Status(userID int64) Status {
	s.mu.Lock()
	h := s.handles[userID]
	var next time.Time
	scheduled := false
	if h != nil {
		scheduled = h.scheduled
		if s.c != nil && h.entryID != 0 {
			next = s.c.Entry(h.entryID).Next
		}
	}
	s.mu.Unlock()
	if h == nil {
		return Status{}
	}
	st := h.status()
	st.Scheduled = scheduled
	st.Next = next
	return st
}

func (s *Service) scheduledCycle(userID int64) {
	s.mu.Lock()
	ctx := s.ctx
	h := s.handles[userID]
	s.mu.Unlock()
	if h == nil {
		return
	}
	u, err := s.lookup(ctx, userID)
	if err != nil {
		s.log.Warn("scheduled cycle skipped", logx.Int64("user_id", userID), logx.Err(err))
		return
	}
	if u.State != storage.StateTracking {
		s.mu.Lock()
		s.unscheduleLocked(h)
		s.mu.Unlock()
		return
	}

	_, err = s.runCycle(ctx, h, u)
	var ae *lms.AuthError
	switch {
	case err == nil, errors.Is(err, ErrBusy):
	case errors.As(err, &ae):
		s.log.Warn("lms rejected credentials, pausing tracking", logx.Int64("user_id", u.ID), logx.String("location", ae.Location))
		s.pause(ctx, h, u, pausedAuthText)
	case errors.Is(err, kit.ErrRecipientUnavailable):
		s.log.Warn("chat unreachable, pausing tracking", logx.Int64("user_id", u.ID), logx.Err(err))
		s.pause(ctx, h, u, "")
	default:
		// Next tick retries.
		s.log.Warn("cycle failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}

const pausedAuthText = "<b>Tracking paused.</b>\nThe LMS did not accept your login (wrong password or a captcha). Check your credentials and send /track to resume."

// pause moves the user to idle. notice is sent to the user when non-empty.
func (s *Service) pause(ctx context.Context, h *Handle, u storage.User, notice string) {
	if err := s.deps.Users.SetState(ctx, u.ID, storage.StateIdle); err != nil {
		s.log.Error("pausing tracking failed", logx.Int64("user_id", u.ID), logx.Err(err))
	}
	s.mu.Lock()
	s.unscheduleLocked(h)
	s.mu.Unlock()
	s.publish(eventbus.TopicTrackingChanged, eventbus.TrackingChange{UserID: u.ID, Enabled: false})

	if s.deps.Notify != nil && notice != "" {
		if err := s.deps.Notify.Send(ctx, u.ID, notice); err != nil {
			s.log.Warn("notify pause failed", logx.Int64("user_id", u.ID), logx.Err(err))
		}
	}
}

// runCycle runs one delivery cycle under the handle's lock. An expired
// session is re-established once before giving up.
func (s *Service) runCycle(parent context.Context, h *Handle, u storage.User) (int, error) {
	if !h.running.TryLock() {
		return 0, ErrBusy
	}
	defer h.running.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	cycleID := uuid.NewString()
	var (
		sent int
		sess Session
	)
	b := retry.WithMaxRetries(1, retry.NewConstant(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		sess, err = h.ensureSession(ctx, u, s.deps.Auth)
		if err != nil {
			return err
		}
		sent, err = s.deps.Runner.RunCycle(ctx, u, sess)
		if errors.Is(err, lms.ErrSessionExpired) {
			h.dropSession()
			s.log.Info("lms session expired, logging in again", logx.Int64("user_id", u.ID))
			return retry.RetryableError(err)
		}
		return err
	})

	if err == nil && cfg.MarkReadAfterCycle && sess != nil {
		if mrErr := sess.MarkRead(ctx); mrErr != nil {
			s.log.Warn("mark read failed", logx.Int64("user_id", u.ID), logx.Err(mrErr))
		}
	}

	took := time.Since(start)
	h.record(start, sent, err)
	res := eventbus.CycleResult{CycleID: cycleID, UserID: u.ID, Delivered: sent, Duration: took, Err: err}
	if err != nil {
		s.publish(eventbus.TopicCycleFailed, res)
	} else {
		s.publish(eventbus.TopicCycleDone, res)
	}
	return sent, err
}

func (s *Service) publish(topic eventbus.Topic, data any) {
	if s.deps.Bus == nil {
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Topic: topic, Data: data})
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
