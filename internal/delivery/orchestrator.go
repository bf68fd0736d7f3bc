package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"lmsbot/internal/notification"
	"lmsbot/internal/storage"
	logx "lmsbot/pkg/logx"
)

// Stage names the step of a cycle that failed.
type Stage string

const (
	StageFetch        Stage = "fetch"
	StageTrackerRead  Stage = "tracker-read"
	StageFormat       Stage = "format"
	StageSend         Stage = "send"
	StageTrackerWrite Stage = "tracker-write"
)

type CycleError struct {
	Stage Stage
	Err   error
}

func (e *CycleError) Error() string { return fmt.Sprintf("cycle %s: %v", e.Stage, e.Err) }
func (e *CycleError) Unwrap() error { return e.Err }

// Source yields the unread notifications of one user. *lms.Session
// implements it.
type Source interface {
	FetchUnread(ctx context.Context) ([]notification.Raw, error)
}

// Tracker is the part of *storage.Store a cycle needs.
type Tracker interface {
	DeliveredIDs(ctx context.Context, userID int64) (storage.IDSet, error)
	RecordDelivered(ctx context.Context, userID int64, ids []int64) error
}

type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

type Orchestrator struct {
	tracker Tracker
	sender  Sender
	log     logx.Logger

	// malformed holds, per user, the ids skipped as malformed in the last
	// cycle. They stay unread, so only the first sighting warns.
	mu        sync.Mutex
	malformed map[int64]storage.IDSet
}

func NewOrchestrator(tracker Tracker, sender Sender, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{tracker: tracker, sender: sender, log: log, malformed: map[int64]storage.IDSet{}}
}

// RunCycle delivers every unread notification of user that was not
// delivered before, in fetch order, and records the confirmed ones.
//
// Sends stop at the first failure. Whatever was confirmed up to that point
// is still recorded, once, after the loop. If that write fails the count is
// 0: nothing is recorded and the same notifications are eligible again on
// the next cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, user storage.User, src Source) (int, error) {
	start := time.Now()
	log := o.log.With(logx.String("cycle_id", uuid.NewString()), logx.Int64("user_id", user.ID))

	raw, err := src.FetchUnread(ctx)
	if err != nil {
		return 0, &CycleError{Stage: StageFetch, Err: err}
	}
	already, err := o.tracker.DeliveredIDs(ctx, user.ID)
	if err != nil {
		return 0, &CycleError{Stage: StageTrackerRead, Err: err}
	}

	pending := lo.Filter(lo.UniqBy(raw, func(r notification.Raw) int64 { return r.ID }),
		func(r notification.Raw, _ int) bool { return !already.Has(r.ID) })
	if len(pending) == 0 {
		o.noteMalformed(log, user.ID, nil)
		log.Debug("cycle idle", logx.Int("unread", len(raw)))
		return 0, nil
	}

	batch, skipped, err := render(pending)
	if err != nil {
		return 0, err
	}
	o.noteMalformed(log, user.ID, skipped)

	confirmed := make([]int64, 0, len(batch))
	var sendErr error
	for _, f := range batch {
		if err := o.sender.Send(ctx, user.ID, f.Text); err != nil {
			sendErr = err
			log.Warn("send failed, stopping cycle", logx.Int64("notification_id", f.ID), logx.Err(err))
			break
		}
		confirmed = append(confirmed, f.ID)
	}

	if err := o.tracker.RecordDelivered(ctx, user.ID, confirmed); err != nil {
		log.Error("recording delivered failed, notifications will be resent", logx.Int("count", len(confirmed)), logx.Err(err))
		return 0, &CycleError{Stage: StageTrackerWrite, Err: errors.Join(err, sendErr)}
	}
	if sendErr != nil {
		return len(confirmed), &CycleError{Stage: StageSend, Err: sendErr}
	}

	log.Info("cycle delivered",
		logx.Int("sent", len(confirmed)),
		logx.Int("unread", len(raw)),
		logx.Duration("took", time.Since(start)),
	)
	return len(confirmed), nil
}

// Preview renders every unread notification without touching the tracker.
func (o *Orchestrator) Preview(ctx context.Context, src Source) ([]notification.Formatted, error) {
	raw, err := src.FetchUnread(ctx)
	if err != nil {
		return nil, &CycleError{Stage: StageFetch, Err: err}
	}
	out, skipped, err := render(raw)
	for _, me := range skipped {
		o.log.Debug("preview skipped malformed notification", malformedFields(me)...)
	}
	return out, err
}

// noteMalformed logs this cycle's skipped entries for userID: a warning for
// ids not skipped last cycle, debug for the rest.
func (o *Orchestrator) noteMalformed(log logx.Logger, userID int64, skipped []*notification.MalformedError) {
	o.mu.Lock()
	seen := o.malformed[userID]
	if len(skipped) == 0 {
		delete(o.malformed, userID)
	} else {
		ids := make(storage.IDSet, len(skipped))
		for _, me := range skipped {
			ids[me.ID] = struct{}{}
		}
		o.malformed[userID] = ids
	}
	o.mu.Unlock()

	for _, me := range skipped {
		if seen.Has(me.ID) {
			log.Debug("still skipping malformed notification", malformedFields(me)...)
			continue
		}
		log.Warn("skipping malformed notification", malformedFields(me)...)
	}
}

func malformedFields(me *notification.MalformedError) []logx.Field {
	fields := []logx.Field{logx.Int64("notification_id", me.ID)}
	if me.Field != "" {
		fields = append(fields, logx.String("field", me.Field))
	}
	if me.Err != nil {
		fields = append(fields, logx.Err(me.Err))
	}
	return fields
}

// render formats raw in order. Malformed entries are dropped and returned
// separately; any other error aborts the whole batch.
func render(raw []notification.Raw) ([]notification.Formatted, []*notification.MalformedError, error) {
	out := make([]notification.Formatted, 0, len(raw))
	var skipped []*notification.MalformedError
	for _, r := range raw {
		f, err := notification.Render(r)
		if err != nil {
			var me *notification.MalformedError
			if errors.As(err, &me) {
				skipped = append(skipped, me)
				continue
			}
			return nil, nil, &CycleError{Stage: StageFormat, Err: err}
		}
		out = append(out, f)
	}
	return out, skipped, nil
}
