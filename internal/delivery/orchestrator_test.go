package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"lmsbot/internal/notification"
	"lmsbot/internal/storage"
	kit "lmsbot/internal/transport"
	logx "lmsbot/pkg/logx"
)

type fakeSource struct {
	raw []notification.Raw
	err error
}

func (f *fakeSource) FetchUnread(context.Context) ([]notification.Raw, error) { return f.raw, f.err }

type fakeTracker struct {
	mu        sync.Mutex
	delivered map[int64]storage.IDSet
	failWrite error
	writes    int
}

func newFakeTracker() *fakeTracker { return &fakeTracker{delivered: map[int64]storage.IDSet{}} }

func (f *fakeTracker) DeliveredIDs(_ context.Context, userID int64) (storage.IDSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := storage.IDSet{}
	for id := range f.delivered[userID] {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeTracker) RecordDelivered(_ context.Context, userID int64, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWrite != nil {
		return f.failWrite
	}
	set := f.delivered[userID]
	if set == nil {
		set = storage.IDSet{}
		f.delivered[userID] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	failOn int // 1-based send index that fails; 0 never
	calls  int
}

func (f *fakeSender) Send(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return errors.New("chat unavailable")
	}
	f.texts = append(f.texts, text)
	return nil
}

func lesson(id int64, title string) notification.Raw {
	return notification.Raw{ID: id, Type: notification.TypeLessonOpened, ObjectData: map[string]any{"title": title}}
}

var ann = storage.User{ID: 1, Email: "ann@example.com", State: storage.StateTracking}

func TestRunCycleSendsOnlyNew(t *testing.T) {
	t.Parallel()
	tr := newFakeTracker()
	tr.delivered[1] = storage.IDSet{2: {}}
	snd := &fakeSender{}
	o := NewOrchestrator(tr, snd, logx.Nop())

	src := &fakeSource{raw: []notification.Raw{lesson(1, "one"), lesson(2, "two"), lesson(3, "three")}}
	n, err := o.RunCycle(context.Background(), ann, src)
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if n != 2 || len(snd.texts) != 2 {
		t.Fatalf("sent %d (%d texts), want 2", n, len(snd.texts))
	}
	if !strings.Contains(snd.texts[0], "one") || !strings.Contains(snd.texts[1], "three") {
		t.Fatalf("wrong order or content: %q", snd.texts)
	}
	got, _ := tr.DeliveredIDs(context.Background(), 1)
	for _, id := range []int64{1, 2, 3} {
		if !got.Has(id) {
			t.Fatalf("delivered = %v, missing %d", got, id)
		}
	}

	// A second cycle over the same unread set is a no-op.
	n, err = o.RunCycle(context.Background(), ann, src)
	if err != nil || n != 0 || len(snd.texts) != 2 {
		t.Fatalf("second cycle = %d, %v (texts %d)", n, err, len(snd.texts))
	}
}

func TestRunCycleSkipsMalformed(t *testing.T) {
	t.Parallel()
	tr := newFakeTracker()
	snd := &fakeSender{}
	o := NewOrchestrator(tr, snd, logx.Nop())

	bad := notification.Raw{ID: 2, Type: notification.TypeBonusScoreChanged, ObjectData: map[string]any{}}
	src := &fakeSource{raw: []notification.Raw{lesson(1, "a"), bad, lesson(3, "c"), {ID: 4, Type: "unknown-future-type"}}}
	n, err := o.RunCycle(context.Background(), ann, src)
	if err != nil {
		t.Fatalf("RunCycle() error: %v", err)
	}
	if n != 3 {
		t.Fatalf("sent %d, want 3", n)
	}
	got, _ := tr.DeliveredIDs(context.Background(), 1)
	if got.Has(2) {
		t.Fatalf("malformed notification must not be recorded")
	}
	if !strings.Contains(snd.texts[2], "You have a new notification!") {
		t.Fatalf("unknown type should use the generic text: %q", snd.texts[2])
	}
}

func TestRunCycleTrackerWriteFailureResends(t *testing.T) {
	t.Parallel()
	tr := newFakeTracker()
	tr.failWrite = errors.New("disk full")
	snd := &fakeSender{}
	o := NewOrchestrator(tr, snd, logx.Nop())
	src := &fakeSource{raw: []notification.Raw{lesson(1, "a")}}

	n, err := o.RunCycle(context.Background(), ann, src)
	var ce *CycleError
	if !errors.As(err, &ce) || ce.Stage != StageTrackerWrite || n != 0 {
		t.Fatalf("RunCycle() = %d, %v; want tracker-write error", n, err)
	}

	tr.failWrite = nil
	n, err = o.RunCycle(context.Background(), ann, src)
	if err != nil || n != 1 {
		t.Fatalf("retry cycle = %d, %v; want 1, nil", n, err)
	}
	if len(snd.texts) != 2 {
		t.Fatalf("notification should be sent again, got %d sends", len(snd.texts))
	}
}

func TestRunCycleSendFailureRecordsConfirmed(t *testing.T) {
	t.Parallel()
	tr := newFakeTracker()
	snd := &fakeSender{failOn: 2}
	o := NewOrchestrator(tr, snd, logx.Nop())
	src := &fakeSource{raw: []notification.Raw{lesson(1, "a"), lesson(2, "b"), lesson(3, "c")}}

	n, err := o.RunCycle(context.Background(), ann, src)
	var ce *CycleError
	if !errors.As(err, &ce) || ce.Stage != StageSend {
		t.Fatalf("err = %v, want send CycleError", err)
	}
	if n != 1 || snd.calls != 2 {
		t.Fatalf("n=%d calls=%d, want 1 and 2", n, snd.calls)
	}
	got, _ := tr.DeliveredIDs(context.Background(), 1)
	if !got.Has(1) || got.Has(2) || got.Has(3) {
		t.Fatalf("delivered = %v, want only 1", got)
	}
	if tr.writes != 1 {
		t.Fatalf("tracker writes = %d, want 1", tr.writes)
	}
}

func TestRunCycleFetchError(t *testing.T) {
	t.Parallel()
	boom := errors.New("timeout")
	o := NewOrchestrator(newFakeTracker(), &fakeSender{}, logx.Nop())
	_, err := o.RunCycle(context.Background(), ann, &fakeSource{err: boom})
	var ce *CycleError
	if !errors.As(err, &ce) || ce.Stage != StageFetch || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want fetch CycleError wrapping cause", err)
	}
}

func TestPreviewDoesNotTrack(t *testing.T) {
	t.Parallel()
	tr := newFakeTracker()
	o := NewOrchestrator(tr, &fakeSender{}, logx.Nop())
	got, err := o.Preview(context.Background(), &fakeSource{raw: []notification.Raw{lesson(5, "x"), lesson(6, "y")}})
	if err != nil || len(got) != 2 || got[1].ID != 6 {
		t.Fatalf("Preview() = %+v, %v", got, err)
	}
	if tr.writes != 0 {
		t.Fatalf("Preview must not record deliveries")
	}
}

type captureSender struct {
	to  kit.ChatTarget
	opt *kit.SendOptions
}

func (c *captureSender) SendText(_ context.Context, to kit.ChatTarget, _ string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c.to, c.opt = to, opt
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func TestAdapterSenderUsesPrivateChatHTML(t *testing.T) {
	t.Parallel()
	out := &captureSender{}
	s := NewAdapterSender(out, 100)
	if err := s.Send(context.Background(), 42, "<b>x</b>"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if out.to.ChatID != 42 || out.opt.ParseMode != kit.ParseModeHTML || !out.opt.DisablePreview {
		t.Fatalf("unexpected target/options: %+v %+v", out.to, out.opt)
	}
}
