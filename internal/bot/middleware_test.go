package bot

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	kit "lmsbot/internal/transport"
	logx "lmsbot/pkg/logx"
)

func TestChainOrder(t *testing.T) {
	t.Parallel()
	var trace []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				trace = append(trace, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(context.Context, *Request) error {
		trace = append(trace, "handler")
		return nil
	}, mw("a"), mw("b"))
	if err := h(context.Background(), &Request{}); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := strings.Join(trace, ","); got != "a,b,handler" {
		t.Fatalf("order = %s", got)
	}
}

func TestMWTimeout(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, MWTimeout(10*time.Millisecond))
	if err := h(context.Background(), &Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestMWPanicRecover(t *testing.T) {
	t.Parallel()
	h := Chain(func(context.Context, *Request) error { panic("boom") }, MWPanicRecover(logx.Nop()))
	err := h(context.Background(), &Request{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want panic error", err)
	}
}

func TestMWRequestLogOmitsArguments(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := logx.NewWriter(&buf, "debug")
	h := Chain(func(context.Context, *Request) error { return errors.New("nope") }, MWRequestLog(log))
	_ = h(context.Background(), &Request{Command: "register", Args: []string{"a@b.c", "hunter2"}})

	out := buf.String()
	if !strings.Contains(out, "request failed") || !strings.Contains(out, `"cmd":"register"`) {
		t.Fatalf("log = %s", out)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked into log: %s", out)
	}
}

func TestMWUserRateLimit(t *testing.T) {
	t.Parallel()
	out := &fakeOut{}
	lim := newUserLimiter(time.Hour, 2)
	calls := 0
	h := Chain(func(context.Context, *Request) error {
		calls++
		return nil
	}, MWUserRateLimit(lim))

	req := func(from int64) *Request {
		return &Request{FromID: from, Chat: kit.ChatTarget{ChatID: from}, out: out}
	}
	for i := range 2 {
		if err := h(context.Background(), req(1)); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := h(context.Background(), req(1)); !errors.Is(err, ErrThrottled) {
		t.Fatalf("third call = %v, want ErrThrottled", err)
	}
	if err := h(context.Background(), req(2)); err != nil {
		t.Fatalf("other user throttled: %v", err)
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d, want 3", calls)
	}
	if got := out.texts(); len(got) != 1 || !strings.Contains(got[0], "Slow down") {
		t.Fatalf("replies = %v", got)
	}
}
