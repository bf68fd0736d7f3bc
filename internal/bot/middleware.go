package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "lmsbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// ErrThrottled is returned when a user sends commands faster than allowed.
var ErrThrottled = errors.New("bot: too many requests")

func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(log, req).Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest is logged at INFO even on success.
const slowRequest = 750 * time.Millisecond

// MWRequestLog never logs arguments: /register carries a password.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			logger := reqLogger(log, req)
			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			switch {
			case errors.Is(err, ErrThrottled):
				logger.Debug("request throttled", fields...)
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= slowRequest:
				logger.Info("request ok (slow)", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWUserRateLimit refuses commands from a user whose bucket is empty.
// Each /check or /all costs an LMS login and fetch.
func MWUserRateLimit(l *userLimiter) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if !l.allow(req.FromID, time.Now()) {
				_ = req.Reply(ctx, "Slow down, try again in a few seconds.")
				return ErrThrottled
			}
			return next(ctx, req)
		}
	}
}

// userLimiter keeps one token bucket per Telegram user. every <= 0
// disables limiting.
type userLimiter struct {
	every time.Duration
	burst int

	mu    sync.Mutex
	users map[int64]*userBucket
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	bucketIdle  = 10 * time.Minute
	pruneAtSize = 1024
)

func newUserLimiter(every time.Duration, burst int) *userLimiter {
	return &userLimiter{every: every, burst: max(1, burst), users: map[int64]*userBucket{}}
}

func (l *userLimiter) allow(userID int64, now time.Time) bool {
	if l == nil || l.every <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.users) >= pruneAtSize {
		for id, b := range l.users {
			if now.Sub(b.seen) > bucketIdle {
				delete(l.users, id)
			}
		}
	}
	b := l.users[userID]
	if b == nil {
		b = &userBucket{lim: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.users[userID] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
