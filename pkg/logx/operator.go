package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "lmsbot/internal/transport"
)

const (
	operatorMaxLen   = 3500
	operatorFieldLen = 600
	// repeatWindow folds identical lines, e.g. the same LMS outage warning
	// for every tracked user.
	repeatWindow = time.Minute
)

type operatorItem struct {
	to  kit.ChatTarget
	msg string
}

// operatorSink is a zerolog.LevelWriter that forwards lines to a chat
// without ever blocking the logging goroutine.
type operatorSink struct {
	sender kit.Sender
	queue  chan operatorItem

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	chatID   int64
	minLevel zerolog.Level
	limiter  *rate.Limiter
	repeats  map[string]repeat
	now      func() time.Time
}

type repeat struct {
	first      time.Time
	suppressed int
}

func newOperatorSink(sender kit.Sender) *operatorSink {
	return &operatorSink{
		sender:  sender,
		queue:   make(chan operatorItem, 256),
		repeats: make(map[string]repeat),
		now:     time.Now,
	}
}

func (o *operatorSink) configure(cfg OperatorConfig) {
	o.mu.Lock()
	o.chatID = cfg.ChatID
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	rps := max(1, cfg.RatePerSec)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if cfg.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: operator logging enabled but telegram.group_log is not set")
	}
	o.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(ctx)
		}()
	})
}

func (o *operatorSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-o.queue:
			if o.sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = o.sender.SendText(sctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (o *operatorSink) close() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		o.wg.Wait()
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	msg, ok := o.admit(level, p)
	if !ok {
		return len(p), nil
	}
	o.mu.Lock()
	to := kit.ChatTarget{ChatID: o.chatID}
	o.mu.Unlock()
	select {
	case o.queue <- operatorItem{to: to, msg: msg}:
	default:
	}
	return len(p), nil
}

// admit applies the level filter, the repeat window and the rate limit.
func (o *operatorSink) admit(level zerolog.Level, p []byte) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.chatID == 0 || o.sender == nil || o.limiter == nil || level < o.minLevel {
		return "", false
	}

	key, msg := formatOperatorLine(p)
	if msg == "" {
		return "", false
	}
	now := o.now()
	if r, seen := o.repeats[key]; seen && now.Sub(r.first) < repeatWindow {
		r.suppressed++
		o.repeats[key] = r
		return "", false
	}
	if !o.limiter.Allow() {
		return "", false
	}
	if r := o.repeats[key]; r.suppressed > 0 {
		msg = truncate(fmt.Sprintf("%s\n(repeated %d more times)", msg, r.suppressed), operatorMaxLen)
	}
	for k, r := range o.repeats {
		if now.Sub(r.first) >= 10*repeatWindow {
			delete(o.repeats, k)
		}
	}
	o.repeats[key] = repeat{first: now}
	return msg, true
}

// formatOperatorLine turns one JSON log line into plain text with sorted
// key=value pairs. key identifies the line for repeat folding.
func formatOperatorLine(p []byte) (key, msg string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		s := truncate(strings.TrimSpace(string(p)), operatorMaxLen)
		return s, s
	}

	lvl, _ := m["level"].(string)
	text, _ := m["message"].(string)
	key = lvl + "|" + text

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(text)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if isSecretKey(k) {
			v = redacted
		}
		b.WriteString("\n- " + k + "=" + truncate(v, operatorFieldLen))
	}
	return key, truncate(b.String(), operatorMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
