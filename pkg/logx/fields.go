package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Later keys win.
type Field func(e *zerolog.Event)

func String(k, v string) Field {
	if isSecretKey(k) {
		v = redacted
	}
	return func(e *zerolog.Event) { e.Str(k, v) }
}

func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Any(k string, v any) Field {
	if isSecretKey(k) {
		return String(k, "")
	}
	return func(e *zerolog.Event) { e.Interface(k, v) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

const redacted = "[redacted]"

// isSecretKey matches keys that may carry LMS credentials or bot tokens.
func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, s := range []string{"password", "secret", "token", "cookie", "csrf"} {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
