package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// durationFields lists every duration in the file, in file order.
func durationFields(cfg *Config) []struct{ path, raw string } {
	return []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"lms.timeout", cfg.LMS.Timeout},
		{"tracking.cycle_timeout", cfg.Tracking.CycleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
}

// ParseDurationField parses an optional non-negative duration. Empty is zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n != 0 {
		return 0, fmt.Errorf("%s: %q has no unit (did you mean %ss?)", path, raw, s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
