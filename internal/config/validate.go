package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validate checks the fields that cannot be defaulted. Schedule syntax is
// checked by the tracking service, which owns the parser.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			errs = append(errs, fmt.Errorf("telegram.group_log: not a chat id: %q", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.group_log"))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	if cfg.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec: must be >= 0"))
	}

	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	for path, raw := range map[string]string{
		"lms.passport_url": cfg.LMS.PassportURL,
		"lms.profile_url":  cfg.LMS.ProfileURL,
		"lms.base_url":     cfg.LMS.BaseURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", path, raw))
		}
	}
	if tz := strings.TrimSpace(cfg.Tracking.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("tracking.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// GroupLogChatID returns the operator chat id, or 0 when unset.
func (c TelegramConfig) GroupLogChatID() int64 {
	id, _ := strconv.ParseInt(strings.TrimSpace(c.GroupLog), 10, 64)
	return id
}
