package config

import (
	"reflect"
	"sort"
	"strings"

	logx "lmsbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and safe
// structured attrs for logging. Secrets (token, LMS credentials) never
// appear in the attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.LMS != newCfg.LMS {
		changed = append(changed, "lms")
		attrs = append(attrs,
			logx.String("lms.base_url", newCfg.LMS.BaseURL),
			logx.String("lms.timeout", newCfg.LMS.Timeout),
		)
	}

	if oldCfg.Tracking != newCfg.Tracking {
		changed = append(changed, "tracking")
		attrs = append(attrs,
			logx.String("tracking.schedule", newCfg.Tracking.Schedule),
			logx.String("tracking.cycle_timeout", newCfg.Tracking.CycleTimeout),
			logx.Bool("tracking.mark_read_after_cycle", newCfg.Tracking.MarkReadAfterCycle),
			logx.String("tracking.timezone", newCfg.Tracking.Timezone),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_changed", oldCfg.Storage.Path != newCfg.Storage.Path),
			logx.String("storage.busy_timeout", newCfg.Storage.BusyTimeout),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart: the bot token, the storage location and the LMS endpoints.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram.Token != newCfg.Telegram.Token || oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		out = append(out, "telegram")
	}
	if oldCfg.LMS != newCfg.LMS {
		out = append(out, "lms")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	return out
}
