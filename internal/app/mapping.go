package app

import (
	"time"

	"lmsbot/internal/config"
	"lmsbot/internal/lms"
	"lmsbot/internal/storage"
	"lmsbot/internal/tracking"
	telegram "lmsbot/internal/transport/telegram"
	logx "lmsbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLogChatID(),
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapLMSConfig(cfg *config.Config) (lms.Config, error) {
	timeout, err := config.ParseDurationField("lms.timeout", cfg.LMS.Timeout)
	if err != nil {
		return lms.Config{}, err
	}
	return lms.Config{
		PassportURL: cfg.LMS.PassportURL,
		ProfileURL:  cfg.LMS.ProfileURL,
		BaseURL:     cfg.LMS.BaseURL,
		Timeout:     timeout,
		UserAgent:   cfg.LMS.UserAgent,
	}, nil
}

func mapTrackingConfig(cfg *config.Config) (tracking.Config, error) {
	timeout, err := config.ParseDurationField("tracking.cycle_timeout", cfg.Tracking.CycleTimeout)
	if err != nil {
		return tracking.Config{}, err
	}
	tc := tracking.Config{
		Schedule:           cfg.Tracking.Schedule,
		CycleTimeout:       timeout,
		MarkReadAfterCycle: cfg.Tracking.MarkReadAfterCycle,
		Timezone:           cfg.Tracking.Timezone,
	}
	if tc.Schedule != "" {
		if _, err := tracking.ParseSchedule(tc.Schedule); err != nil {
			return tracking.Config{}, err
		}
	}
	return tc, nil
}
