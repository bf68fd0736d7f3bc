package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	LMS      LMSConfig      `json:"lms"`
	Tracking TrackingConfig `json:"tracking"`
	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the chat id that receives operator log lines.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LMSConfig points the client at the Yandex passport and the Lyceum API.
// Empty fields use the client defaults.
type LMSConfig struct {
	PassportURL string `json:"passport_url,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
}

// TrackingConfig controls how often tracked users are polled.
//
// Schedule accepts a 5/6 field cron expression, a descriptor such as
// "@every 5m", a Go duration ("10m") or an HH:MM interval ("01:30").
type TrackingConfig struct {
	Schedule           string `json:"schedule"`
	CycleTimeout       string `json:"cycle_timeout,omitempty"`
	MarkReadAfterCycle bool   `json:"mark_read_after_cycle,omitempty"`
	Timezone           string `json:"timezone,omitempty"`
}

type DeliveryConfig struct {
	// RatePerSec caps outgoing notification messages across all users.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the SQLite database.
//
// Example:
//
//	"storage": { "path": "./data/lmsbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
