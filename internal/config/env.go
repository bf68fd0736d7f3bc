package config

import (
	"os"
	"strings"
)

// EnvToken is read when telegram.token is empty.
const EnvToken = "TELEGRAM_TOKEN"

func applyEnv(cfg *Config) {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(EnvToken))
	}
}
