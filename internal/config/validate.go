package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if c.Upstream.APIKey == "" {
		errs = append(errs, "OPENAI_API_KEY is required")
	}
	if c.Upstream.MaxTokens < 1 {
		errs = append(errs, fmt.Sprintf("OPENAI_MAX_TOKENS must be positive, got %d", c.Upstream.MaxTokens))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, "OPENAI_TIMEOUT must be positive")
	}

	switch c.Quota.Store {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_STORE must be postgres or memory, got %q", c.Quota.Store))
	}
	if c.Quota.Store == "postgres" && c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required with the postgres quota store")
	}
	if c.Quota.TrialDays < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_TRIAL_DAYS must be positive, got %d", c.Quota.TrialDays))
	}
	if c.Quota.TrialTotalCap < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_TRIAL_TOTAL must be positive, got %d", c.Quota.TrialTotalCap))
	}
	if c.Quota.DailyCap < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_DAILY_CAP must be positive, got %d", c.Quota.DailyCap))
	}
	if c.Quota.RateMax < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_RATE_MAX must be positive, got %d", c.Quota.RateMax))
	}
	if c.Quota.RateWindow <= 0 {
		errs = append(errs, "QUOTA_RATE_WINDOW must be positive")
	}

	if c.Chat.HistoryLimit < 0 {
		errs = append(errs, fmt.Sprintf("CHAT_HISTORY_LIMIT must not be negative, got %d", c.Chat.HistoryLimit))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
