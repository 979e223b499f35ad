package notification

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ChannelBudget holds the hourly and daily caps for one channel.
type ChannelBudget struct {
	Hourly int
	Daily  int
}

// Config holds pipeline configuration. All values have defaults and
// can be overridden via environment variables.
type Config struct {
	// Dedup
	DefaultDedupWindow time.Duration // fallback when a kind has no window

	// Retry
	MaxRetryAttempts int
	RetrySchedule    []time.Duration // delay indexed by retry count (1-based attempt)

	// Retry scanner
	RetryScanInterval time.Duration
	RetryBatchSize    int

	// Digest
	DigestEnabled       bool
	DigestCheckInterval time.Duration
	DigestEntryTTL      time.Duration // orphan retention bound

	// Rate budgets (service-wide defaults; per-user overrides win)
	Budgets map[Channel]ChannelBudget

	// Fan-out
	FanoutConcurrency int

	// Provider deadlines
	SocketTimeout   time.Duration
	ProviderTimeout time.Duration
}

// DefaultConfig returns configuration with the documented defaults.
//
// Retry schedule: 1s, 5s, 30s, 5m, 1h — five attempts, then DLQ.
func DefaultConfig() Config {
	return Config{
		DefaultDedupWindow: 5 * time.Minute,
		MaxRetryAttempts:   5,
		RetrySchedule: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
			5 * time.Minute,
			1 * time.Hour,
		},
		RetryScanInterval:   30 * time.Second,
		RetryBatchSize:      100,
		DigestEnabled:       true,
		DigestCheckInterval: 60 * time.Second,
		DigestEntryTTL:      7 * 24 * time.Hour,
		Budgets: map[Channel]ChannelBudget{
			ChannelSMS:   {Hourly: 10, Daily: 50},
			ChannelEmail: {Hourly: 20, Daily: 100},
			ChannelPush:  {Hourly: 30, Daily: 200},
		},
		FanoutConcurrency: 4,
		SocketTimeout:     5 * time.Second,
		ProviderTimeout:   10 * time.Second,
	}
}

// LoadConfig loads configuration from environment variables.
//
// Recognized variables:
//   - DEDUP_WINDOW_MS: default dedup window in milliseconds
//   - MAX_RETRY_ATTEMPTS: cap at which retries stop
//   - RETRY_SCHEDULE_MS: comma-separated delays in milliseconds
//   - RETRY_SCAN_INTERVAL_MS, RETRY_BATCH_SIZE
//   - DIGEST_ENABLED, DIGEST_CHECK_INTERVAL_MS
//   - {SMS,EMAIL,PUSH}_HOURLY_LIMIT, {SMS,EMAIL,PUSH}_DAILY_LIMIT
//   - FANOUT_CONCURRENCY
func LoadConfig() Config {
	cfg := DefaultConfig()

	if ms := envInt("DEDUP_WINDOW_MS"); ms > 0 {
		cfg.DefaultDedupWindow = time.Duration(ms) * time.Millisecond
	}
	if n := envInt("MAX_RETRY_ATTEMPTS"); n > 0 {
		cfg.MaxRetryAttempts = n
	}
	if v := os.Getenv("RETRY_SCHEDULE_MS"); v != "" {
		var schedule []time.Duration
		for _, part := range strings.Split(v, ",") {
			if ms, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && ms > 0 {
				schedule = append(schedule, time.Duration(ms)*time.Millisecond)
			}
		}
		if len(schedule) > 0 {
			cfg.RetrySchedule = schedule
		}
	}
	if ms := envInt("RETRY_SCAN_INTERVAL_MS"); ms > 0 {
		cfg.RetryScanInterval = time.Duration(ms) * time.Millisecond
	}
	if n := envInt("RETRY_BATCH_SIZE"); n > 0 {
		cfg.RetryBatchSize = n
	}
	if v := os.Getenv("DIGEST_ENABLED"); v != "" {
		cfg.DigestEnabled = v == "true" || v == "1"
	}
	if ms := envInt("DIGEST_CHECK_INTERVAL_MS"); ms > 0 {
		cfg.DigestCheckInterval = time.Duration(ms) * time.Millisecond
	}
	if n := envInt("FANOUT_CONCURRENCY"); n > 0 {
		cfg.FanoutConcurrency = n
	}

	loadBudget(&cfg, ChannelSMS, "SMS")
	loadBudget(&cfg, ChannelEmail, "EMAIL")
	loadBudget(&cfg, ChannelPush, "PUSH")

	return cfg
}

// RetryDelay returns the backoff before the given attempt number
// (1-based). Past the end of the schedule the last delay repeats.
func (c Config) RetryDelay(attempt int) time.Duration {
	if len(c.RetrySchedule) == 0 {
		return time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(c.RetrySchedule) {
		attempt = len(c.RetrySchedule)
	}
	return c.RetrySchedule[attempt-1]
}

func loadBudget(cfg *Config, ch Channel, prefix string) {
	b := cfg.Budgets[ch]
	if n := envInt(prefix + "_HOURLY_LIMIT"); n > 0 {
		b.Hourly = n
	}
	if n := envInt(prefix + "_DAILY_LIMIT"); n > 0 {
		b.Daily = n
	}
	cfg.Budgets[ch] = b
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
