// Package config provides process configuration loaded from environment
// variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for orchestration timing. Phase durations for READING and
// CONSULTATION come from each session's configuration; FEEDBACK and the
// idle watchdog are process-wide.
const (
	DefaultFeedbackPhaseSeconds = 600
	DefaultIdleTimeout          = 5 * time.Minute
	DefaultSchedulerWorkers     = 4
	DefaultSubscriberQueueSize  = 64
	DefaultWSWriteTimeout       = 10 * time.Second
)

// Config holds all orchestrator process settings.
type Config struct {
	HTTPPort string

	// FeedbackPhaseSeconds is the fixed duration of the FEEDBACK phase.
	FeedbackPhaseSeconds int

	// IdleTimeout is how long a participant may stay silent before the
	// activity tracker issues a Leave on their behalf.
	IdleTimeout time.Duration

	// SchedulerWorkers is the size of the timer-callback worker pool,
	// distinct from client-intent handler goroutines.
	SchedulerWorkers int

	// SubscriberQueueSize bounds each bus subscriber's delivery queue;
	// overflow drops the oldest envelope.
	SubscriberQueueSize int

	// WSWriteTimeout bounds a single WebSocket write so one slow client
	// cannot stall delivery to others.
	WSWriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown of HTTP and timers.
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, applying defaults for
// unset variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:             getEnvOrDefault("HTTP_PORT", "8080"),
		FeedbackPhaseSeconds: DefaultFeedbackPhaseSeconds,
		IdleTimeout:          DefaultIdleTimeout,
		SchedulerWorkers:     DefaultSchedulerWorkers,
		SubscriberQueueSize:  DefaultSubscriberQueueSize,
		WSWriteTimeout:       DefaultWSWriteTimeout,
		ShutdownTimeout:      10 * time.Second,
	}

	var err error
	if cfg.FeedbackPhaseSeconds, err = intFromEnv("FEEDBACK_PHASE_SECONDS", cfg.FeedbackPhaseSeconds); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout, err = durationFromEnv("IDLE_TIMEOUT", cfg.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.SchedulerWorkers, err = intFromEnv("SCHEDULER_WORKERS", cfg.SchedulerWorkers); err != nil {
		return nil, err
	}
	if cfg.SubscriberQueueSize, err = intFromEnv("SUBSCRIBER_QUEUE_SIZE", cfg.SubscriberQueueSize); err != nil {
		return nil, err
	}
	if cfg.WSWriteTimeout, err = durationFromEnv("WS_WRITE_TIMEOUT", cfg.WSWriteTimeout); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all settings are in range.
func (c *Config) Validate() error {
	if c.FeedbackPhaseSeconds <= 0 {
		return fmt.Errorf("FEEDBACK_PHASE_SECONDS must be > 0, got %d", c.FeedbackPhaseSeconds)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be > 0, got %v", c.IdleTimeout)
	}
	if c.SchedulerWorkers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be > 0, got %d", c.SchedulerWorkers)
	}
	if c.SubscriberQueueSize <= 0 {
		return fmt.Errorf("SUBSCRIBER_QUEUE_SIZE must be > 0, got %d", c.SubscriberQueueSize)
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be > 0, got %v", c.WSWriteTimeout)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intFromEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationFromEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
