package config

import (
	"fmt"
	"time"

	"github.com/rezkam/conductor/internal/env"
)

// EngineConfig holds all configuration for the engine binary. Zero values
// mean "use the engine default"; only explicitly set variables override.
type EngineConfig struct {
	Database DatabaseConfig

	// WorkerID identifies this process in lock_owner columns. Defaults to
	// a generated ID when unset.
	WorkerID string `env:"CONDUCTOR_WORKER_ID"`

	Job       JobConfig
	Timer     TimerConfig
	Batch     BatchConfig
	Event     EventConfig
	Scheduler SchedulerConfig

	Observability ObservabilityConfig
}

// JobConfig tunes the job engine.
type JobConfig struct {
	LockTTL           time.Duration `env:"CONDUCTOR_JOB_LOCK_TTL"`
	HeartbeatInterval time.Duration `env:"CONDUCTOR_JOB_HEARTBEAT_INTERVAL"`
	AcquireMax        int           `env:"CONDUCTOR_JOB_ACQUIRE_MAX"`
	MaxRetries        int           `env:"CONDUCTOR_JOB_MAX_RETRIES"`
	RetryWait         time.Duration `env:"CONDUCTOR_JOB_RETRY_WAIT"`
	Priority          int           `env:"CONDUCTOR_JOB_PRIORITY"`

	// Backoff selects the retry delay curve: "exponential" (default) or
	// "fixed".
	Backoff string `env:"CONDUCTOR_JOB_BACKOFF"`

	Retention time.Duration `env:"CONDUCTOR_JOB_RETENTION"`
}

// Validate validates the job configuration.
func (c *JobConfig) Validate() error {
	switch c.Backoff {
	case "", "exponential", "fixed":
		return nil
	}
	return fmt.Errorf("unknown CONDUCTOR_JOB_BACKOFF: %s", c.Backoff)
}

// TimerConfig tunes the timer engine.
type TimerConfig struct {
	LockTTL      time.Duration `env:"CONDUCTOR_TIMER_LOCK_TTL"`
	DueBatchSize int           `env:"CONDUCTOR_TIMER_DUE_BATCH_SIZE"`
	MaxRetries   int           `env:"CONDUCTOR_TIMER_MAX_RETRIES"`
	Retention    time.Duration `env:"CONDUCTOR_TIMER_RETENTION"`
}

// BatchConfig tunes the batch engine.
type BatchConfig struct {
	Enabled         bool          `env:"CONDUCTOR_BATCH_ENABLED" default:"true"`
	ProcessInterval time.Duration `env:"CONDUCTOR_BATCH_PROCESS_INTERVAL"`
	AutoCleanup     bool          `env:"CONDUCTOR_BATCH_AUTO_CLEANUP" default:"true"`
	BatchSize       int           `env:"CONDUCTOR_BATCH_SIZE"`
	MaxConcurrent   int           `env:"CONDUCTOR_BATCH_MAX_CONCURRENT"`
	PartConcurrency int           `env:"CONDUCTOR_BATCH_PART_CONCURRENCY"`
	Timeout         time.Duration `env:"CONDUCTOR_BATCH_TIMEOUT"`
	Priority        int           `env:"CONDUCTOR_BATCH_PRIORITY"`
	MaxRetries      int           `env:"CONDUCTOR_BATCH_MAX_RETRIES"`
	Retention       time.Duration `env:"CONDUCTOR_BATCH_RETENTION"`
}

// EventConfig tunes the event subscription engine.
type EventConfig struct {
	TriggerBatchSize int           `env:"CONDUCTOR_EVENT_TRIGGER_BATCH_SIZE"`
	Retention        time.Duration `env:"CONDUCTOR_EVENT_RETENTION"`
}

// SchedulerConfig tunes the tick loop and the lock sweeper.
type SchedulerConfig struct {
	TickInterval    time.Duration `env:"CONDUCTOR_TICK_INTERVAL"`
	CleanupInterval time.Duration `env:"CONDUCTOR_CLEANUP_INTERVAL"`
	SweepInterval   time.Duration `env:"CONDUCTOR_SWEEP_INTERVAL"`
}

// LoadEngineConfig loads and validates engine configuration from environment.
func LoadEngineConfig() (*EngineConfig, error) {
	cfg := &EngineConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load engine config: %w", err)
	}

	return cfg, nil
}
