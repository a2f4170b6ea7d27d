package scheduler

import (
	"fmt"
	"time"
)

// Config controls the scan-and-dispatch loop.
type Config struct {
	// ScanInterval is the idle delay between scans when a pass found
	// nothing to do. A Wake cuts it short.
	ScanInterval time.Duration `yaml:"scan_interval" mapstructure:"scan_interval"`

	// BatchSize bounds how many records each scan touches per concern
	// (dispatch, requeue, reap). Keeps one huge collection from starving
	// the loop.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`

	// MaxAttempts is the retry budget per task. Once exhausted the task
	// moves to failed_permanent.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`

	// BackoffFactor is the exponential growth factor between retries.
	BackoffFactor float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`

	// LivenessDeadline is how long a task may sit in running before the
	// reaper treats its worker as dead and reclaims it.
	LivenessDeadline time.Duration `yaml:"liveness_deadline" mapstructure:"liveness_deadline"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2.0
	}
	if c.LivenessDeadline <= 0 {
		c.LivenessDeadline = 10 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("scheduler: backoff_max %s is below backoff_base %s", c.BackoffMax, c.BackoffBase)
	}
	return nil
}
