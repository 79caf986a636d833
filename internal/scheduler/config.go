package scheduler

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	MaxRenewalBatch int
	MaxRetryBatch   int
	MaxArchiveBatch int
	LeaseKey        string
	LeaseTTL        time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       50,
		JobTimeout:      30 * time.Second,
		MaxRenewalBatch: 50,
		MaxRetryBatch:   25,
		MaxArchiveBatch: 100,
		LeaseKey:        "bolton:scheduler:leader",
		LeaseTTL:        90 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.MaxRenewalBatch <= 0 {
		c.MaxRenewalBatch = defaults.MaxRenewalBatch
	}
	if c.MaxRetryBatch <= 0 {
		c.MaxRetryBatch = defaults.MaxRetryBatch
	}
	if c.MaxArchiveBatch <= 0 {
		c.MaxArchiveBatch = defaults.MaxArchiveBatch
	}
	if c.LeaseKey == "" {
		c.LeaseKey = defaults.LeaseKey
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	return c
}
