package utils

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// WithRetry executes an operation with retry logic using exponential backoff
func WithRetry(operation func() error, config *RetryConfig) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	return backoff.Retry(operation, b)
}

// WithConstantRetry executes an operation up to attempts times, waiting a
// fixed interval between tries.
func WithConstantRetry(operation func() error, attempts uint64, interval time.Duration) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), attempts-1)
	return backoff.Retry(operation, b)
}
