package utils

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64 // fraction of the delay, 0 disables jitter
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   4,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

type RetryService struct {
	config     RetryConfig
	logger     *Logger
	classifier *ErrorClassifier
	// Retryable decides whether another attempt is made. Defaults to the
	// classifier's transient categories.
	Retryable func(error) bool
}

func NewRetryService(logger *Logger, config RetryConfig) *RetryService {
	rs := &RetryService{
		config:     config,
		logger:     logger,
		classifier: NewErrorClassifier(),
	}
	rs.Retryable = func(err error) bool {
		return rs.classifier.Categorize(err.Error()).Retryable()
	}
	return rs
}

// Execute runs operation until it succeeds, fails with a non-retryable
// error, runs out of attempts, or ctx is done.
func (rs *RetryService) Execute(ctx context.Context, operation func() error, description string) error {
	var lastErr error

	for attempt := 1; attempt <= rs.config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 {
				rs.logger.WithField("attempt", attempt).
					WithField("operation", description).
					Debug("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !rs.Retryable(err) {
			return fmt.Errorf("non-retryable error in %s: %w", description, err)
		}
		if attempt == rs.config.MaxAttempts {
			break
		}

		delay := rs.delay(attempt)
		rs.logger.WithField("attempt", attempt).
			WithField("delay", delay).
			WithField("operation", description).
			WithError(err).
			Warn("Operation failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", description, rs.config.MaxAttempts, lastErr)
}

func (rs *RetryService) delay(attempt int) time.Duration {
	d := float64(rs.config.InitialDelay) * math.Pow(rs.config.BackoffFactor, float64(attempt-1))
	if limit := float64(rs.config.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	if rs.config.JitterFactor > 0 {
		d += d * rs.config.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
