package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestRetryServiceRetriesTransientErrors(t *testing.T) {
	rs := NewRetryService(NewDiscardLogger(), fastRetry())
	calls := 0
	err := rs.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, "save")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryServiceStopsOnPermanentError(t *testing.T) {
	rs := NewRetryService(NewDiscardLogger(), fastRetry())
	calls := 0
	err := rs.Execute(context.Background(), func() error {
		calls++
		return errors.New("permission denied")
	}, "save")
	if err == nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestRetryServiceGivesUp(t *testing.T) {
	rs := NewRetryService(NewDiscardLogger(), fastRetry())
	sentinel := errors.New("connection reset by peer")
	err := rs.Execute(context.Background(), func() error { return sentinel }, "fetch")
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}
