package httpclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return &StatusError{StatusCode: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a 4xx, got %d", calls)
	}
}

func TestRetryRetriesServerErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded should be retriable")
	}
	if IsRetriable(errors.New("boom")) {
		t.Fatal("plain errors should not be retriable")
	}
	if !IsRetriable(&StatusError{StatusCode: 429}) {
		t.Fatal("429 should be retriable")
	}
}
