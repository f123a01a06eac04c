package breaker

import (
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

func TestSlidingWindow_EmptyErrorRateIsZero(t *testing.T) {
	w := NewSlidingWindow(8, time.Minute)
	if got := w.ErrorRate(); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestSlidingWindow_ErrorRate(t *testing.T) {
	w := NewSlidingWindow(8, time.Minute)
	w.Add(true, domain.ErrorKindRetryable)
	w.Add(false, domain.ErrorKindTransient)
	w.Add(false, domain.ErrorKindTransient)
	w.Add(true, domain.ErrorKindRetryable)

	if got := w.ErrorRate(); got != 0.5 {
		t.Fatalf("expected 0.5, got %v", got)
	}
}

func TestSlidingWindow_RingOverwritesOldest(t *testing.T) {
	w := NewSlidingWindow(2, time.Minute)
	w.Add(true, domain.ErrorKindRetryable)
	w.Add(false, domain.ErrorKindTransient)
	w.Add(false, domain.ErrorKindTransient) // overwrites the success

	if got := w.ErrorRate(); got != 1 {
		t.Fatalf("expected 1 after overwrite, got %v", got)
	}
}

func TestSlidingWindow_ExpiredEntriesElided(t *testing.T) {
	w := NewSlidingWindow(8, time.Millisecond)
	w.Add(false, domain.ErrorKindTransient)
	time.Sleep(5 * time.Millisecond)
	if got := w.ErrorRate(); got != 0 {
		t.Fatalf("expected expired entry to be elided, got %v", got)
	}
}

func TestSlidingWindow_Clear(t *testing.T) {
	w := NewSlidingWindow(8, time.Minute)
	w.Add(false, domain.ErrorKindTransient)
	w.Clear()
	if got := w.ErrorRate(); got != 0 {
		t.Fatalf("expected 0 after clear, got %v", got)
	}
}

func TestSlidingWindow_ErrorCountsByKind(t *testing.T) {
	w := NewSlidingWindow(8, time.Minute)
	w.Add(false, domain.ErrorKindNonRetryable)
	w.Add(false, domain.ErrorKindNonRetryable)
	w.Add(false, domain.ErrorKindTransient)
	w.Add(true, domain.ErrorKindRetryable)

	counts, total := w.ErrorCountsByKind()
	if total != 4 {
		t.Fatalf("expected total 4, got %d", total)
	}
	if counts[domain.ErrorKindNonRetryable] != 2 {
		t.Fatalf("expected 2 non-retryable, got %d", counts[domain.ErrorKindNonRetryable])
	}
	if counts[domain.ErrorKindTransient] != 1 {
		t.Fatalf("expected 1 transient, got %d", counts[domain.ErrorKindTransient])
	}
}
