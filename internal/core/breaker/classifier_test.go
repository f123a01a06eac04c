package breaker

import (
	"errors"
	"testing"

	"github.com/thushan/olla/internal/core/domain"
)

type statusError struct {
	msg  string
	code int
}

func (e statusError) Error() string    { return e.msg }
func (e statusError) StatusCode() int  { return e.code }

func TestClassifier_CapabilityErrorsDoNotBreak(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(errors.New("model does not support generate"))
	if got.Kind != domain.ErrorKindNonRetryable {
		t.Fatalf("expected non-retryable, got %v", got.Kind)
	}
	if got.ShouldCircuitBreak {
		t.Fatalf("expected capability error to not circuit-break")
	}
}

func TestClassifier_NonRetryablePatterns(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(errors.New("CUDA error: out of memory"))
	if got.Kind != domain.ErrorKindNonRetryable || !got.ShouldCircuitBreak {
		t.Fatalf("expected breaking non-retryable, got %+v", got)
	}
}

func TestClassifier_Permanent(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(errors.New("server crash detected"))
	if got.Kind != domain.ErrorKindPermanent {
		t.Fatalf("expected permanent, got %v", got.Kind)
	}
}

func TestClassifier_RateLimitByStatus(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(statusError{msg: "upstream error", code: 429})
	if got.Kind != domain.ErrorKindRateLimited {
		t.Fatalf("expected rateLimited, got %v", got.Kind)
	}
}

func TestClassifier_Transient(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(errors.New("context deadline exceeded: timeout"))
	if got.Kind != domain.ErrorKindTransient {
		t.Fatalf("expected transient, got %v", got.Kind)
	}
}

func TestClassifier_5xxIsRetryable(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	got := c.Classify(statusError{msg: "internal error", code: 502})
	if got.Kind != domain.ErrorKindRetryable {
		t.Fatalf("expected retryable, got %v", got.Kind)
	}
}

func TestClassifier_Purity(t *testing.T) {
	c := NewClassifier(DefaultClassifierPatterns())
	err := errors.New("rate limit exceeded, try later")
	a := c.Classify(err)
	b := c.Classify(err)
	if a.Kind != b.Kind || a.ShouldCircuitBreak != b.ShouldCircuitBreak {
		t.Fatalf("classify is not pure: %+v vs %+v", a, b)
	}
}
