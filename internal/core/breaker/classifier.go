package breaker

import (
	"net/http"
	"strings"

	"github.com/thushan/olla/internal/core/domain"
)

// ClassifierPatterns holds the configured substring sets the classifier
// matches against, in canonical rule order (§4.2). Zero value uses the
// package defaults.
type ClassifierPatterns struct {
	Capability   []string
	NonRetryable []string
	Permanent    []string
	RateLimit    []string
	Transient    []string
}

// DefaultClassifierPatterns mirrors the fixed table from §4.2.
func DefaultClassifierPatterns() ClassifierPatterns {
	return ClassifierPatterns{
		Capability: []string{
			"does not support generate",
			"does not support chat",
			"unsupported operation",
		},
		NonRetryable: []string{
			"authentication", "authorization", "unauthorized",
			"not found", "invalid", "out of memory",
			"runner process has terminated", "fatal model server error",
			"not enough ram",
		},
		Permanent: []string{
			"disk full", "server crash",
		},
		RateLimit: []string{
			"rate limit", "too many requests",
		},
		Transient: []string{
			"timeout", "temporarily unavailable", "service unavailable",
			"gateway timeout", "econnrefused", "econnreset", "etimedout",
		},
	}
}

// ClassifiableError is anything with a message and, optionally, an HTTP
// status code - either a plain error or a richer object.
type ClassifiableError interface {
	error
}

// HTTPStatusError is implemented by errors that carry an upstream HTTP
// status code (e.g. a proxied response).
type HTTPStatusError interface {
	error
	StatusCode() int
}

// Classifier maps an error to an ErrorKind plus a shouldCircuitBreak flag (C2).
type Classifier struct {
	patterns ClassifierPatterns
}

// NewClassifier builds a classifier from the given pattern sets.
func NewClassifier(patterns ClassifierPatterns) *Classifier {
	return &Classifier{patterns: patterns}
}

// Classify runs the canonical seven-rule cascade from §4.2.
func (c *Classifier) Classify(err error) domain.ClassifiedError {
	if err == nil {
		return domain.ClassifiedError{Kind: domain.ErrorKindRetryable, ShouldCircuitBreak: true}
	}

	statusCode := 0
	if se, ok := err.(HTTPStatusError); ok {
		statusCode = se.StatusCode()
	}

	message := strings.ToLower(err.Error())

	// 1. Capability errors never count toward circuit breaking.
	if containsAny(message, c.patterns.Capability) {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindNonRetryable, StatusCode: statusCode, ShouldCircuitBreak: false}
	}

	// 2. Configured non-retryable patterns.
	if containsAny(message, c.patterns.NonRetryable) {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindNonRetryable, StatusCode: statusCode, ShouldCircuitBreak: true}
	}

	// 3. Configured permanent patterns.
	if containsAny(message, c.patterns.Permanent) {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindPermanent, StatusCode: statusCode, ShouldCircuitBreak: true}
	}

	// 4. Rate limit: pattern match or HTTP 429.
	if statusCode == http.StatusTooManyRequests || containsAny(message, c.patterns.RateLimit) {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindRateLimited, StatusCode: statusCode, ShouldCircuitBreak: true}
	}

	// 5. Configured transient patterns.
	if containsAny(message, c.patterns.Transient) {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindTransient, StatusCode: statusCode, ShouldCircuitBreak: true}
	}

	// 6. HTTP 5xx other than 429.
	if statusCode >= 500 && statusCode < 600 {
		return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindRetryable, StatusCode: statusCode, ShouldCircuitBreak: true}
	}

	// 7. Otherwise.
	return domain.ClassifiedError{Err: err, Kind: domain.ErrorKindRetryable, StatusCode: statusCode, ShouldCircuitBreak: true}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, strings.ToLower(n)) {
			return true
		}
	}
	return false
}
