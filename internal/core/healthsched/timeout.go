package healthsched

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrorCategory classifies a health/active-test failure for backoff and
// adaptive-timeout purposes. It is distinct from breaker.ErrorKind: this
// classification drives scheduler pacing, not circuit state.
type ErrorCategory int

const (
	ErrorCategoryOther ErrorCategory = iota
	ErrorCategoryCapability
	ErrorCategoryModelFile
	ErrorCategoryPermanent
	ErrorCategoryMemory
	ErrorCategoryTimeout
	ErrorCategoryModelNotFound
	ErrorCategoryConnectionRefused
)

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"no such host",
	"network",
	"temporary",
}

// IsRetryable reports whether err's text matches the short retryable
// pattern set used for main/recovery health-check retries.
func IsRetryable(errText string) bool {
	lower := strings.ToLower(errText)
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RetryDelay computes retryDelayMs * backoffMultiplier^attempt.
func RetryDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	factor := 1.0
	for i := 0; i < attempt; i++ {
		factor *= multiplier
	}
	return time.Duration(float64(base) * factor)
}

// ClassifyActiveTestError maps a probe error string to an ErrorCategory
// using the same ordered-cascade idiom as the circuit breaker classifier.
func ClassifyActiveTestError(errText string) ErrorCategory {
	lower := strings.ToLower(errText)
	switch {
	case strings.Contains(lower, "does not support") || strings.Contains(lower, "not supported") || strings.Contains(lower, "capability"):
		return ErrorCategoryCapability
	case strings.Contains(lower, "unable to load") || strings.Contains(lower, "invalid magic") || strings.Contains(lower, "invalid format") || strings.Contains(lower, "missing blob"):
		return ErrorCategoryModelFile
	case strings.Contains(lower, "model_not_found") || strings.Contains(lower, "model not found"):
		return ErrorCategoryModelNotFound
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom"):
		return ErrorCategoryMemory
	case strings.Contains(lower, "runner") && strings.Contains(lower, "terminated"):
		return ErrorCategoryPermanent
	case strings.Contains(lower, "crash") || strings.Contains(lower, "panic"):
		return ErrorCategoryPermanent
	case strings.Contains(lower, "connection refused"):
		return ErrorCategoryConnectionRefused
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return ErrorCategoryTimeout
	default:
		return ErrorCategoryOther
	}
}

// ActiveTestBackoffSchedule returns the backoff table and max-attempt cap
// for an error category, per the progressive backoff rules.
func ActiveTestBackoffSchedule(category ErrorCategory) (delays []time.Duration, maxAttempts int) {
	switch category {
	case ErrorCategoryCapability:
		return []time.Duration{30 * time.Second}, 2
	case ErrorCategoryModelFile:
		return []time.Duration{60 * time.Second, 5 * time.Minute, 10 * time.Minute}, 3
	case ErrorCategoryPermanent, ErrorCategoryMemory:
		return []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 60 * time.Minute}, 5
	default:
		return nil, 8
	}
}

// NextActiveTestDelay returns the delay before attempt k+1 (0-indexed k is
// the number of failures so far), or ok=false once maxAttempts is reached.
func NextActiveTestDelay(category ErrorCategory, consecutiveFailures int) (delay time.Duration, ok bool) {
	delays, maxAttempts := ActiveTestBackoffSchedule(category)
	if consecutiveFailures >= maxAttempts {
		return 0, false
	}
	if category == ErrorCategoryOther || len(delays) == 0 {
		d := 30 * time.Second * time.Duration(1<<uint(minInt(consecutiveFailures, 10)))
		if d > 30*time.Minute {
			d = 30 * time.Minute
		}
		return d, true
	}
	idx := consecutiveFailures
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx], true
}

const (
	DefaultBaseTimeout = 60 * time.Second
	MaxAdaptiveTimeout = 15 * time.Minute
)

// BaseTimeoutForCategory returns the strategy's first-attempt timeout for
// an error category; categories not named fall back to the timeout rule.
func BaseTimeoutForCategory(category ErrorCategory, base time.Duration) time.Duration {
	switch category {
	case ErrorCategoryCapability:
		return 5 * time.Second
	case ErrorCategoryModelFile:
		return 10 * time.Second
	case ErrorCategoryPermanent:
		return 15 * time.Second
	case ErrorCategoryMemory:
		return 10 * time.Second
	case ErrorCategoryModelNotFound:
		return 5 * time.Second
	case ErrorCategoryConnectionRefused:
		return base
	case ErrorCategoryTimeout:
		return base
	default:
		return base
	}
}

// AdaptiveTimeout computes the per-attempt timeout for the next active
// test attempt, applying the category strategy, the timeout-doubling rule,
// model-size multiplier, server-performance multiplier and progressive
// extension.
func AdaptiveTimeout(category ErrorCategory, base time.Duration, consecutiveFailures int, modelSizeMultiplier, serverPerfMultiplier float64) time.Duration {
	var t time.Duration
	if category == ErrorCategoryTimeout {
		shift := consecutiveFailures + 1
		if shift > 10 {
			shift = 10
		}
		t = base * time.Duration(1<<uint(shift))
		if t > MaxAdaptiveTimeout {
			t = MaxAdaptiveTimeout
		}
	} else {
		t = BaseTimeoutForCategory(category, base)
	}

	if modelSizeMultiplier > 0 {
		t = time.Duration(float64(t) * modelSizeMultiplier)
	}
	if serverPerfMultiplier > 0 {
		clamped := serverPerfMultiplier
		if clamped < 0.5 {
			clamped = 0.5
		}
		if clamped > 2.0 {
			clamped = 2.0
		}
		t = time.Duration(float64(t) * clamped)
	}

	extension := progressiveExtension(consecutiveFailures)
	t = time.Duration(float64(t) * extension)

	if t > MaxAdaptiveTimeout {
		t = MaxAdaptiveTimeout
	}
	return t
}

// progressiveExtension grows from 1.0 toward a 3.0 cap as consecutive
// failures accumulate.
func progressiveExtension(consecutiveFailures int) float64 {
	extension := 1.0 + float64(consecutiveFailures)*0.25
	if extension > 3.0 {
		extension = 3.0
	}
	return extension
}

var modelSizePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*[xX]?\s*([bB])\b`)

// ModelSizeMultiplier derives a timeout multiplier from measured VRAM
// bytes when known, else infers parameter count from the model name
// (":7b", "8x7b", etc). 1.0 is the neutral multiplier.
func ModelSizeMultiplier(sizeVramBytes int64, modelName string) float64 {
	const bytesPerUnit = 500 * 1024 * 1024
	if sizeVramBytes > 0 {
		mult := float64(sizeVramBytes) / float64(bytesPerUnit)
		if mult < 1.0 {
			mult = 1.0
		}
		return mult
	}

	matches := modelSizePattern.FindAllStringSubmatch(modelName, -1)
	if len(matches) == 0 {
		return 1.0
	}
	total := 0.0
	for _, m := range matches {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		total += v
	}
	if total <= 0 {
		return 1.0
	}
	mult := total / 7.0
	if mult < 1.0 {
		mult = 1.0
	}
	return mult
}

// ServerPerformanceMultiplier derives a [0.5, 2.0] multiplier from a
// server's recent average latency relative to a baseline.
func ServerPerformanceMultiplier(recentAvgLatency, baseline time.Duration) float64 {
	if baseline <= 0 || recentAvgLatency <= 0 {
		return 1.0
	}
	ratio := float64(recentAvgLatency) / float64(baseline)
	if ratio < 0.5 {
		ratio = 0.5
	}
	if ratio > 2.0 {
		ratio = 2.0
	}
	return ratio
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
