package breaker

import (
	"math"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

// Config tunes one breaker's adaptive threshold, smoothing and backoff
// behaviour (§4.3). Zero value is replaced with DefaultConfig at construction.
type Config struct {
	BaseFailureThreshold     int
	MinThreshold             int
	MaxThreshold             int
	ThresholdAdjustment      int
	ErrorRateThreshold       float64
	RecoverySuccessThreshold int
	OpenTimeout              time.Duration
	SmoothingAlpha           float64
	WindowCapacity           int
	WindowDuration           time.Duration
}

// DefaultConfig returns the breaker defaults used when a registry creates a
// breaker without an explicit override.
func DefaultConfig() Config {
	return Config{
		BaseFailureThreshold:     3,
		MinThreshold:             1,
		MaxThreshold:             10,
		ThresholdAdjustment:      2,
		ErrorRateThreshold:       0.5,
		RecoverySuccessThreshold: 2,
		OpenTimeout:              2 * time.Minute,
		SmoothingAlpha:           0.3,
		WindowCapacity:           DefaultWindowSize,
		WindowDuration:           DefaultWindowDuration,
	}
}

const (
	backoffNonRetryable = 48 * time.Hour
	backoffPermanent    = 24 * time.Hour
	backoffRetryable    = 12 * time.Hour
	rateLimitSeed       = 5 * time.Minute
	rateLimitCap        = 60 * time.Minute
	rateLimitFactor     = 3.0

	flapGuardExtendAt  = 3
	flapGuardLockoutAt = 5

	maxHalfOpenJitter = 30 * time.Second
)

// StateChangeFunc is invoked on every state transition; used to schedule a
// debounced persistence write.
type StateChangeFunc func(name string, from, to domain.BreakerState)

// Stats is an immutable, consistent snapshot of a breaker's counters for
// reporting, persistence and admin surfaces.
type Stats struct {
	LastFailure                 time.Time
	LastSuccess                 time.Time
	NextRetryAt                 time.Time
	HalfOpenStartedAt           time.Time
	LastFailureReason           string
	Name                        string
	State                       domain.BreakerState
	ModelType                   domain.ModelType
	LastErrorType                domain.ErrorKind
	ErrorCounts                 map[domain.ErrorKind]int
	FailureCount                int64
	SuccessCount                int64
	TotalRequestCount           int64
	BlockedRequestCount         int64
	ConsecutiveSuccesses        int64
	HalfOpenAttempts            int64
	ConsecutiveFailedRecoveries int64
	ActiveTestsInProgress       int64
	RateLimitConsecutiveFailures int64
	LearnedRateLimitBackoff     time.Duration
	ErrorRate                   float64
	EverSucceeded               bool
}

// CircuitBreaker is the per-(server,model) two-layer breaker (C3).
type CircuitBreaker struct {
	window *SlidingWindow

	onStateChange StateChangeFunc

	lastFailure       time.Time
	lastSuccess       time.Time
	nextRetryAt       time.Time
	halfOpenStartedAt time.Time

	lastFailureReason string

	name  string
	cfg   Config
	mu    sync.Mutex
	state domain.BreakerState

	modelType    domain.ModelType
	lastErrorType domain.ErrorKind

	errorRate float64

	failureCount                int64
	successCount                int64
	totalRequestCount           int64
	blockedRequestCount         int64
	consecutiveSuccesses        int64
	halfOpenAttempts            int64
	consecutiveFailedRecoveries int64
	activeTestsInProgress       int64
	rateLimitConsecutiveFailures int64
	learnedRateLimitBackoff     time.Duration
	everSucceeded               bool
}

// New creates a closed breaker for the given key.
func New(name string, cfg Config, onStateChange StateChangeFunc) *CircuitBreaker {
	if cfg.BaseFailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &CircuitBreaker{
		name:          name,
		cfg:           cfg,
		window:        NewSlidingWindow(cfg.WindowCapacity, cfg.WindowDuration),
		state:         domain.BreakerClosed,
		modelType:     domain.ModelTypeUnknown,
		onStateChange: onStateChange,
	}
}

func (b *CircuitBreaker) Name() string { return b.name }

// CanExecute reports whether a client request may proceed. It always
// increments totalRequestCount first. Half-open never admits client
// traffic directly - recovery probes are issued by the recovery
// coordinator, not by piggy-backing on this call.
func (b *CircuitBreaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequestCount++

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerHalfOpen:
		return false
	case domain.BreakerOpen:
		if b.readyForHalfOpenLocked() {
			b.transitionLocked(domain.BreakerHalfOpen)
		}
		b.blockedRequestCount++
		return false
	default:
		b.blockedRequestCount++
		return false
	}
}

// readyForHalfOpenLocked applies the flap guard: past 5 consecutive failed
// recoveries with no success ever recorded, the breaker stays open past
// nextRetryAt until an operator intervenes.
func (b *CircuitBreaker) readyForHalfOpenLocked() bool {
	if b.consecutiveFailedRecoveries >= flapGuardLockoutAt && !b.everSucceeded {
		return false
	}
	return !time.Now().Before(b.nextRetryAt)
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccess = time.Now()
	b.everSucceeded = true
	b.window.Add(true, domain.ErrorKindRetryable)
	b.recomputeErrorRateLocked()

	switch b.state {
	case domain.BreakerClosed:
		// adaptive threshold is window-driven; nothing else to reset here.
	case domain.BreakerHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= int64(b.cfg.RecoverySuccessThreshold) {
			if b.lastErrorType == domain.ErrorKindRateLimited {
				b.learnedRateLimitBackoff = b.rateLimitBackoffLocked()
			}
			b.consecutiveFailedRecoveries = 0
			b.rateLimitConsecutiveFailures = 0
			b.transitionLocked(domain.BreakerClosed)
		}
	}
}

// RecordFailure records a failure classified as kind with a human-readable
// reason. Capability errors that should not circuit-break are recorded by
// the caller invoking the classifier first and skipping this call.
func (b *CircuitBreaker) RecordFailure(kind domain.ErrorKind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failureCount++
	b.lastFailure = now
	b.lastFailureReason = reason
	b.lastErrorType = kind
	b.window.Add(false, kind)
	b.recomputeErrorRateLocked()

	if kind == domain.ErrorKindRateLimited {
		b.rateLimitConsecutiveFailures++
	}

	switch b.state {
	case domain.BreakerClosed:
		threshold := b.adaptiveThresholdLocked()
		if b.failureCount >= int64(threshold) || b.errorRate > b.cfg.ErrorRateThreshold {
			b.nextRetryAt = now.Add(b.firstFailureBackoffLocked(kind))
			b.transitionLocked(domain.BreakerOpen)
		}
	case domain.BreakerHalfOpen:
		b.consecutiveFailedRecoveries++
		b.nextRetryAt = now.Add(b.recoveryBackoffLocked(kind))
		b.transitionLocked(domain.BreakerOpen)
	case domain.BreakerOpen:
		// already open, nothing further to schedule
	}
}

// RecordCapabilityFailure records a capability mismatch (e.g. a generate
// call landing on an embedding-only model) in the rolling window and
// flips modelType to embedding, without driving any open/closed
// transition - per S3, state stays closed regardless of how many of
// these accumulate, since the classifier already reported
// shouldCircuitBreak=false for this error.
func (b *CircuitBreaker) RecordCapabilityFailure(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()
	b.lastFailureReason = reason
	b.lastErrorType = domain.ErrorKindNonRetryable
	b.window.Add(false, domain.ErrorKindNonRetryable)
	b.recomputeErrorRateLocked()
	b.modelType = domain.ModelTypeEmbedding
}

// adaptiveThresholdLocked computes the failure threshold from the window's
// error-kind mix per §4.3.
func (b *CircuitBreaker) adaptiveThresholdLocked() int {
	counts, total := b.window.ErrorCountsByKind()
	if total == 0 {
		return b.cfg.BaseFailureThreshold
	}

	nonRetryableRatio := float64(counts[domain.ErrorKindNonRetryable]+counts[domain.ErrorKindPermanent]) / float64(total)
	transientRatio := float64(counts[domain.ErrorKindTransient]+counts[domain.ErrorKindRetryable]) / float64(total)

	threshold := b.cfg.BaseFailureThreshold
	switch {
	case nonRetryableRatio > 0.5:
		threshold -= b.cfg.ThresholdAdjustment
		if threshold < b.cfg.MinThreshold {
			threshold = b.cfg.MinThreshold
		}
	case transientRatio > 0.7:
		threshold += b.cfg.ThresholdAdjustment
		if threshold > b.cfg.MaxThreshold {
			threshold = b.cfg.MaxThreshold
		}
	}
	return threshold
}

func (b *CircuitBreaker) recomputeErrorRateLocked() {
	alpha := b.cfg.SmoothingAlpha
	b.errorRate = alpha*b.window.ErrorRate() + (1-alpha)*b.errorRate
}

// firstFailureBackoffLocked is the per-error-kind backoff applied the first
// time a breaking failure opens the circuit (§4.3).
func (b *CircuitBreaker) firstFailureBackoffLocked(kind domain.ErrorKind) time.Duration {
	switch kind {
	case domain.ErrorKindNonRetryable:
		return backoffNonRetryable
	case domain.ErrorKindPermanent:
		return backoffPermanent
	case domain.ErrorKindRetryable:
		return backoffRetryable
	case domain.ErrorKindRateLimited:
		return b.rateLimitBackoffLocked()
	case domain.ErrorKindTransient:
		return b.cfg.OpenTimeout
	default:
		return b.cfg.OpenTimeout
	}
}

// rateLimitBackoffLocked implements min(5min*3^k, 60min), seeded from a
// previously learned value when k==0.
func (b *CircuitBreaker) rateLimitBackoffLocked() time.Duration {
	k := b.rateLimitConsecutiveFailures
	if k == 0 && b.learnedRateLimitBackoff > 0 {
		return b.learnedRateLimitBackoff
	}
	seed := rateLimitSeed
	if b.learnedRateLimitBackoff > 0 {
		seed = b.learnedRateLimitBackoff
	}
	d := time.Duration(float64(seed) * math.Pow(rateLimitFactor, float64(k)))
	if d > rateLimitCap {
		d = rateLimitCap
	}
	return d
}

// recoveryBackoffLocked applies the base per-kind backoff, extended by the
// flap guard once 3+ consecutive recoveries have failed.
func (b *CircuitBreaker) recoveryBackoffLocked(kind domain.ErrorKind) time.Duration {
	base := b.firstFailureBackoffLocked(kind)
	k := b.consecutiveFailedRecoveries
	if k < flapGuardExtendAt {
		return base
	}

	capMult := 10.0
	if kind == domain.ErrorKindPermanent || kind == domain.ErrorKindNonRetryable {
		capMult = 5.0
	}
	multiplier := math.Pow(2, float64(k-flapGuardExtendAt))
	if multiplier > capMult {
		multiplier = capMult
	}
	return time.Duration(float64(base) * multiplier)
}

// transitionLocked performs bookkeeping for a state change and fires the
// state-change callback (outside the lock, to avoid re-entrancy deadlocks).
func (b *CircuitBreaker) transitionLocked(to domain.BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	switch to {
	case domain.BreakerHalfOpen:
		jitter := time.Duration(pseudoJitterNanos() % int64(maxHalfOpenJitter))
		b.halfOpenStartedAt = time.Now().Add(jitter)
		b.activeTestsInProgress = 0
		b.consecutiveSuccesses = 0
		b.halfOpenAttempts = 0
	case domain.BreakerClosed:
		b.failureCount = 0
		b.consecutiveSuccesses = 0
	case domain.BreakerOpen:
		// nextRetryAt already set by caller before calling transitionLocked
	}

	if b.onStateChange != nil {
		name, cb := b.name, b
		go func() { cb.fireCallback(name, from, to) }()
	}
}

func (b *CircuitBreaker) fireCallback(name string, from, to domain.BreakerState) {
	defer func() { _ = recover() }()
	b.onStateChange(name, from, to)
}

// pseudoJitterNanos derives a small non-cryptographic jitter source from the
// monotonic clock so NewSlidingWindow/Config stay free of math/rand state.
func pseudoJitterNanos() int64 {
	n := time.Now().UnixNano()
	if n < 0 {
		n = -n
	}
	return n
}

// ForceOpen is an admin-only override that opens the breaker immediately
// with the given timeout.
func (b *CircuitBreaker) ForceOpen(timeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextRetryAt = time.Now().Add(timeout)
	b.transitionLocked(domain.BreakerOpen)
}

// ForceClose is an admin-only override that resets the breaker to closed.
func (b *CircuitBreaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailedRecoveries = 0
	b.transitionLocked(domain.BreakerClosed)
}

// ForceHalfOpen is an admin-only override used by tests/operators.
func (b *CircuitBreaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(domain.BreakerHalfOpen)
}

// Reset clears all counters and returns the breaker to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = NewSlidingWindow(b.cfg.WindowCapacity, b.cfg.WindowDuration)
	b.state = domain.BreakerClosed
	b.lastFailure, b.lastSuccess = time.Time{}, time.Time{}
	b.nextRetryAt, b.halfOpenStartedAt = time.Time{}, time.Time{}
	b.lastFailureReason = ""
	b.lastErrorType = domain.ErrorKindRetryable
	b.errorRate = 0
	b.failureCount, b.successCount, b.totalRequestCount, b.blockedRequestCount = 0, 0, 0, 0
	b.consecutiveSuccesses, b.halfOpenAttempts, b.consecutiveFailedRecoveries = 0, 0, 0
	b.activeTestsInProgress, b.rateLimitConsecutiveFailures = 0, 0
	b.learnedRateLimitBackoff = 0
	b.everSucceeded = false
}

// State returns the current state.
func (b *CircuitBreaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetModelType returns the persisted or inferred model type.
func (b *CircuitBreaker) GetModelType() domain.ModelType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modelType
}

// SetModelType overwrites the model type, e.g. when active testing (C5)
// discovers the model only answers embedding calls.
func (b *CircuitBreaker) SetModelType(t domain.ModelType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelType = t
}

// IncActiveTests / DecActiveTests track in-flight recovery probes against
// this breaker, used by the recovery coordinator's readiness check.
func (b *CircuitBreaker) IncActiveTests() {
	b.mu.Lock()
	b.activeTestsInProgress++
	b.mu.Unlock()
}

func (b *CircuitBreaker) DecActiveTests() {
	b.mu.Lock()
	if b.activeTestsInProgress > 0 {
		b.activeTestsInProgress--
	}
	b.mu.Unlock()
}

// Stats returns a consistent snapshot for reporting/persistence.
func (b *CircuitBreaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts, _ := b.window.ErrorCountsByKind()
	return Stats{
		Name:                         b.name,
		State:                        b.state,
		FailureCount:                 b.failureCount,
		SuccessCount:                 b.successCount,
		TotalRequestCount:            b.totalRequestCount,
		BlockedRequestCount:          b.blockedRequestCount,
		ConsecutiveSuccesses:         b.consecutiveSuccesses,
		HalfOpenAttempts:             b.halfOpenAttempts,
		ConsecutiveFailedRecoveries:  b.consecutiveFailedRecoveries,
		ActiveTestsInProgress:        b.activeTestsInProgress,
		LastFailure:                  b.lastFailure,
		LastSuccess:                  b.lastSuccess,
		NextRetryAt:                  b.nextRetryAt,
		HalfOpenStartedAt:            b.halfOpenStartedAt,
		LastFailureReason:            b.lastFailureReason,
		LastErrorType:                b.lastErrorType,
		ModelType:                    b.modelType,
		ErrorRate:                    b.errorRate,
		ErrorCounts:                  counts,
		RateLimitConsecutiveFailures: b.rateLimitConsecutiveFailures,
		LearnedRateLimitBackoff:      b.learnedRateLimitBackoff,
		EverSucceeded:                b.everSucceeded,
	}
}

// TimeInHalfOpen returns the duration since the (possibly future, jittered)
// halfOpenStartedAt, clamped to zero per design note (d).
func (b *CircuitBreaker) TimeInHalfOpen() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := time.Since(b.halfOpenStartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// RestoreFrom rehydrates a breaker from a persisted snapshot (§4.4). An open
// snapshot whose NextRetryAt has already passed is loaded as half-open, with
// its counters reset when resetCountersOnHalfOpenConvert is true.
func (b *CircuitBreaker) RestoreFrom(s Stats, resetCountersOnHalfOpenConvert bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = s.State
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	b.totalRequestCount = s.TotalRequestCount
	b.blockedRequestCount = s.BlockedRequestCount
	b.lastFailure = s.LastFailure
	b.lastSuccess = s.LastSuccess
	b.nextRetryAt = s.NextRetryAt
	b.lastFailureReason = s.LastFailureReason
	b.lastErrorType = s.LastErrorType
	b.modelType = s.ModelType
	b.everSucceeded = s.SuccessCount > 0

	if s.HalfOpenStartedAt.IsZero() {
		b.halfOpenStartedAt = time.Now()
	} else {
		b.halfOpenStartedAt = s.HalfOpenStartedAt
	}

	for _, e := range weightedReplay(s.ErrorCounts) {
		b.window.Add(false, e)
	}
	b.recomputeErrorRateLocked()

	if s.State == domain.BreakerOpen && !time.Now().Before(s.NextRetryAt) {
		b.state = domain.BreakerHalfOpen
		if resetCountersOnHalfOpenConvert {
			b.consecutiveSuccesses = 0
			b.consecutiveFailedRecoveries = 0
			b.activeTestsInProgress = 0
		}
	}
}

func weightedReplay(counts map[domain.ErrorKind]int) []domain.ErrorKind {
	var out []domain.ErrorKind
	for kind, n := range counts {
		for i := 0; i < n; i++ {
			out = append(out, kind)
		}
	}
	return out
}
