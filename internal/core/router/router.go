// Package router implements candidate selection and failover execution
// (C9): weighted multi-factor scoring over eligible servers, two-phase
// retry, and single-server bypass for diagnostics.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/servers"
)

// Weights controls the relative contribution of each scoring factor.
// They need not sum to 1.
type Weights struct {
	Latency     float64
	SuccessRate float64
	Load        float64
	Capacity    float64
}

func DefaultWeights() Weights {
	return Weights{Latency: 0.3, SuccessRate: 0.3, Load: 0.2, Capacity: 0.2}
}

const (
	DefaultMaxRetries              = 3
	DefaultRetryDelay               = 100 * time.Millisecond
	DefaultBackoffMultiplier        = 2.0
	DefaultMaxRetryDelay            = 5 * time.Second
	DefaultFailureThresholdUnhealthy = 5
	DefaultExtendedBreakerTimeout    = 1 * time.Hour
)

type Config struct {
	Weights                      Weights
	RetryableStatusCodes         map[int]bool
	MaxRetries                   int
	RetryDelay                   time.Duration
	BackoffMultiplier            float64
	MaxRetryDelay                time.Duration
	FailureThresholdForUnhealthy int
	ServerWidePermanentPatterns  []string
	ExtendedBreakerTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Weights:                      DefaultWeights(),
		RetryableStatusCodes:         map[int]bool{429: true, 503: true},
		MaxRetries:                   DefaultMaxRetries,
		RetryDelay:                   DefaultRetryDelay,
		BackoffMultiplier:            DefaultBackoffMultiplier,
		MaxRetryDelay:                DefaultMaxRetryDelay,
		FailureThresholdForUnhealthy: DefaultFailureThresholdUnhealthy,
		ServerWidePermanentPatterns:  []string{"disk full", "server crash", "out of disk space"},
		ExtendedBreakerTimeout:       DefaultExtendedBreakerTimeout,
	}
}

// StatusCodeError is implemented by operation errors that carry an HTTP
// status code, so the router can match retryableStatusCodes.
type StatusCodeError interface {
	StatusCode() int
}

// Op is the unit of work the router executes against a chosen server. It
// returns an error classifiable by breaker.Classifier.
type Op func(ctx context.Context, server *domain.Server) error

// Candidate is a scored, eligible server for a routing decision.
type Candidate struct {
	Server   *domain.Server
	Score    float64
	InFlight int64
}

// Router selects and drives requests across a fleet of servers.
type Router struct {
	cfg        Config
	servers    *servers.Registry
	breakers   *breaker.Registry
	classifier *breaker.Classifier
	logger     *slog.Logger

	failureCounts map[string]int
}

func New(cfg Config, serverRegistry *servers.Registry, breakerRegistry *breaker.Registry, classifier *breaker.Classifier, logger *slog.Logger) *Router {
	return &Router{
		cfg:           cfg,
		servers:       serverRegistry,
		breakers:      breakerRegistry,
		classifier:    classifier,
		logger:        logger,
		failureCounts: make(map[string]int),
	}
}

// matchesModel reports whether model appears in the model list(s) of s that
// apply for capability C.
func matchesModel(s *domain.Server, model string, capability domain.Capability) bool {
	contains := func(list []string) bool {
		for _, m := range list {
			if m == model {
				return true
			}
		}
		return false
	}
	switch capability {
	case domain.CapabilityOpenAI:
		return contains(s.V1Models)
	default:
		return contains(s.Models) || contains(s.V1Models)
	}
}

func supportsCapability(s *domain.Server, capability domain.Capability) bool {
	switch capability {
	case domain.CapabilityOpenAI:
		return s.SupportsV1
	default:
		return s.SupportsOllama || s.SupportsV1
	}
}

// EligibleCandidates filters and scores candidates for (model, capability).
func (rt *Router) EligibleCandidates(model string, capability domain.Capability, bypassCircuitBreaker bool) []Candidate {
	var out []Candidate
	for _, s := range rt.servers.GetServers() {
		if !s.Healthy || s.Draining || s.Maintenance {
			continue
		}
		if !matchesModel(s, model, capability) || !supportsCapability(s, capability) {
			continue
		}
		if rt.servers.IsInCooldown(s.ID, model) {
			continue
		}
		if rt.servers.IsBanned(s.ID, model) {
			continue
		}
		inFlight := rt.servers.GetTotalInFlight(s.ID)
		if s.MaxConcurrency > 0 && inFlight >= int64(s.MaxConcurrency) {
			continue
		}
		if !bypassCircuitBreaker {
			if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(s.ID)); ok && !sb.CanExecute() {
				continue
			}
			if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(s.ID, model)); ok && !mb.CanExecute() {
				continue
			}
		}
		out = append(out, Candidate{Server: s, InFlight: inFlight})
	}

	for i := range out {
		out[i].Score = rt.score(out[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].InFlight != out[j].InFlight {
			return out[i].InFlight < out[j].InFlight
		}
		return out[i].Server.ID < out[j].Server.ID
	})
	return out
}

func (rt *Router) score(c Candidate) float64 {
	w := rt.cfg.Weights
	latencyMs := float64(c.Server.LastResponseTime.Milliseconds())
	latencyScore := 1.0 / (1.0 + latencyMs)

	successRate := 1.0
	if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(c.Server.ID)); ok {
		successRate = 1.0 - sb.Stats().ErrorRate
	}

	load := 0.0
	if c.Server.MaxConcurrency > 0 {
		load = float64(c.InFlight) / float64(c.Server.MaxConcurrency)
	}
	loadScore := 1.0 - load
	capacityScore := 1.0 - load

	return w.Latency*latencyScore + w.SuccessRate*successRate + w.Load*loadScore + w.Capacity*capacityScore
}

// TryRequestWithFailover runs op across eligible candidates in score
// order, retrying same-server failures per the retry policy, then a
// second bypass-circuit-breaker pass for transient failures only.
func (rt *Router) TryRequestWithFailover(ctx context.Context, model string, capability domain.Capability, op Op, routingCtx *domain.RoutingContext) error {
	attempts := make([]domain.ServerAttemptError, 0)
	retryCount := 0

	candidates := rt.EligibleCandidates(model, capability, false)
	if routingCtx != nil {
		routingCtx.AvailableServerCount = len(candidates)
		routingCtx.CorrelationID = uuid.New().String()
	}

	transientFailures := make(map[string]bool)

	for _, c := range candidates {
		err, kind := rt.attemptWithRetries(ctx, c.Server, model, op, &retryCount)
		if err == nil {
			rt.onSuccess(c.Server, model, routingCtx, retryCount)
			return nil
		}
		attempts = append(attempts, domain.ServerAttemptError{ServerID: c.Server.ID, Err: err, Kind: kind})
		if kind == domain.ErrorKindTransient {
			transientFailures[c.Server.ID] = true
		}
		rt.HandleServerError(kind, c.Server.ID, model, err.Error())
	}

	// Phase 2: bypass circuit breaker, but only retry servers whose Phase 1
	// failure was transient.
	bypassCandidates := rt.EligibleCandidates(model, capability, true)
	for _, c := range bypassCandidates {
		if !transientFailures[c.Server.ID] {
			continue
		}
		err, kind := rt.attemptWithRetries(ctx, c.Server, model, op, &retryCount)
		if err == nil {
			rt.onSuccess(c.Server, model, routingCtx, retryCount)
			return nil
		}
		attempts = append(attempts, domain.ServerAttemptError{ServerID: c.Server.ID, Err: err, Kind: kind})
		rt.HandleServerError(kind, c.Server.ID, model, err.Error())
	}

	if routingCtx != nil {
		routingCtx.RetryCount = retryCount
	}
	return &domain.FailoverError{Model: model, Attempts: attempts}
}

func (rt *Router) onSuccess(s *domain.Server, model string, routingCtx *domain.RoutingContext, retryCount int) {
	if routingCtx == nil {
		return
	}
	routingCtx.SelectedServerID = s.ID
	routingCtx.RetryCount = retryCount
	if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(s.ID)); ok {
		routingCtx.ServerCircuitState = sb.State()
	}
	if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(s.ID, model)); ok {
		routingCtx.ModelCircuitState = mb.State()
	}
}

// attemptWithRetries runs op against a single server, retrying in place
// for retryable/status-coded failures up to MaxRetries with capped
// exponential backoff.
func (rt *Router) attemptWithRetries(ctx context.Context, s *domain.Server, model string, op Op, retryCount *int) (error, domain.ErrorKind) {
	rt.servers.IncrementInFlight(s.ID, model, false)
	defer rt.servers.DecrementInFlight(s.ID, model, false)

	var lastErr error
	var lastKind domain.ErrorKind

	for attempt := 0; ; attempt++ {
		err := op(ctx, s)
		if err == nil {
			rt.recordSuccess(s.ID, model)
			return nil, domain.ErrorKindRetryable
		}

		classified := rt.classifier.Classify(err)
		lastErr = err
		lastKind = classified.Kind

		if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(s.ID, model)); ok {
			if classified.ShouldCircuitBreak {
				mb.RecordFailure(classified.Kind, err.Error())
			} else {
				mb.RecordCapabilityFailure(err.Error())
			}
		}

		retryableHere := classified.Kind == domain.ErrorKindRetryable || rt.matchesRetryableStatus(err)
		if !retryableHere || attempt >= rt.cfg.MaxRetries {
			return lastErr, lastKind
		}

		*retryCount++
		delay := rt.backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err(), domain.ErrorKindTransient
		}
	}
}

func (rt *Router) matchesRetryableStatus(err error) bool {
	sc, ok := err.(StatusCodeError)
	if !ok {
		return false
	}
	return rt.cfg.RetryableStatusCodes[sc.StatusCode()]
}

func (rt *Router) backoffDelay(attempt int) time.Duration {
	delay := float64(rt.cfg.RetryDelay) * pow(rt.cfg.BackoffMultiplier, attempt)
	d := time.Duration(delay)
	if d > rt.cfg.MaxRetryDelay {
		d = rt.cfg.MaxRetryDelay
	}
	return d
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (rt *Router) recordSuccess(serverID, model string) {
	if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(serverID)); ok {
		sb.RecordSuccess()
	}
	if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(serverID, model)); ok {
		mb.RecordSuccess()
	}
	rt.failureCounts[serverID] = 0
}

// HandleServerError applies the per-error-kind side effects: permanent
// bans and possible server-wide unhealthy marking, cooldowns for
// non-retryable/transient failures, and rate-limit breaker recording.
func (rt *Router) HandleServerError(kind domain.ErrorKind, serverID, model, reason string) {
	switch kind {
	case domain.ErrorKindPermanent:
		rt.servers.Ban(serverID, model, reason)
		if rt.matchesServerWidePattern(reason) {
			if s, ok := rt.servers.GetServer(serverID); ok {
				s.Healthy = false
			}
			if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(serverID)); ok {
				sb.ForceOpen(rt.cfg.ExtendedBreakerTimeout)
			}
		}
	case domain.ErrorKindNonRetryable:
		rt.servers.MarkFailure(serverID, model)
	case domain.ErrorKindTransient:
		rt.failureCounts[serverID]++
		rt.servers.MarkFailure(serverID, model)
		if rt.failureCounts[serverID] >= rt.cfg.FailureThresholdForUnhealthy {
			if s, ok := rt.servers.GetServer(serverID); ok {
				s.Healthy = false
			}
		}
	case domain.ErrorKindRateLimited:
		if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(serverID, model)); ok {
			mb.RecordFailure(kind, reason)
		}
	}
}

func (rt *Router) matchesServerWidePattern(reason string) bool {
	lower := strings.ToLower(reason)
	for _, p := range rt.cfg.ServerWidePermanentPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// RequestToServer is the single-server bypass entry point used by
// diagnostic endpoints. It still enforces cooldowns, bans and in-flight
// caps, but skips breaker admission when bypassCircuitBreaker is set.
func (rt *Router) RequestToServer(ctx context.Context, serverID, model string, capability domain.Capability, op Op, bypassCircuitBreaker bool) error {
	s, ok := rt.servers.GetServer(serverID)
	if !ok {
		return domain.ErrServerNotFound
	}
	if !s.Healthy {
		return domain.ErrNoHealthyServers
	}
	if !matchesModel(s, model, capability) {
		return domain.ErrModelNotFound
	}
	if rt.servers.IsInCooldown(serverID, model) {
		return domain.ErrInCooldown
	}
	if rt.servers.IsBanned(serverID, model) {
		return domain.ErrPermanentlyBanned
	}
	if s.MaxConcurrency > 0 && rt.servers.GetTotalInFlight(serverID) >= int64(s.MaxConcurrency) {
		return domain.ErrNoHealthyServers
	}
	if !bypassCircuitBreaker {
		if sb, ok := rt.breakers.Get(domain.ServerBreakerKey(serverID)); ok && !sb.CanExecute() {
			return domain.ErrCircuitOpen
		}
		if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(serverID, model)); ok && !mb.CanExecute() {
			return domain.ErrCircuitOpen
		}
	}

	rt.servers.IncrementInFlight(serverID, model, bypassCircuitBreaker)
	defer rt.servers.DecrementInFlight(serverID, model, bypassCircuitBreaker)

	err := op(ctx, s)
	if err == nil {
		rt.recordSuccess(serverID, model)
		return nil
	}
	classified := rt.classifier.Classify(err)
	if mb, ok := rt.breakers.Get(domain.ModelBreakerKey(serverID, model)); ok {
		if classified.ShouldCircuitBreak {
			mb.RecordFailure(classified.Kind, err.Error())
		} else {
			mb.RecordCapabilityFailure(err.Error())
		}
	}
	rt.HandleServerError(classified.Kind, serverID, model, err.Error())
	return err
}
