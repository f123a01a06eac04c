// Package recovery implements the recovery test coordinator (C5): it
// guarantees that at most one half-open probe is in flight for a given
// server at a time, and that a probe never races client traffic.
package recovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
)

const (
	DefaultServerCooldown      = 10 * time.Second
	DefaultMaxWaitForInFlight  = 5 * time.Second
	DefaultModelTestTimeout    = 60 * time.Second
	DefaultLightweightTimeout  = 5 * time.Second
	DefaultEmbeddingTimeout    = 15 * time.Second
	DefaultMaxQueueSizePerSrv  = 10
	DefaultMaxConcurrentPerSrv = 2
	DefaultMaxMetricsHistory   = 500
	MetricsMaxAge              = 24 * time.Hour
)

type Config struct {
	ServerCooldown        time.Duration
	MaxWaitForInFlight    time.Duration
	ModelTestTimeout      time.Duration
	LightweightTimeout    time.Duration
	EmbeddingTimeout      time.Duration
	MaxQueueSizePerServer int
	MaxConcurrentPerCycle int
	MaxMetricsHistory     int
	CheckInFlightRequests bool
}

func DefaultConfig() Config {
	return Config{
		ServerCooldown:        DefaultServerCooldown,
		MaxWaitForInFlight:    DefaultMaxWaitForInFlight,
		ModelTestTimeout:      DefaultModelTestTimeout,
		LightweightTimeout:    DefaultLightweightTimeout,
		EmbeddingTimeout:      DefaultEmbeddingTimeout,
		MaxQueueSizePerServer: DefaultMaxQueueSizePerSrv,
		MaxConcurrentPerCycle: DefaultMaxConcurrentPerSrv,
		MaxMetricsHistory:     DefaultMaxMetricsHistory,
		CheckInFlightRequests: true,
	}
}

// Prober performs the actual network probes. Production wiring lives with
// the server registry/transport adapter; tests substitute a fake.
type Prober interface {
	// ProbeServer is the lightweight GET /api/tags reachability check used
	// for server-level breakers.
	ProbeServer(ctx context.Context, serverID string) error
	// ProbeModel runs a full-inference or embedding probe for a model-level
	// breaker. asEmbedding selects POST /api/embeddings over /api/generate.
	ProbeModel(ctx context.Context, serverID, modelName string, asEmbedding bool) (capabilityError bool, err error)
}

// InFlightTracker reports whether a server currently has client traffic in
// flight, so probes never race real requests.
type InFlightTracker interface {
	InFlight(serverID string) int
}

// Metric is a rolling record of a single probe execution.
type Metric struct {
	BreakerName string
	StartTime   time.Time
	Duration    time.Duration
	Success     bool
	TimedOut    bool
	Cancelled   bool
	Error       string
}

type serverState struct {
	mu             sync.Mutex
	testing        bool
	currentBreaker string
	lastTestTime   time.Time
	queue          []string
	cancel         map[string]context.CancelFunc
}

// Coordinator serializes recovery probes per server and records a rolling
// history of probe outcomes.
type Coordinator struct {
	cfg       Config
	registry  *breaker.Registry
	prober    Prober
	inFlight  InFlightTracker
	logger    *slog.Logger
	mu        sync.Mutex
	servers   map[string]*serverState
	metricsMu sync.Mutex
	metrics   []Metric
}

func NewCoordinator(cfg Config, registry *breaker.Registry, prober Prober, inFlight InFlightTracker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		registry: registry,
		prober:   prober,
		inFlight: inFlight,
		logger:   logger,
		servers:  make(map[string]*serverState),
	}
}

func (c *Coordinator) stateFor(serverID string) *serverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.servers[serverID]
	if !ok {
		st = &serverState{cancel: make(map[string]context.CancelFunc)}
		c.servers[serverID] = st
	}
	return st
}

// IsReady reports whether server serverID may begin a new probe right now.
func (c *Coordinator) IsReady(serverID string) bool {
	st := c.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.readyLocked(serverID, st)
}

func (c *Coordinator) readyLocked(serverID string, st *serverState) bool {
	if st.testing {
		return false
	}
	if !st.lastTestTime.IsZero() && time.Since(st.lastTestTime) < c.cfg.ServerCooldown {
		return false
	}
	if c.cfg.CheckInFlightRequests && c.inFlight != nil && c.inFlight.InFlight(serverID) > 0 {
		return false
	}
	return true
}

// Enqueue appends a model-level breaker name to the server's FIFO test
// queue. Overflow beyond MaxQueueSizePerServer is dropped silently (the
// oldest entries are preferred since a stale queue signals a server that
// cannot keep up with recovery attempts).
func (c *Coordinator) Enqueue(serverID, breakerName string) bool {
	st := c.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, existing := range st.queue {
		if existing == breakerName {
			return true
		}
	}
	if len(st.queue) >= c.cfg.MaxQueueSizePerServer {
		if c.logger != nil {
			c.logger.Warn("recovery test queue full, dropping probe request", "server", serverID, "breaker", breakerName)
		}
		return false
	}
	st.queue = append(st.queue, breakerName)
	return true
}

// ProcessServer runs up to MaxConcurrentPerCycle queued probes for a
// server, one at a time, honouring the readiness gate before each. Only
// queued entries are probed; a server-level probe without a queue entry is
// run by ProcessServerLevel.
func (c *Coordinator) ProcessServer(ctx context.Context, serverID string) {
	st := c.stateFor(serverID)

	ran := 0
	for ran < c.cfg.MaxConcurrentPerCycle {
		st.mu.Lock()
		if !c.readyLocked(serverID, st) || len(st.queue) == 0 {
			st.mu.Unlock()
			break
		}
		breakerName := st.queue[0]
		st.queue = st.queue[1:]
		st.testing = true
		st.currentBreaker = breakerName
		probeCtx, cancel := context.WithCancel(ctx)
		st.cancel[breakerName] = cancel
		st.mu.Unlock()

		c.runProbe(probeCtx, serverID, breakerName)

		st.mu.Lock()
		st.testing = false
		st.currentBreaker = ""
		delete(st.cancel, breakerName)
		st.lastTestTime = time.Now()
		st.mu.Unlock()
		cancel()
		ran++
	}
}

// ProcessServerLevel runs the lightweight /api/tags probe for a
// server-level breaker (no colon in its key), subject to the same
// readiness gate.
func (c *Coordinator) ProcessServerLevel(ctx context.Context, serverID string) {
	st := c.stateFor(serverID)
	st.mu.Lock()
	if !c.readyLocked(serverID, st) {
		st.mu.Unlock()
		return
	}
	st.testing = true
	st.currentBreaker = serverID
	probeCtx, cancel := context.WithCancel(ctx)
	st.cancel[serverID] = cancel
	st.mu.Unlock()

	c.runProbe(probeCtx, serverID, serverID)

	st.mu.Lock()
	st.testing = false
	st.currentBreaker = ""
	delete(st.cancel, serverID)
	st.lastTestTime = time.Now()
	st.mu.Unlock()
	cancel()
}

func (c *Coordinator) runProbe(ctx context.Context, serverID, breakerName string) {
	start := time.Now()
	b, ok := c.registry.Get(breakerName)
	if !ok {
		return
	}

	serverLevel := !strings.Contains(breakerName, ":")
	metric := Metric{BreakerName: breakerName, StartTime: start}

	if serverLevel {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.cfg.LightweightTimeout)
		defer cancel()
		err := c.prober.ProbeServer(timeoutCtx, serverID)
		c.finish(b, breakerName, start, err, timeoutCtx, &metric)
		return
	}

	_, modelName, _ := domain.SplitBreakerKey(breakerName)
	asEmbedding := b.GetModelType() == domain.ModelTypeEmbedding || domain.InferModelType(modelName) == domain.ModelTypeEmbedding

	timeout := c.cfg.ModelTestTimeout
	if asEmbedding {
		timeout = c.cfg.EmbeddingTimeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	capabilityErr, err := c.prober.ProbeModel(timeoutCtx, serverID, modelName, asEmbedding)
	if capabilityErr && !asEmbedding {
		b.SetModelType(domain.ModelTypeEmbedding)
		embedCtx, embedCancel := context.WithTimeout(ctx, c.cfg.EmbeddingTimeout)
		_, err = c.prober.ProbeModel(embedCtx, serverID, modelName, true)
		embedCancel()
	}
	c.finish(b, breakerName, start, err, timeoutCtx, &metric)
}

func (c *Coordinator) finish(b *breaker.CircuitBreaker, breakerName string, start time.Time, err error, ctx context.Context, metric *Metric) {
	metric.Duration = time.Since(start)
	switch {
	case ctx.Err() == context.Canceled:
		metric.Cancelled = true
	case ctx.Err() == context.DeadlineExceeded:
		metric.TimedOut = true
	}
	if metric.Cancelled {
		c.recordMetric(*metric)
		return
	}
	if err != nil {
		metric.Error = err.Error()
		b.RecordFailure(domain.ErrorKindTransient, err.Error())
	} else {
		metric.Success = true
		b.RecordSuccess()
	}
	c.recordMetric(*metric)
}

func (c *Coordinator) recordMetric(m Metric) {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	c.metrics = append(c.metrics, m)
	c.pruneLocked()
}

func (c *Coordinator) pruneLocked() {
	cutoff := time.Now().Add(-MetricsMaxAge)
	kept := c.metrics[:0]
	for _, m := range c.metrics {
		if m.StartTime.After(cutoff) {
			kept = append(kept, m)
		}
	}
	c.metrics = kept
	if max := c.cfg.MaxMetricsHistory; max > 0 && len(c.metrics) > max {
		c.metrics = c.metrics[len(c.metrics)-max:]
	}
}

// Metrics returns a snapshot of the rolling probe history.
func (c *Coordinator) Metrics() []Metric {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// CancelTest aborts an in-flight probe for breakerName (if any) and removes
// it from its server's queue.
func (c *Coordinator) CancelTest(serverID, breakerName string) {
	st := c.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if cancel, ok := st.cancel[breakerName]; ok {
		cancel()
	}
	filtered := st.queue[:0]
	for _, name := range st.queue {
		if name != breakerName {
			filtered = append(filtered, name)
		}
	}
	st.queue = filtered
}

// ClearAllQueues resets every server's test queue and cancels any in-flight
// probes. Used on shutdown or a full orchestrator reset.
func (c *Coordinator) ClearAllQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.servers {
		st.mu.Lock()
		for _, cancel := range st.cancel {
			cancel()
		}
		st.queue = nil
		st.testing = false
		st.currentBreaker = ""
		st.mu.Unlock()
	}
}

// QueueDepth returns how many probes are queued for serverID.
func (c *Coordinator) QueueDepth(serverID string) int {
	st := c.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.queue)
}

// CurrentTest returns the breaker currently under test for serverID, if
// any.
func (c *Coordinator) CurrentTest(serverID string) (string, bool) {
	st := c.stateFor(serverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.currentBreaker == "" {
		return "", false
	}
	return st.currentBreaker, true
}
