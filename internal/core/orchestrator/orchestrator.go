// Package orchestrator composes the circuit breaker, recovery, health
// scheduler, queue, router, server registry and tags aggregator into the
// single facade the HTTP layer talks to (C11).
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/healthsched"
	"github.com/thushan/olla/internal/core/queue"
	"github.com/thushan/olla/internal/core/recovery"
	"github.com/thushan/olla/internal/core/router"
	"github.com/thushan/olla/internal/core/servers"
	"github.com/thushan/olla/internal/core/tags"
	"github.com/thushan/olla/internal/logger"
)

// Config bundles every sub-component's tunables behind one facade config.
type Config struct {
	Breaker             breaker.Config
	Recovery            recovery.Config
	Scheduler           healthsched.Config
	Queue               queue.Config
	Router              router.Config
	Tags                tags.Config
	Cooldown            time.Duration
	PersistencePath     string
	PersistenceDebounce time.Duration
	PersistenceBackups  int
}

func DefaultConfig() Config {
	return Config{
		Breaker:             breaker.DefaultConfig(),
		Recovery:            recovery.DefaultConfig(),
		Scheduler:           healthsched.DefaultConfig(),
		Queue:               queue.DefaultConfig(),
		Router:              router.DefaultConfig(),
		Tags:                tags.DefaultConfig(),
		Cooldown:            servers.DefaultCooldown,
		PersistencePath:     breaker.DefaultPersistencePath,
		PersistenceDebounce: breaker.DefaultDebounce,
		PersistenceBackups:  breaker.DefaultBackups,
	}
}

// Orchestrator is the single entry point the HTTP layer drives: it owns
// the lifecycle of every core component and exposes the request-serving
// and admin operations the rest of the system needs.
type Orchestrator struct {
	cfg Config
	log logger.StyledLogger

	Breakers    *breaker.Registry
	Persister   *breaker.Persister
	Servers     *servers.Registry
	Router      *router.Router
	Queue       *queue.Queue
	Tags        *tags.Aggregator
	Recovery    *recovery.Coordinator
	Scheduler   *healthsched.Scheduler
	ActiveTests *healthsched.ActiveTestTracker

	mu       sync.Mutex
	started  bool
	draining bool
	cancel   context.CancelFunc
}

// Deps are the injected transport-facing implementations that the core
// packages need but cannot construct themselves (HTTP probing, etc).
type Deps struct {
	Prober      recovery.Prober
	HealthCheck healthsched.CheckFunc
	TagsProber  tags.TagsProber
	Classifier  *breaker.Classifier
	OnChange    func(name string, from, to domain.BreakerState)
}

// New wires every core component together. The returned Orchestrator is
// inert until Start is called.
func New(cfg Config, deps Deps, log logger.StyledLogger, slogger *slog.Logger) *Orchestrator {
	o := &Orchestrator{cfg: cfg, log: log}

	o.Breakers = breaker.NewRegistry(cfg.Breaker, deps.OnChange, log)
	o.Persister = breaker.NewPersister(o.Breakers, cfg.PersistencePath, cfg.PersistenceDebounce, cfg.PersistenceBackups, log)

	o.Tags = tags.New(cfg.Tags, nil, o.Breakers, deps.TagsProber)
	o.Servers = servers.NewRegistry(cfg.Cooldown, o.Breakers, o.Tags)
	o.Tags.AttachRegistry(o.Servers)

	classifier := deps.Classifier
	if classifier == nil {
		classifier = breaker.NewClassifier(breaker.DefaultClassifierPatterns())
	}
	o.Router = router.New(cfg.Router, o.Servers, o.Breakers, classifier, slogger)

	o.Queue = queue.New(cfg.Queue, slogger)

	o.Recovery = recovery.NewCoordinator(cfg.Recovery, o.Breakers, deps.Prober, o.Servers, slogger)

	o.ActiveTests = healthsched.NewActiveTestTracker()

	o.Scheduler = healthsched.NewScheduler(cfg.Scheduler, o.Servers, deps.HealthCheck, o.onHealthCheckSuccess, slogger)

	return o
}

// Start begins the background health scheduler and queue starvation-boost
// timer. It is idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.Scheduler.Start(runCtx)
	o.Queue.StartBoostTimer()
}

// Shutdown drains in-flight background work: stops the scheduler and the
// queue boost timer, clears the pending queue (resolving every item with
// ErrQueueCleared) and flushes the breaker snapshot to disk.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.draining = true
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.Scheduler.Stop()
	o.Queue.Shutdown()
	o.Persister.Stop()
	if err := o.Persister.WriteNow(); err != nil {
		o.log.Warn("failed to flush circuit breaker snapshot on shutdown", "error", err)
	}
}

// onHealthCheckSuccess is invoked by the scheduler whenever a server's
// main health check passes; it invalidates the tags cache on an
// unhealthy->healthy transition and enqueues the server-level recovery
// probe so a just-recovered server's breaker gets retested.
func (o *Orchestrator) onHealthCheckSuccess(ctx context.Context, serverID string, result healthsched.Result) {
	s, ok := o.Servers.GetServer(serverID)
	if !ok {
		return
	}
	wasHealthy := s.Healthy
	s.Healthy = result.Healthy
	s.Models = result.OllamaModels
	s.V1Models = result.V1ModelIDs
	s.LastResponseTime = result.ResponseTime

	o.Tags.NoteServerHealth(serverID, result.Healthy)
	if result.Healthy && !wasHealthy {
		o.Tags.InvalidateServer(serverID)
	}

	o.Recovery.Enqueue(serverID, domain.ServerBreakerKey(serverID))
	for _, modelKey := range o.Breakers.ModelKeysNeedingRecovery(serverID) {
		o.Recovery.Enqueue(serverID, modelKey)
	}
	o.Recovery.ProcessServer(ctx, serverID)
}

// TryRequestWithFailover is the primary request-serving entry point: the
// router selects and retries across eligible candidates for model.
func (o *Orchestrator) TryRequestWithFailover(ctx context.Context, model string, capability domain.Capability, op router.Op, rc *domain.RoutingContext) error {
	return o.Router.TryRequestWithFailover(ctx, model, capability, op, rc)
}

// RequestToServer bypasses candidate selection and targets serverID
// directly, still enforcing cooldown/ban/in-flight limits.
func (o *Orchestrator) RequestToServer(ctx context.Context, serverID, model string, capability domain.Capability, op router.Op, bypassBreaker bool) error {
	return o.Router.RequestToServer(ctx, serverID, model, capability, op, bypassBreaker)
}

// GetAggregatedTags returns the merged Ollama model catalogue across every
// healthy server.
func (o *Orchestrator) GetAggregatedTags(ctx context.Context) []domain.AggregatedModel {
	return o.Tags.GetAggregatedTags(ctx)
}

// GetAggregatedOpenAIModels returns the union of OpenAI-compatible model
// ids currently known across the fleet, regardless of health, mirroring
// the broader compatibility surface of the /v1/models passthrough.
func (o *Orchestrator) GetAggregatedOpenAIModels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range o.Servers.GetServers() {
		for _, m := range s.V1Models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// AddServer registers a new upstream and invalidates any cached tags.
func (o *Orchestrator) AddServer(s *domain.Server) {
	o.Servers.AddServer(s)
	o.Tags.InvalidateServer(s.ID)
}

// RemoveServer deregisters serverID and prunes every derived piece of
// state (breakers, in-flight counters, cooldowns, bans, tags cache).
func (o *Orchestrator) RemoveServer(serverID string) {
	o.Servers.RemoveServer(serverID)
}

// UpdateServer patches an existing server's tunables and invalidates the
// tags cache so the next read reflects the change.
func (o *Orchestrator) UpdateServer(serverID string, maxConcurrency int) bool {
	ok := o.Servers.UpdateServer(serverID, maxConcurrency)
	if ok {
		o.Tags.InvalidateServer(serverID)
	}
	return ok
}

// Draining reports whether Shutdown has been invoked.
func (o *Orchestrator) Draining() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.draining
}
