package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thushan/olla/internal/adapter/balancer"
	"github.com/thushan/olla/internal/adapter/discovery"
	"github.com/thushan/olla/internal/adapter/factory"
	"github.com/thushan/olla/internal/adapter/health"
	"github.com/thushan/olla/internal/adapter/metrics"
	"github.com/thushan/olla/internal/adapter/probe"
	"github.com/thushan/olla/internal/adapter/proxy"
	"github.com/thushan/olla/internal/adapter/stats"
	"github.com/thushan/olla/internal/config"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/orchestrator"
	"github.com/thushan/olla/internal/core/ports"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/internal/router"
)

// lazyServerLookup breaks the construction cycle between probe.Prober
// (needed by orchestrator.Deps before orchestrator.New runs) and the
// servers.Registry orchestrator.New creates internally. The registry is
// attached once orchestrator.New returns, before anything can probe.
type lazyServerLookup struct {
	registry probe.ServerLookup
}

func (l *lazyServerLookup) GetServer(serverID string) (*domain.Server, bool) {
	if l.registry == nil {
		return nil, false
	}
	return l.registry.GetServer(serverID)
}

// Application represents the Olla application
type Application struct {
	config   *config.Config
	configMu sync.RWMutex

	server   *http.Server
	logger   *logger.StyledLogger
	registry *router.RouteRegistry

	repository       domain.EndpointRepository
	discoveryService ports.DiscoveryService
	proxyService     ports.ProxyService
	statsCollector   ports.StatsCollector

	// orchestrator is the routing/reliability core facade (C11): circuit
	// breakers, recovery probing, health scheduling, the priority queue,
	// the failover router and the tags aggregator. It runs alongside the
	// legacy discovery/proxy stack above rather than replacing it.
	orchestrator   *orchestrator.Orchestrator
	metricsReg     *prometheus.Registry
	breakerMetrics *metrics.BreakerMetrics

	rateLimiter *RateLimiter
	sizeLimiter *RequestSizeLimiter

	StartTime time.Time
	errCh     chan error
}

// defaultServerMaxConcurrency seeds a newly-discovered server's routing
// core entry before any /internal/status admin patch overrides it.
const defaultServerMaxConcurrency = 10

// New creates a new application instance, loading configuration and wiring
// the discovery, proxy and stats ports together.
func New(startTime time.Time, log *logger.StyledLogger) (*Application, error) {
	cfg, err := config.Load(nil)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	routeRegistry := router.NewRouteRegistry(*log)
	repository := discovery.NewStaticEndpointRepository()
	healthChecker := health.NewHTTPHealthChecker(repository, log)
	discoveryService := discovery.NewStaticDiscoveryService(repository, healthChecker, cfg, log)

	statsCollector := stats.NewCollector(*log)

	selector, err := balancer.NewFactory().Create(cfg.Proxy.LoadBalancer)
	if err != nil {
		return nil, fmt.Errorf("create load balancer: %w", err)
	}

	proxyConfig := &proxy.Configuration{
		ConnectionTimeout: cfg.Proxy.ConnectionTimeout,
		ResponseTimeout:   cfg.Proxy.ResponseTimeout,
		ReadTimeout:       cfg.Proxy.ReadTimeout,
		StreamBufferSize:  cfg.Proxy.StreamBufferSize,
	}

	proxyService, err := proxy.NewFactory(statsCollector, *log).Create(proxy.DefaultProxySherpa, discoveryService, selector, proxyConfig)
	if err != nil {
		return nil, fmt.Errorf("create proxy service: %w", err)
	}

	rateLimiter := NewRateLimiter(cfg.Server.RateLimits, log)
	sizeLimiter := NewRequestSizeLimiter(cfg.Server.RequestLimits, log)

	metricsReg := prometheus.NewRegistry()
	breakerMetrics := metrics.NewBreakerMetrics(metricsReg)
	orch := newOrchestrator(*log, breakerMetrics)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		Handler:      nil, // Will be set in Start()
	}

	app := &Application{
		server:           server,
		logger:           log,
		registry:         routeRegistry,
		repository:       repository,
		discoveryService: discoveryService,
		proxyService:     proxyService,
		statsCollector:   statsCollector,
		orchestrator:     orch,
		metricsReg:       metricsReg,
		breakerMetrics:   breakerMetrics,
		rateLimiter:      rateLimiter,
		sizeLimiter:      sizeLimiter,
		StartTime:        startTime,
		errCh:            make(chan error, 1),
	}
	app.setConfig(cfg)

	return app, nil
}

// newOrchestrator wires the routing/reliability core together. It uses its
// own plain slog.Logger, matching the core packages' construction
// convention, separate from the styled logger the HTTP-facing code uses.
func newOrchestrator(styled logger.StyledLogger, breakerMetrics *metrics.BreakerMetrics) *orchestrator.Orchestrator {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	lookup := &lazyServerLookup{}
	clients := factory.NewSharedClientFactory()
	prober := probe.NewWithClient(lookup, clients.GetDiscoveryClient(), slogger)

	deps := orchestrator.Deps{
		Prober:      prober,
		HealthCheck: prober.NewCheckFunc(),
		TagsProber:  prober,
		OnChange:    breakerMetrics.OnBreakerChange,
	}

	orch := orchestrator.New(orchestrator.DefaultConfig(), deps, styled, slogger)
	lookup.registry = orch.Servers

	return orch
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {

	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	a.startWebServer()

	// Start discovery service
	if err := a.discoveryService.Start(ctx); err != nil {
		a.logger.Error("discovery service startup error", "error", err)
		a.errCh <- err
	}

	a.orchestrator.Start(ctx)
	a.syncOrchestratorServers(ctx)
	go a.reportQueueDepth(ctx)
	go a.watchDiscoveredServers(ctx)

	a.logger.Info("Olla started", "bind", a.server.Addr)
	return nil
}

// watchDiscoveredServers periodically mirrors the legacy discovery
// stack's endpoint list into the routing core's server registry (C8), so
// servers defined in config and maintained by the existing
// discoveryService - additions, removals, health flips - are the ones
// /route and /api/tags actually see, rather than the registry sitting
// permanently empty alongside a live discovery stack.
func (a *Application) watchDiscoveredServers(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.syncOrchestratorServers(ctx)
		}
	}
}

// syncOrchestratorServers reconciles the routing core's known servers
// against the discovery service's current endpoint list: new endpoints
// are added, endpoints no longer present are removed. Existing entries
// are left untouched so health-check-derived fields (Models, Healthy,
// LastResponseTime) aren't clobbered between syncs.
func (a *Application) syncOrchestratorServers(ctx context.Context) {
	endpoints, err := a.discoveryService.GetEndpoints(ctx)
	if err != nil {
		a.logger.Warn("failed to list endpoints for routing core sync", "error", err)
		return
	}

	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		id := ep.Name
		seen[id] = true
		if _, ok := a.orchestrator.Servers.GetServer(id); ok {
			continue
		}
		a.orchestrator.AddServer(&domain.Server{
			ID:             id,
			URL:            ep.GetURLString(),
			Healthy:        ep.Status == domain.StatusHealthy,
			MaxConcurrency: defaultServerMaxConcurrency,
		})
	}

	for _, id := range a.orchestrator.Servers.AllServerIDs() {
		if !seen[id] {
			a.orchestrator.RemoveServer(id)
		}
	}
}

// reportQueueDepth periodically samples the admission queue's size into the
// queue depth gauge until ctx is cancelled. The queue itself is only
// populated by tests today - see DESIGN.md's Open Questions for why the
// HTTP bridge doesn't enqueue production requests yet - so this mostly
// reports zero, but it keeps the metric live for when it is.
func (a *Application) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.breakerMetrics.SetQueueDepth(a.orchestrator.Queue.Size())
		}
	}
}

// Stop stops the application
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.getConfig().Server.ShutdownTimeout)
	defer cancel()

	// Stop discovery service first
	if err := a.discoveryService.Stop(shutdownCtx); err != nil {
		a.logger.Error("Failed to stop discovery service", "error", err)
	}

	a.orchestrator.Shutdown(shutdownCtx)
	a.rateLimiter.Stop()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	return nil
}

func (a *Application) registerRoutes() {
	a.registry.RegisterWithMethod("/proxy", a.proxyHandler, "Ollama API proxy endpoint (default)", "POST")
	a.registry.RegisterWithMethod("/ma", a.proxyHandler, "Ollama API proxy endpoint (mirror)", "POST")
	a.registry.RegisterWithMethod("/internal/health", a.healthHandler, "Health check endpoint", "GET")
	a.registry.RegisterWithMethod("/internal/status", a.statusHandler, "Endpoint status", "GET")
	a.registry.RegisterWithMethod("/internal/process", a.processStatsHandler, "Process stats", "GET")
	a.registry.RegisterWithMethod("/internal/version", a.versionHandler, "Version information", "GET")
	a.registry.RegisterWithMethod("/api/tags", a.tagsHandler, "Aggregated model tags (routing core)", "GET")
	a.registry.RegisterWithMethod("/route", a.routeHandler, "Failover-routed proxy submission (routing core)", "POST")
	a.registry.Register("/internal/metrics", promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{}).ServeHTTP, "Prometheus metrics")
}

func (a *Application) startWebServer() {
	cfg := a.getConfig()
	a.logger.Info("Starting WebServer...",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"max_body_size", units.HumanSize(float64(cfg.Server.RequestLimits.MaxBodySize)),
		"max_header_size", units.HumanSize(float64(cfg.Server.RequestLimits.MaxHeaderSize)))

	mux := http.NewServeMux()

	a.registerRoutes()
	a.registry.WireUp(mux)

	var handler http.Handler = mux
	handler = a.sizeLimiter.Middleware(handler)
	handler = a.rateLimiter.Middleware(false)(handler)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.server.Handler = handler
	a.logger.Info("Started WebServer", "bind", a.server.Addr)
}
