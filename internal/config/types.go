package config

import "time"

// Config holds all configuration for the application
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Server      ServerConfig      `yaml:"server"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Security    SecurityConfig    `yaml:"security"`
	Plugins     PluginsConfig     `yaml:"plugins"`
	Engineering EngineeringConfig `yaml:"engineering"`
}

// TelemetryConfig holds metrics/tracing configuration surfaced to the
// Prometheus registry and any future tracer.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus /metrics exporter.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// TracingConfig configures distributed tracing sampling (not yet wired to
// an exporter; kept for forward compatibility with the telemetry stack).
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// SecurityConfig holds transport security configuration.
type SecurityConfig struct {
	TLS  TLSConfig  `yaml:"tls"`
	MTLS MTLSConfig `yaml:"mtls"`
}

// TLSConfig configures the HTTP server's TLS listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Enabled  bool   `yaml:"enabled"`
}

// MTLSConfig configures mutual TLS client certificate verification.
type MTLSConfig struct {
	CAFile  string `yaml:"ca_file"`
	Enabled bool   `yaml:"enabled"`
}

// PluginsConfig holds plugin discovery configuration. Plugins are a
// Non-goal of the orchestrator itself but the directory/enabled list is
// still carried so admin tooling can report on them.
type PluginsConfig struct {
	Config    map[string]interface{} `yaml:"config"`
	Directory string                 `yaml:"directory"`
	Enabled   []string               `yaml:"enabled"`
}

// OrchestratorConfig bundles every tunable for the circuit breaker,
// recovery coordinator, health scheduler, priority queue, router and tags
// aggregator. Fields mirror the corresponding core package's Config type
// one-for-one so config.ToOrchestratorConfig can translate without loss.
type OrchestratorConfig struct {
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Scheduler SchedulerConfig `yaml:"health_scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Router    RouterConfig    `yaml:"router"`
	Tags      TagsConfig      `yaml:"tags"`

	PersistencePath  string        `yaml:"persistence_path"`
	PersistenceDebounce time.Duration `yaml:"persistence_debounce"`
	PersistenceBackups  int        `yaml:"persistence_backups" validate:"gte=0"`

	Cooldown time.Duration `yaml:"cooldown"`
}

// BreakerConfig is the yaml-tagged mirror of breaker.Config.
type BreakerConfig struct {
	BaseFailureThreshold     int           `yaml:"base_failure_threshold" validate:"gt=0"`
	MinThreshold             int           `yaml:"min_threshold" validate:"gt=0"`
	MaxThreshold             int           `yaml:"max_threshold" validate:"gt=0"`
	ThresholdAdjustment      int           `yaml:"threshold_adjustment" validate:"gte=0"`
	ErrorRateThreshold       float64       `yaml:"error_rate_threshold" validate:"gt=0,lte=1"`
	RecoverySuccessThreshold int           `yaml:"recovery_success_threshold" validate:"gt=0"`
	OpenTimeout              time.Duration `yaml:"open_timeout" validate:"gt=0"`
	SmoothingAlpha           float64       `yaml:"smoothing_alpha" validate:"gt=0,lte=1"`
	WindowCapacity           int           `yaml:"window_capacity" validate:"gt=0"`
	WindowDuration           time.Duration `yaml:"window_duration" validate:"gt=0"`
}

// RecoveryConfig is the yaml-tagged mirror of recovery.Config.
type RecoveryConfig struct {
	ServerCooldown        time.Duration `yaml:"server_cooldown"`
	MaxWaitForInFlight     time.Duration `yaml:"max_wait_for_in_flight"`
	ModelTestTimeout       time.Duration `yaml:"model_test_timeout"`
	LightweightTimeout     time.Duration `yaml:"lightweight_timeout"`
	EmbeddingTimeout       time.Duration `yaml:"embedding_timeout"`
	MaxQueueSizePerServer  int           `yaml:"max_queue_size_per_server" validate:"gt=0"`
	MaxConcurrentPerCycle  int           `yaml:"max_concurrent_per_cycle" validate:"gt=0"`
	MaxMetricsHistory      int           `yaml:"max_metrics_history" validate:"gt=0"`
}

// SchedulerConfig is the yaml-tagged mirror of healthsched.Config.
type SchedulerConfig struct {
	Interval            time.Duration `yaml:"interval" validate:"gt=0"`
	RecoveryInterval     time.Duration `yaml:"recovery_interval" validate:"gt=0"`
	MaxConcurrentChecks  int           `yaml:"max_concurrent_checks" validate:"gt=0"`
	MainBatchPause       time.Duration `yaml:"main_batch_pause"`
	RecoveryBatchPause   time.Duration `yaml:"recovery_batch_pause"`
	RetryAttempts        int           `yaml:"retry_attempts" validate:"gte=0"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier" validate:"gt=0"`
}

// QueueConfig is the yaml-tagged mirror of queue.Config.
type QueueConfig struct {
	MaxSize               int           `yaml:"max_size" validate:"gt=0"`
	MaxPriority            int           `yaml:"max_priority" validate:"gt=0"`
	PriorityBoostInterval  time.Duration `yaml:"priority_boost_interval"`
	PriorityBoostAmount    int           `yaml:"priority_boost_amount" validate:"gt=0"`
}

// RouterConfig is the yaml-tagged mirror of router.Config.
type RouterConfig struct {
	Weights                      RouterWeights `yaml:"weights"`
	RetryableStatusCodes         []int         `yaml:"retryable_status_codes"`
	ServerWidePermanentPatterns  []string      `yaml:"server_wide_permanent_patterns"`
	MaxRetries                   int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay                   time.Duration `yaml:"retry_delay"`
	BackoffMultiplier            float64       `yaml:"backoff_multiplier" validate:"gt=0"`
	MaxRetryDelay                time.Duration `yaml:"max_retry_delay"`
	FailureThresholdForUnhealthy int           `yaml:"failure_threshold_for_unhealthy" validate:"gt=0"`
	ExtendedBreakerTimeout       time.Duration `yaml:"extended_breaker_timeout"`
}

// RouterWeights is the yaml-tagged mirror of router.Weights, the scoring
// factors EligibleCandidates blends together.
type RouterWeights struct {
	Latency     float64 `yaml:"latency" validate:"gte=0"`
	SuccessRate float64 `yaml:"success_rate" validate:"gte=0"`
	Load        float64 `yaml:"load" validate:"gte=0"`
	Capacity    float64 `yaml:"capacity" validate:"gte=0"`
}

// TagsConfig is the yaml-tagged mirror of tags.Config.
type TagsConfig struct {
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	BatchSize       int           `yaml:"batch_size" validate:"gt=0"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`
}

// ServerRequestLimits defines request size and validation limits
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines rate limiting configuration
type ServerRateLimits struct {
	GlobalRequestsPerMinute    int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute     int           `yaml:"per_ip_requests_per_minute"`
	BurstSize                  int           `yaml:"burst_size"`
	HealthRequestsPerMinute    int           `yaml:"health_requests_per_minute"`
	CleanupInterval            time.Duration `yaml:"cleanup_interval"`
	IPExtractionTrustProxy     bool          `yaml:"ip_extraction_trust_proxy"`
}

// ProxyConfig holds proxy-specific configuration
type ProxyConfig struct {
	LoadBalancer      string        `yaml:"load_balancer"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	StreamBufferSize  int           `yaml:"stream_buffer_size"`
}

// DiscoveryConfig holds service discovery configuration
type DiscoveryConfig struct {
	Type            string                `yaml:"type"` // Only "static" is implemented
	Static          StaticDiscoveryConfig `yaml:"static"`
	RefreshInterval time.Duration         `yaml:"refresh_interval"`
}

// StaticDiscoveryConfig holds static endpoint configuration
type StaticDiscoveryConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig holds configuration for an Ollama endpoint
type EndpointConfig struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	HealthCheckURL string        `yaml:"health_check_url"`
	ModelURL       string        `yaml:"model_url"`
	Priority       int           `yaml:"priority"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineeringConfig holds development/debugging configuration
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
}
