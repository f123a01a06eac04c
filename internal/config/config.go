package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/healthsched"
	"github.com/thushan/olla/internal/core/orchestrator"
	"github.com/thushan/olla/internal/core/queue"
	"github.com/thushan/olla/internal/core/recovery"
	"github.com/thushan/olla/internal/core/router"
	"github.com/thushan/olla/internal/core/tags"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex

	validate = validator.New()
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Proxy: ProxyConfig{
			ConnectionTimeout: 30 * time.Second,  // Quick connection/request timeout
			ResponseTimeout:   10 * time.Minute,  // Long response timeout for LLMs
			ReadTimeout:       120 * time.Second, // 2 minutes between response chunks
			MaxRetries:        3,
			RetryBackoff:      500 * time.Millisecond,
			LoadBalancer:      "priority",
		},
		Discovery: DiscoveryConfig{
			Type:            "static",
			RefreshInterval: 30 * time.Second,
			Static: StaticDiscoveryConfig{
				Endpoints: []EndpointConfig{
					// Assume they have an ollama locally running
					{
						URL:            "http://localhost:11434",
						Priority:       100,
						HealthCheckURL: "http://localhost:11434/health",
						CheckInterval:  5 * time.Second,
						CheckTimeout:   2 * time.Second,
					},
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Address: ":9090",
			},
			Tracing: TracingConfig{
				Enabled:    false,
				Endpoint:   "localhost:4317",
				SampleRate: 0.1,
			},
		},
		Security: SecurityConfig{
			TLS: TLSConfig{
				Enabled:  false,
				CertFile: "cert.pem",
				KeyFile:  "key.pem",
			},
			MTLS: MTLSConfig{
				Enabled: false,
				CAFile:  "ca.pem",
			},
		},
		Plugins: PluginsConfig{
			Directory: "./plugins",
			Enabled:   []string{},
			Config:    map[string]interface{}{},
		},
		Orchestrator: defaultOrchestratorConfig(),
	}
}

// defaultOrchestratorConfig mirrors orchestrator.DefaultConfig() into the
// yaml-tagged shape Load/viper populate.
func defaultOrchestratorConfig() OrchestratorConfig {
	bc := breaker.DefaultConfig()
	rc := recovery.DefaultConfig()
	sc := healthsched.DefaultConfig()
	qc := queue.DefaultConfig()
	rtc := router.DefaultConfig()
	tc := tags.DefaultConfig()

	return OrchestratorConfig{
		Breaker: BreakerConfig{
			BaseFailureThreshold:     bc.BaseFailureThreshold,
			MinThreshold:             bc.MinThreshold,
			MaxThreshold:             bc.MaxThreshold,
			ThresholdAdjustment:      bc.ThresholdAdjustment,
			ErrorRateThreshold:       bc.ErrorRateThreshold,
			RecoverySuccessThreshold: bc.RecoverySuccessThreshold,
			OpenTimeout:              bc.OpenTimeout,
			SmoothingAlpha:           bc.SmoothingAlpha,
			WindowCapacity:           bc.WindowCapacity,
			WindowDuration:           bc.WindowDuration,
		},
		Recovery: RecoveryConfig{
			ServerCooldown:        rc.ServerCooldown,
			MaxWaitForInFlight:    rc.MaxWaitForInFlight,
			ModelTestTimeout:      rc.ModelTestTimeout,
			LightweightTimeout:    rc.LightweightTimeout,
			EmbeddingTimeout:      rc.EmbeddingTimeout,
			MaxQueueSizePerServer: rc.MaxQueueSizePerServer,
			MaxConcurrentPerCycle: rc.MaxConcurrentPerCycle,
			MaxMetricsHistory:     rc.MaxMetricsHistory,
		},
		Scheduler: SchedulerConfig{
			Interval:            sc.Interval,
			RecoveryInterval:    sc.RecoveryInterval,
			MaxConcurrentChecks: sc.MaxConcurrentChecks,
			MainBatchPause:      sc.MainBatchPause,
			RecoveryBatchPause:  sc.RecoveryBatchPause,
			RetryAttempts:       sc.RetryAttempts,
			RetryDelay:          sc.RetryDelay,
			BackoffMultiplier:   sc.BackoffMultiplier,
		},
		Queue: QueueConfig{
			MaxSize:               qc.MaxSize,
			MaxPriority:           qc.MaxPriority,
			PriorityBoostInterval: qc.PriorityBoostInterval,
			PriorityBoostAmount:   qc.PriorityBoostAmount,
		},
		Router: RouterConfig{
			Weights: RouterWeights{
				Latency:     rtc.Weights.Latency,
				SuccessRate: rtc.Weights.SuccessRate,
				Load:        rtc.Weights.Load,
				Capacity:    rtc.Weights.Capacity,
			},
			RetryableStatusCodes:        statusCodesToSlice(rtc.RetryableStatusCodes),
			ServerWidePermanentPatterns: rtc.ServerWidePermanentPatterns,
			MaxRetries:                   rtc.MaxRetries,
			RetryDelay:                   rtc.RetryDelay,
			BackoffMultiplier:            rtc.BackoffMultiplier,
			MaxRetryDelay:                rtc.MaxRetryDelay,
			FailureThresholdForUnhealthy: rtc.FailureThresholdForUnhealthy,
			ExtendedBreakerTimeout:       rtc.ExtendedBreakerTimeout,
		},
		Tags: TagsConfig{
			TTL:             tc.TTL,
			BatchSize:       tc.BatchSize,
			InterBatchDelay: tc.InterBatchDelay,
		},
		PersistencePath:     breaker.DefaultPersistencePath,
		PersistenceDebounce: breaker.DefaultDebounce,
		PersistenceBackups:  breaker.DefaultBackups,
		Cooldown:            30 * time.Second,
	}
}

// Validate runs struct-tag validation over the whole configuration tree,
// catching invalid tunables (zero/negative durations, out-of-range rates)
// before they reach the orchestrator.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ToOrchestratorConfig translates the yaml-tagged orchestrator section into
// the concrete core package Config types the orchestrator constructor
// expects.
func (c *Config) ToOrchestratorConfig() orchestrator.Config {
	o := c.Orchestrator
	return orchestrator.Config{
		Breaker: breaker.Config{
			BaseFailureThreshold:     o.Breaker.BaseFailureThreshold,
			MinThreshold:             o.Breaker.MinThreshold,
			MaxThreshold:             o.Breaker.MaxThreshold,
			ThresholdAdjustment:      o.Breaker.ThresholdAdjustment,
			ErrorRateThreshold:       o.Breaker.ErrorRateThreshold,
			RecoverySuccessThreshold: o.Breaker.RecoverySuccessThreshold,
			OpenTimeout:              o.Breaker.OpenTimeout,
			SmoothingAlpha:           o.Breaker.SmoothingAlpha,
			WindowCapacity:           o.Breaker.WindowCapacity,
			WindowDuration:           o.Breaker.WindowDuration,
		},
		Recovery: recovery.Config{
			ServerCooldown:        o.Recovery.ServerCooldown,
			MaxWaitForInFlight:    o.Recovery.MaxWaitForInFlight,
			ModelTestTimeout:      o.Recovery.ModelTestTimeout,
			LightweightTimeout:    o.Recovery.LightweightTimeout,
			EmbeddingTimeout:      o.Recovery.EmbeddingTimeout,
			MaxQueueSizePerServer: o.Recovery.MaxQueueSizePerServer,
			MaxConcurrentPerCycle: o.Recovery.MaxConcurrentPerCycle,
			MaxMetricsHistory:     o.Recovery.MaxMetricsHistory,
		},
		Scheduler: healthsched.Config{
			Interval:            o.Scheduler.Interval,
			RecoveryInterval:    o.Scheduler.RecoveryInterval,
			MaxConcurrentChecks: o.Scheduler.MaxConcurrentChecks,
			MainBatchPause:      o.Scheduler.MainBatchPause,
			RecoveryBatchPause:  o.Scheduler.RecoveryBatchPause,
			RetryAttempts:       o.Scheduler.RetryAttempts,
			RetryDelay:          o.Scheduler.RetryDelay,
			BackoffMultiplier:   o.Scheduler.BackoffMultiplier,
		},
		Queue: queue.Config{
			MaxSize:               o.Queue.MaxSize,
			MaxPriority:           o.Queue.MaxPriority,
			PriorityBoostInterval: o.Queue.PriorityBoostInterval,
			PriorityBoostAmount:   o.Queue.PriorityBoostAmount,
		},
		Router: router.Config{
			Weights: router.Weights{
				Latency:     o.Router.Weights.Latency,
				SuccessRate: o.Router.Weights.SuccessRate,
				Load:        o.Router.Weights.Load,
				Capacity:    o.Router.Weights.Capacity,
			},
			RetryableStatusCodes:         sliceToStatusCodes(o.Router.RetryableStatusCodes),
			ServerWidePermanentPatterns:  o.Router.ServerWidePermanentPatterns,
			MaxRetries:                   o.Router.MaxRetries,
			RetryDelay:                   o.Router.RetryDelay,
			BackoffMultiplier:            o.Router.BackoffMultiplier,
			MaxRetryDelay:                o.Router.MaxRetryDelay,
			FailureThresholdForUnhealthy: o.Router.FailureThresholdForUnhealthy,
			ExtendedBreakerTimeout:       o.Router.ExtendedBreakerTimeout,
		},
		Tags: tags.Config{
			TTL:             o.Tags.TTL,
			BatchSize:       o.Tags.BatchSize,
			InterBatchDelay: o.Tags.InterBatchDelay,
		},
		Cooldown:            o.Cooldown,
		PersistencePath:     o.PersistencePath,
		PersistenceDebounce: o.PersistenceDebounce,
		PersistenceBackups:  o.PersistenceBackups,
	}
}

// statusCodesToSlice flattens a retryable-status-code set into a sorted
// slice for yaml serialisation.
func statusCodesToSlice(codes map[int]bool) []int {
	out := make([]int, 0, len(codes))
	for code, retryable := range codes {
		if retryable {
			out = append(out, code)
		}
	}
	return out
}

// sliceToStatusCodes rebuilds the retryable-status-code set the router
// expects from its yaml-tagged slice form.
func sliceToStatusCodes(codes []int) map[int]bool {
	out := make(map[int]bool, len(codes))
	for _, code := range codes {
		out[code] = true
	}
	return out
}

// Load loads configuration from file and environment variables
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("OLLA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, check if we have OLLA_CONFIG_FILE env var
		if configFile := os.Getenv("OLLA_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			// lame debounce to avoid rapid-fire reloads
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // Ignore miultiple rapid changes
			}
			lastReload = now

			// looks like on windows this event is triggered
			// before the file is fully written, not sure why
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return config, nil
}
