package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Capability identifies which upstream wire dialect a request targets.
type Capability int

const (
	CapabilityGenerate Capability = iota
	CapabilityOllama
	CapabilityOpenAI
)

func (c Capability) String() string {
	switch c {
	case CapabilityOllama:
		return "ollama"
	case CapabilityOpenAI:
		return "openai"
	default:
		return "generate"
	}
}

// ErrorKind is the canonical classification produced by the error classifier (C2)
// and consumed by the circuit breaker (C3) and router (C9).
type ErrorKind int

const (
	ErrorKindRetryable ErrorKind = iota
	ErrorKindNonRetryable
	ErrorKindTransient
	ErrorKindPermanent
	ErrorKindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNonRetryable:
		return "non-retryable"
	case ErrorKindTransient:
		return "transient"
	case ErrorKindPermanent:
		return "permanent"
	case ErrorKindRateLimited:
		return "rateLimited"
	default:
		return "retryable"
	}
}

// ClassifiedError is the result of running the error classifier (C2) against an upstream failure.
type ClassifiedError struct {
	Err              error
	Kind             ErrorKind
	StatusCode       int
	ShouldCircuitBreak bool
}

func (c *ClassifiedError) Error() string {
	if c.Err == nil {
		return c.Kind.String()
	}
	return c.Err.Error()
}

func (c *ClassifiedError) Unwrap() error {
	return c.Err
}

// BreakerState is the three-state circuit breaker state machine (C3).
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ModelType distinguishes generation models from embedding models (§4.3 getModelType).
type ModelType int

const (
	ModelTypeUnknown ModelType = iota
	ModelTypeGeneration
	ModelTypeEmbedding
)

func (t ModelType) String() string {
	switch t {
	case ModelTypeEmbedding:
		return "embedding"
	case ModelTypeGeneration:
		return "generation"
	default:
		return "unknown"
	}
}

// Server is the orchestrator's view of one upstream inference backend (data model §3).
type Server struct {
	LastHealthCheck time.Time
	BearerToken     string // literal token or "env:NAME"
	ID              string
	URL             string
	Models          []string // Ollama model names observed on last successful health check
	V1Models        []string // OpenAI /v1 model ids observed on last successful health check
	LoadedModels    []LoadedModel
	LastResponseTime time.Duration
	MaxConcurrency  int
	TotalVramUsed   uint64
	SupportsOllama  bool
	SupportsV1      bool
	Healthy         bool
	Draining        bool
	Maintenance     bool
}

// LoadedModel is hardware telemetry reported by GET /api/ps.
type LoadedModel struct {
	ExpiresAt time.Time
	Name      string
	Digest    string
	SizeVRAM  uint64
}

var serverIDPattern = func() func(string) bool {
	return func(s string) bool {
		if len(s) == 0 || len(s) > 100 {
			return false
		}
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return false
			}
		}
		return true
	}
}()

// ValidServerID reports whether id satisfies the admin schema: [A-Za-z0-9_-]{1,100}.
func ValidServerID(id string) bool {
	return serverIDPattern(id)
}

// ModelRef is a parsed "name[:tag][:quant]" model identifier (data model §3).
type ModelRef struct {
	Name  string
	Tag   string
	Quant string
}

// ParseModelRef splits a model identifier on colons. The tag defaults to
// "latest" when omitted, matching the implicit-latest resolution rule.
func ParseModelRef(s string) ModelRef {
	parts := strings.Split(s, ":")
	ref := ModelRef{Name: parts[0], Tag: "latest"}
	if len(parts) > 1 && parts[1] != "" {
		ref.Tag = parts[1]
	}
	if len(parts) > 2 {
		ref.Quant = strings.Join(parts[2:], ":")
	}
	return ref
}

func (m ModelRef) String() string {
	s := m.Name + ":" + m.Tag
	if m.Quant != "" {
		s += ":" + m.Quant
	}
	return s
}

// ServerBreakerKey returns the server-level breaker key: the bare server id.
func ServerBreakerKey(serverID string) string {
	return serverID
}

// ModelBreakerKey returns the model-level breaker key: "serverId:modelName".
// The model portion may itself contain colons and is reassembled verbatim.
func ModelBreakerKey(serverID, model string) string {
	return serverID + ":" + model
}

// SplitBreakerKey separates a breaker key into its server id and, if present,
// model portion. The first colon is the separator; everything after it -
// including further colons - belongs to the model name.
func SplitBreakerKey(key string) (serverID string, model string, isModelKey bool) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return key, "", false
	}
	return key[:idx], key[idx+1:], true
}

// EmbeddingModelPatterns is the fixed list of substrings that infer ModelTypeEmbedding (§4.3).
var EmbeddingModelPatterns = []string{
	"embed", "nomic-embed", "bge-", "gte-", "e5-", "all-minilm",
	"all-mpnet", "sentence", "text-embedding", "pygmalion",
}

// InferModelType guesses the model type from its name when no explicit
// override has been recorded by active testing.
func InferModelType(modelName string) ModelType {
	lower := strings.ToLower(modelName)
	for _, pattern := range EmbeddingModelPatterns {
		if strings.Contains(lower, pattern) {
			return ModelTypeEmbedding
		}
	}
	return ModelTypeGeneration
}

// QueueItem is one admitted-but-not-yet-dispatched logical call (C7).
type QueueItem struct {
	EnqueueTime time.Time
	Deadline    time.Time
	Resolver    chan QueueResult
	ID          string
	Model       string
	ClientID    string
	EndpointKind string
	Payload     interface{}
	Priority    int
}

// QueueResult is delivered to a queue item's resolver on dequeue, expiry or clear.
type QueueResult struct {
	Err  error
	Item *QueueItem
}

// RoutingContext is mutated by the router (C9) so the HTTP layer can surface
// routing decisions as debug headers.
type RoutingContext struct {
	SelectedServerID     string
	CorrelationID        string
	ServerCircuitState   BreakerState
	ModelCircuitState    BreakerState
	AvailableServerCount int
	RetryCount           int
}

// AggregatedModel is one merged entry in the tags aggregator cache (C10).
type AggregatedModel struct {
	Name      string
	Digest    string
	ServerIDs []string
	Metadata  map[string]interface{}
}

// Sentinel local error kinds (§7) that surface to the caller immediately without retry.
var (
	ErrQueueFull          = errors.New("queue is full")
	ErrQueuePaused        = errors.New("queue is paused")
	ErrDeadlineExceeded   = errors.New("deadline exceeded")
	ErrNoHealthyServers   = errors.New("no healthy servers available")
	ErrModelNotFound      = errors.New("model not found")
	ErrServerNotFound     = errors.New("server not found")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrPermanentlyBanned  = errors.New("server/model pair is permanently banned")
	ErrInCooldown         = errors.New("server/model pair is in cooldown")
	ErrAborted            = errors.New("request aborted")
	ErrQueueCleared       = errors.New("queue cleared")
)

// FailoverError aggregates every attempted server's final error kind when
// every router candidate has been exhausted (§4.9 phase 3).
type FailoverError struct {
	Model    string
	Attempts []ServerAttemptError
}

type ServerAttemptError struct {
	Err      error
	ServerID string
	Kind     ErrorKind
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no server could serve model %q after %d attempt(s): ", e.Model, len(e.Attempts))
	for i, a := range e.Attempts {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s=%s(%v)", a.ServerID, a.Kind, a.Err)
	}
	return b.String()
}

// ResolveBearerToken resolves a token reference: "env:NAME" is substituted
// from the process environment via the supplied lookup func, anything else
// is used literally.
func ResolveBearerToken(ref string, lookupEnv func(string) (string, bool)) string {
	const prefix = "env:"
	if strings.HasPrefix(ref, prefix) {
		name := strings.TrimPrefix(ref, prefix)
		if v, ok := lookupEnv(name); ok {
			return v
		}
		return ""
	}
	return ref
}

// ParseModelSizeMultiplier extracts a rough parameter-count scale from a
// model name's ":Nb" or "NxMb" suffix (§4.6 adaptive timeout sizing),
// returning 1.0 when nothing is recognised.
func ParseModelSizeMultiplier(modelName string) float64 {
	lower := strings.ToLower(modelName)
	digits := func(r rune) bool { return r >= '0' && r <= '9' }

	// look for a run of digits immediately followed by 'b' (billions of params)
	for i := 0; i < len(lower); i++ {
		if lower[i] != 'b' {
			continue
		}
		j := i
		for j > 0 && (digits(rune(lower[j-1])) || lower[j-1] == '.') {
			j--
		}
		if j == i {
			continue
		}
		numStr := lower[j:i]
		if n, err := strconv.ParseFloat(numStr, 64); err == nil && n > 0 {
			// 7b is the baseline unit (multiplier 1.0); scale linearly above/below.
			return n / 7.0
		}
	}
	return 1.0
}
