package breaker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/logger"
)

// DefaultPersistencePath is the snapshot file location (§6).
const DefaultPersistencePath = "./data/circuit-breakers.json"

// DefaultDebounce is how long the writer coalesces rapid state changes
// before flushing to disk (§4.4).
const DefaultDebounce = 30 * time.Second

// DefaultBackups is the rotating backup count kept alongside the snapshot.
const DefaultBackups = 3

// snapshotEntry is the on-disk shape of one breaker's persisted state (§6).
type snapshotEntry struct {
	LastFailure          int64              `json:"lastFailure"`
	LastSuccess          int64              `json:"lastSuccess"`
	NextRetryAt          int64              `json:"nextRetryAt"`
	HalfOpenStartedAt    int64              `json:"halfOpenStartedAt"`
	State                string             `json:"state"`
	LastFailureReason    string             `json:"lastFailureReason,omitempty"`
	ModelType            string             `json:"modelType,omitempty"`
	LastErrorType        string             `json:"lastErrorType,omitempty"`
	ErrorCounts          map[string]int     `json:"errorCounts"`
	FailureCount         int64              `json:"failureCount"`
	SuccessCount         int64              `json:"successCount"`
	TotalRequestCount    int64              `json:"totalRequestCount"`
	BlockedRequestCount  int64              `json:"blockedRequestCount"`
	ConsecutiveSuccesses int64              `json:"consecutiveSuccesses"`
	ErrorRate            float64            `json:"errorRate"`
}

type snapshotFile struct {
	Breakers  map[string]snapshotEntry `json:"breakers"`
	Timestamp int64                    `json:"timestamp"`
}

// Persister debounces breaker state-change notifications into periodic,
// atomic snapshot writes with a rotating backup set (C4).
type Persister struct {
	path     string
	debounce time.Duration
	backups  int
	registry *Registry
	log      logger.StyledLogger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

// NewPersister wires a debounced writer for registry against path.
func NewPersister(registry *Registry, path string, debounce time.Duration, backups int, log logger.StyledLogger) *Persister {
	if path == "" {
		path = DefaultPersistencePath
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if backups < 0 {
		backups = DefaultBackups
	}
	return &Persister{
		path:     path,
		debounce: debounce,
		backups:  backups,
		registry: registry,
		log:      log,
	}
}

// OnStateChange is the Registry callback that schedules a debounced flush.
func (p *Persister) OnStateChange(name string, from, to domain.BreakerState) {
	p.schedule()
}

func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.pending = true
		return
	}
	p.timer = time.AfterFunc(p.debounce, p.flush)
}

func (p *Persister) flush() {
	p.mu.Lock()
	again := p.pending
	p.pending = false
	p.timer = nil
	p.mu.Unlock()

	if err := p.WriteNow(); err != nil {
		p.log.Error("failed to persist circuit breaker snapshot", "path", p.path, "error", err)
	}

	if again {
		p.schedule()
	}
}

// Stop cancels any pending debounced write.
func (p *Persister) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// WriteNow serializes every breaker's stats and atomically replaces the
// snapshot file, rotating up to p.backups prior copies.
func (p *Persister) WriteNow() error {
	stats := p.registry.GetAllStats()

	file := snapshotFile{
		Timestamp: time.Now().UnixMilli(),
		Breakers:  make(map[string]snapshotEntry, len(stats)),
	}
	for name, s := range stats {
		file.Breakers[name] = toSnapshotEntry(s)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persistence dir: %w", err)
	}

	p.rotateBackups()

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("atomic rename snapshot: %w", err)
	}
	return nil
}

func (p *Persister) rotateBackups() {
	if p.backups <= 0 {
		return
	}
	if _, err := os.Stat(p.path); err != nil {
		return
	}
	for i := p.backups - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", p.path, i)
		dst := fmt.Sprintf("%s.%d", p.path, i+1)
		_ = os.Rename(src, dst)
	}
	_ = copyFile(p.path, p.path+".1")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Load reads and parses the snapshot file, returning (nil, nil) when the
// file does not yet exist.
func Load(path string) (map[string]Stats, error) {
	if path == "" {
		path = DefaultPersistencePath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read breaker snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse breaker snapshot: %w", err)
	}

	out := make(map[string]Stats, len(file.Breakers))
	for name, e := range file.Breakers {
		out[name] = fromSnapshotEntry(name, e)
	}
	return out, nil
}

func toSnapshotEntry(s Stats) snapshotEntry {
	counts := make(map[string]int, len(s.ErrorCounts))
	for k, v := range s.ErrorCounts {
		counts[k.String()] = v
	}
	return snapshotEntry{
		State:                s.State.String(),
		FailureCount:         s.FailureCount,
		SuccessCount:         s.SuccessCount,
		TotalRequestCount:    s.TotalRequestCount,
		BlockedRequestCount:  s.BlockedRequestCount,
		LastFailure:          epochMillis(s.LastFailure),
		LastSuccess:          epochMillis(s.LastSuccess),
		NextRetryAt:          epochMillis(s.NextRetryAt),
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		ErrorRate:            s.ErrorRate,
		ErrorCounts:          counts,
		HalfOpenStartedAt:    epochMillis(s.HalfOpenStartedAt),
		LastFailureReason:    s.LastFailureReason,
		ModelType:            s.ModelType.String(),
		LastErrorType:        s.LastErrorType.String(),
	}
}

func fromSnapshotEntry(name string, e snapshotEntry) Stats {
	counts := make(map[domain.ErrorKind]int, len(e.ErrorCounts))
	for k, v := range e.ErrorCounts {
		counts[parseErrorKind(k)] = v
	}
	return Stats{
		Name:                         name,
		State:                        parseBreakerState(e.State),
		FailureCount:                 e.FailureCount,
		SuccessCount:                 e.SuccessCount,
		TotalRequestCount:            e.TotalRequestCount,
		BlockedRequestCount:          e.BlockedRequestCount,
		LastFailure:                  timeFromMillis(e.LastFailure),
		LastSuccess:                  timeFromMillis(e.LastSuccess),
		NextRetryAt:                  timeFromMillis(e.NextRetryAt),
		ConsecutiveSuccesses:         e.ConsecutiveSuccesses,
		ErrorRate:                    e.ErrorRate,
		ErrorCounts:                  counts,
		HalfOpenStartedAt:            timeFromMillis(e.HalfOpenStartedAt),
		LastFailureReason:            e.LastFailureReason,
		ModelType:                    parseModelType(e.ModelType),
		LastErrorType:                parseErrorKind(e.LastErrorType),
		RateLimitConsecutiveFailures: 0,
	}
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseBreakerState(s string) domain.BreakerState {
	switch s {
	case "open":
		return domain.BreakerOpen
	case "half-open":
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerClosed
	}
}

func parseModelType(s string) domain.ModelType {
	switch s {
	case "embedding":
		return domain.ModelTypeEmbedding
	case "generation":
		return domain.ModelTypeGeneration
	default:
		return domain.ModelTypeUnknown
	}
}

func parseErrorKind(s string) domain.ErrorKind {
	switch s {
	case "non-retryable":
		return domain.ErrorKindNonRetryable
	case "transient":
		return domain.ErrorKindTransient
	case "permanent":
		return domain.ErrorKindPermanent
	case "rateLimited":
		return domain.ErrorKindRateLimited
	default:
		return domain.ErrorKindRetryable
	}
}
