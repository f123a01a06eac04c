// Package tags implements the tags aggregator (C10): a single
// dirty-flagged cache built by fanning GET /api/tags out to every healthy
// server in batches and merging the results by model name/digest.
package tags

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/servers"
)

const (
	DefaultTTL             = 30 * time.Second
	DefaultBatchSize       = 4
	DefaultInterBatchDelay = 50 * time.Millisecond
)

type Config struct {
	TTL             time.Duration
	BatchSize       int
	InterBatchDelay time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, BatchSize: DefaultBatchSize, InterBatchDelay: DefaultInterBatchDelay}
}

// ModelEntry is one model observed on a single server's /api/tags.
type ModelEntry struct {
	Name   string
	Digest string
}

// TagsProber fetches the raw model list for one server.
type TagsProber interface {
	FetchTags(ctx context.Context, server *domain.Server) ([]ModelEntry, error)
}

type cacheState struct {
	models    []domain.AggregatedModel
	timestamp time.Time
	dirty     bool
}

// Aggregator maintains the merged tags cache.
type Aggregator struct {
	cfg      Config
	servers  *servers.Registry
	breakers *breaker.Registry
	prober   TagsProber

	mu    sync.Mutex
	cache cacheState

	knownHealth map[string]bool
}

func New(cfg Config, serverRegistry *servers.Registry, breakerRegistry *breaker.Registry, prober TagsProber) *Aggregator {
	return &Aggregator{
		cfg:         cfg,
		servers:     serverRegistry,
		breakers:    breakerRegistry,
		prober:      prober,
		cache:       cacheState{dirty: true},
		knownHealth: make(map[string]bool),
	}
}

// AttachRegistry wires the server registry after construction, for callers
// that must create the aggregator before the registry exists (the registry
// itself takes the aggregator as its TagCacheInvalidator).
func (a *Aggregator) AttachRegistry(serverRegistry *servers.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.servers = serverRegistry
}

// InvalidateServer implements servers.TagCacheInvalidator.
func (a *Aggregator) InvalidateServer(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.dirty = true
	delete(a.knownHealth, serverID)
}

// ClearTagsCache marks the cache stale, forcing the next read to refetch.
func (a *Aggregator) ClearTagsCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.dirty = true
}

// NoteServerHealth invalidates the cache the moment a previously-unhealthy
// server transitions to healthy, so its models appear promptly.
func (a *Aggregator) NoteServerHealth(serverID string, healthy bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	was, tracked := a.knownHealth[serverID]
	a.knownHealth[serverID] = healthy
	if healthy && (!tracked || !was) {
		a.cache.dirty = true
	}
}

func (a *Aggregator) isFresh() bool {
	if a.cache.dirty {
		return false
	}
	return time.Since(a.cache.timestamp) < a.cfg.TTL
}

// GetAggregatedTags returns the merged model list, refreshing the cache
// fan-out when stale.
func (a *Aggregator) GetAggregatedTags(ctx context.Context) []domain.AggregatedModel {
	a.mu.Lock()
	fresh := a.isFresh()
	anyHealthy := a.anyHealthyLocked()
	var staleCopy []domain.AggregatedModel
	if len(a.cache.models) > 0 {
		staleCopy = append(staleCopy, a.cache.models...)
	}
	a.mu.Unlock()

	if fresh && anyHealthy {
		return staleCopy
	}

	merged, fetched := a.fanOut(ctx)
	if !fetched {
		return staleCopy
	}

	a.mu.Lock()
	a.cache.models = merged
	a.cache.timestamp = time.Now()
	a.cache.dirty = false
	a.mu.Unlock()

	return merged
}

func (a *Aggregator) anyHealthyLocked() bool {
	for _, s := range a.servers.GetServers() {
		if s.Healthy {
			return true
		}
	}
	return false
}

type serverEntries struct {
	serverID string
	entries  []ModelEntry
}

// fanOut probes every healthy, Ollama-capable server in batches, merges
// the results, and reports whether any server responded.
func (a *Aggregator) fanOut(ctx context.Context) ([]domain.AggregatedModel, bool) {
	var healthy []*domain.Server
	for _, s := range a.servers.GetServers() {
		if s.Healthy && s.SupportsOllama {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return nil, false
	}

	batchSize := a.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(healthy)
	}

	var all []serverEntries
	var mu sync.Mutex
	responded := false

	for start := 0; start < len(healthy); start += batchSize {
		end := start + batchSize
		if end > len(healthy) {
			end = len(healthy)
		}
		batch := healthy[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range batch {
			s := s
			g.Go(func() error {
				entries, err := a.prober.FetchTags(gctx, s)
				if err != nil {
					return nil
				}
				mu.Lock()
				all = append(all, serverEntries{serverID: s.ID, entries: entries})
				responded = true
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		if end < len(healthy) {
			select {
			case <-time.After(a.cfg.InterBatchDelay):
			case <-ctx.Done():
				return nil, responded
			}
		}
	}

	if !responded {
		return nil, false
	}
	return a.merge(all), true
}

func (a *Aggregator) merge(all []serverEntries) []domain.AggregatedModel {
	type key struct{ name, digest string }
	index := make(map[key]int)
	var out []domain.AggregatedModel

	for _, se := range all {
		modelBreakerOpen := func(model string) bool {
			mb, ok := a.breakers.Get(domain.ModelBreakerKey(se.serverID, model))
			return ok && !mb.CanExecute()
		}
		for _, e := range se.entries {
			if modelBreakerOpen(e.Name) {
				continue
			}
			k := key{name: e.Name, digest: e.Digest}
			if idx, ok := index[k]; ok {
				out[idx].ServerIDs = appendUnique(out[idx].ServerIDs, se.serverID)
				continue
			}
			index[k] = len(out)
			out = append(out, domain.AggregatedModel{
				Name:      e.Name,
				Digest:    e.Digest,
				ServerIDs: []string{se.serverID},
			})
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
