package breaker

import (
	"strings"
	"sync"

	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/logger"
)

// Registry is the named lookup of breakers (C4). Breakers are created
// lazily on first reference and removed when their owning server is
// removed.
type Registry struct {
	breakers map[string]*CircuitBreaker
	cfg      Config
	mu       sync.RWMutex
	onChange func(name string, from, to domain.BreakerState)
	log      logger.StyledLogger
}

// NewRegistry builds an empty registry. onChange, if set, is invoked on
// every breaker transition and is typically wired to the persistence
// debouncer.
func NewRegistry(cfg Config, onChange func(name string, from, to domain.BreakerState), log logger.StyledLogger) *Registry {
	if cfg.BaseFailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		onChange: onChange,
		log:      log,
	}
}

// GetOrCreate returns the named breaker, creating it with the registry's
// default config (or the supplied override) if it does not yet exist.
func (r *Registry) GetOrCreate(name string, override *Config) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.cfg
	if override != nil {
		cfg = *override
	}
	b = New(name, cfg, r.onChange)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker if it already exists.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Remove deletes exactly the named breaker.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// RemoveByPrefix removes the bare key prefix plus every "prefix:"-keyed
// model breaker - used when a server is deleted from the fleet.
func (r *Registry) RemoveByPrefix(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, prefix)
	modelPrefix := prefix + ":"
	for name := range r.breakers {
		if strings.HasPrefix(name, modelPrefix) {
			delete(r.breakers, name)
		}
	}
}

// ModelKeysNeedingRecovery returns every "prefix:model" breaker name
// registered under serverID that isn't closed - the set the recovery
// coordinator should queue a probe for once the server itself becomes
// reachable again.
func (r *Registry) ModelKeysNeedingRecovery(serverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modelPrefix := serverID + ":"
	var names []string
	for name, b := range r.breakers {
		if !strings.HasPrefix(name, modelPrefix) {
			continue
		}
		if b.State() != domain.BreakerClosed {
			names = append(names, name)
		}
	}
	return names
}

// GetAllStats returns a snapshot of every breaker's stats, keyed by name.
func (r *Registry) GetAllStats() map[string]Stats {
	r.mu.RLock()
	names := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.RUnlock()

	out := make(map[string]Stats, len(names))
	for _, b := range names {
		out[b.Name()] = b.Stats()
	}
	return out
}

// UpdateAllConfig applies a config patch to every existing breaker and to
// breakers created afterward.
func (r *Registry) UpdateAllConfig(patch Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = patch
	for _, b := range r.breakers {
		b.mu.Lock()
		b.cfg = patch
		b.mu.Unlock()
	}
}

// Clear removes every breaker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// LoadPersistedState restores every breaker named in the snapshot,
// converting expired open breakers to half-open per §4.4/property 9.
func (r *Registry) LoadPersistedState(snapshot map[string]Stats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, stats := range snapshot {
		if stats.State != domain.BreakerClosed && stats.State != domain.BreakerOpen && stats.State != domain.BreakerHalfOpen {
			r.log.Warn("skipping persisted breaker with invalid state", "breaker", name, "state", stats.State)
			continue
		}
		b := New(name, r.cfg, r.onChange)
		b.RestoreFrom(stats, true)
		r.breakers[name] = b
	}
}
