// Package servers implements the server registry and in-flight request
// accounting (C8): known servers, per-(server,model) in-flight counters,
// cooldowns and permanent bans.
package servers

import (
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
)

const DefaultCooldown = 30 * time.Second

type inFlightKey struct {
	serverID string
	model    string
}

type inFlightCounts struct {
	regular int64
	bypass  int64
}

// BanDetail describes why and when a (server, model) pair was banned.
type BanDetail struct {
	Reason  string
	BannedAt time.Time
}

// TagCacheInvalidator is implemented by the tags aggregator (C10) so the
// registry can drop its cache entry when a server is removed.
type TagCacheInvalidator interface {
	InvalidateServer(serverID string)
}

// Registry tracks known servers, in-flight accounting, cooldowns and bans.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*domain.Server

	cooldown time.Duration

	inFlightMu sync.Mutex
	inFlight   map[inFlightKey]*inFlightCounts

	cooldownMu    sync.Mutex
	cooldownUntil map[inFlightKey]time.Time

	bansMu sync.Mutex
	bans   map[inFlightKey]BanDetail

	breakers  *breaker.Registry
	tagCache  TagCacheInvalidator
}

func NewRegistry(cooldown time.Duration, breakers *breaker.Registry, tagCache TagCacheInvalidator) *Registry {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Registry{
		servers:       make(map[string]*domain.Server),
		cooldown:      cooldown,
		inFlight:      make(map[inFlightKey]*inFlightCounts),
		cooldownUntil: make(map[inFlightKey]time.Time),
		bans:          make(map[inFlightKey]BanDetail),
		breakers:      breakers,
		tagCache:      tagCache,
	}
}

func (r *Registry) AddServer(s *domain.Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID] = s
}

// RemoveServer drops the server and prunes every derived piece of state:
// its breakers (by key prefix), in-flight counters, cooldowns, bans and
// tag cache entry.
func (r *Registry) RemoveServer(serverID string) {
	r.mu.Lock()
	delete(r.servers, serverID)
	r.mu.Unlock()

	if r.breakers != nil {
		r.breakers.RemoveByPrefix(serverID)
	}

	r.inFlightMu.Lock()
	for k := range r.inFlight {
		if k.serverID == serverID {
			delete(r.inFlight, k)
		}
	}
	r.inFlightMu.Unlock()

	r.cooldownMu.Lock()
	for k := range r.cooldownUntil {
		if k.serverID == serverID {
			delete(r.cooldownUntil, k)
		}
	}
	r.cooldownMu.Unlock()

	r.bansMu.Lock()
	for k := range r.bans {
		if k.serverID == serverID {
			delete(r.bans, k)
		}
	}
	r.bansMu.Unlock()

	if r.tagCache != nil {
		r.tagCache.InvalidateServer(serverID)
	}
}

// UpdateServer applies a partial patch to an existing server's tunables.
func (r *Registry) UpdateServer(serverID string, maxConcurrency int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[serverID]
	if !ok {
		return false
	}
	if maxConcurrency > 0 {
		s.MaxConcurrency = maxConcurrency
	}
	return true
}

func (r *Registry) GetServer(serverID string) (*domain.Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	return s, ok
}

// AllServerIDs returns every currently registered server id, so a caller
// syncing the registry against an external source of truth (e.g. the
// discovery service's endpoint list) can tell which ids are now stale.
func (r *Registry) AllServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) GetServers() []*domain.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}

// ListServerIDs implements healthsched.ServerLister.
func (r *Registry) ListServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for id := range r.servers {
		out = append(out, id)
	}
	return out
}

// GetModelMap returns model -> serving server ids, built from healthy
// servers only.
func (r *Registry) GetModelMap() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string)
	for _, s := range r.servers {
		if !s.Healthy {
			continue
		}
		for _, m := range s.Models {
			out[m] = append(out[m], s.ID)
		}
	}
	return out
}

// GetAllModels returns the unique model names served by healthy servers.
func (r *Registry) GetAllModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.servers {
		if !s.Healthy {
			continue
		}
		for _, m := range s.Models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// GetCurrentModelList returns the union of models across every known
// server, regardless of health.
func (r *Registry) GetCurrentModelList() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.servers {
		for _, m := range s.Models {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (r *Registry) key(serverID, model string) inFlightKey {
	return inFlightKey{serverID: serverID, model: model}
}

func (r *Registry) IncrementInFlight(serverID, model string, bypass bool) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	k := r.key(serverID, model)
	c, ok := r.inFlight[k]
	if !ok {
		c = &inFlightCounts{}
		r.inFlight[k] = c
	}
	if bypass {
		c.bypass++
	} else {
		c.regular++
	}
}

func (r *Registry) DecrementInFlight(serverID, model string, bypass bool) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	k := r.key(serverID, model)
	c, ok := r.inFlight[k]
	if !ok {
		return
	}
	if bypass {
		if c.bypass > 0 {
			c.bypass--
		}
	} else {
		if c.regular > 0 {
			c.regular--
		}
	}
}

// GetTotalInFlight sums regular+bypass in-flight counts across every model
// on serverID.
func (r *Registry) GetTotalInFlight(serverID string) int64 {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	var total int64
	for k, c := range r.inFlight {
		if k.serverID == serverID {
			total += c.regular + c.bypass
		}
	}
	return total
}

// InFlight implements recovery.InFlightTracker.
func (r *Registry) InFlight(serverID string) int {
	return int(r.GetTotalInFlight(serverID))
}

// MarkFailure starts a cooldown window for (serverID, model).
func (r *Registry) MarkFailure(serverID, model string) {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	r.cooldownUntil[r.key(serverID, model)] = time.Now().Add(r.cooldown)
}

func (r *Registry) IsInCooldown(serverID, model string) bool {
	r.cooldownMu.Lock()
	defer r.cooldownMu.Unlock()
	until, ok := r.cooldownUntil[r.key(serverID, model)]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// Ban permanently bans a (server, model) pair, e.g. after a confirmed
// capability mismatch.
func (r *Registry) Ban(serverID, model, reason string) {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	r.bans[r.key(serverID, model)] = BanDetail{Reason: reason, BannedAt: time.Now()}
}

func (r *Registry) IsBanned(serverID, model string) bool {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	_, ok := r.bans[r.key(serverID, model)]
	return ok
}

func (r *Registry) Unban(serverID, model string) {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	delete(r.bans, r.key(serverID, model))
}

func (r *Registry) UnbanServer(serverID string) {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	for k := range r.bans {
		if k.serverID == serverID {
			delete(r.bans, k)
		}
	}
}

func (r *Registry) UnbanModel(model string) {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	for k := range r.bans {
		if k.model == model {
			delete(r.bans, k)
		}
	}
}

func (r *Registry) ClearAllBans() {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	r.bans = make(map[inFlightKey]BanDetail)
}

// GetBanDetails returns every currently banned (server, model) pair.
func (r *Registry) GetBanDetails() map[string]map[string]BanDetail {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	out := make(map[string]map[string]BanDetail)
	for k, detail := range r.bans {
		if out[k.serverID] == nil {
			out[k.serverID] = make(map[string]BanDetail)
		}
		out[k.serverID][k.model] = detail
	}
	return out
}

// LoadBans restores a persisted ban set, e.g. on process restart.
func (r *Registry) LoadBans(bans map[string]map[string]BanDetail) {
	r.bansMu.Lock()
	defer r.bansMu.Unlock()
	for serverID, models := range bans {
		for model, detail := range models {
			r.bans[r.key(serverID, model)] = detail
		}
	}
}
