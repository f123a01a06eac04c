package servers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/theme"
)

func testLogger() logger.StyledLogger {
	return *logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

type fakeTagCache struct{ invalidated []string }

func (f *fakeTagCache) InvalidateServer(serverID string) {
	f.invalidated = append(f.invalidated, serverID)
}

func TestRegistry_AddAndGetServer(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.AddServer(&domain.Server{ID: "s1", Healthy: true})
	s, ok := r.GetServer("s1")
	if !ok || s.ID != "s1" {
		t.Fatal("expected to retrieve added server")
	}
}

func TestRegistry_RemoveServerPrunesEverything(t *testing.T) {
	br := breaker.NewRegistry(breaker.DefaultConfig(), nil, testLogger())
	tc := &fakeTagCache{}
	r := NewRegistry(time.Second, br, tc)

	r.AddServer(&domain.Server{ID: "s1", Healthy: true, Models: []string{"m1"}})
	br.GetOrCreate("s1", nil)
	br.GetOrCreate(domain.ModelBreakerKey("s1", "m1"), nil)
	r.IncrementInFlight("s1", "m1", false)
	r.MarkFailure("s1", "m1")
	r.Ban("s1", "m1", "capability mismatch")

	r.RemoveServer("s1")

	if _, ok := r.GetServer("s1"); ok {
		t.Fatal("expected server removed")
	}
	if _, ok := br.Get("s1"); ok {
		t.Fatal("expected server breaker pruned")
	}
	if _, ok := br.Get(domain.ModelBreakerKey("s1", "m1")); ok {
		t.Fatal("expected model breaker pruned")
	}
	if r.GetTotalInFlight("s1") != 0 {
		t.Fatal("expected in-flight counters pruned")
	}
	if r.IsInCooldown("s1", "m1") {
		t.Fatal("expected cooldown pruned")
	}
	if r.IsBanned("s1", "m1") {
		t.Fatal("expected ban pruned")
	}
	if len(tc.invalidated) != 1 || tc.invalidated[0] != "s1" {
		t.Fatal("expected tag cache invalidated for removed server")
	}
}

func TestRegistry_InFlightAccountingSeparatesRegularAndBypass(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.IncrementInFlight("s1", "m1", false)
	r.IncrementInFlight("s1", "m1", false)
	r.IncrementInFlight("s1", "m1", true)

	if got := r.GetTotalInFlight("s1"); got != 3 {
		t.Fatalf("expected total 3, got %d", got)
	}

	r.DecrementInFlight("s1", "m1", false)
	if got := r.GetTotalInFlight("s1"); got != 2 {
		t.Fatalf("expected total 2 after decrement, got %d", got)
	}
}

func TestRegistry_DecrementNeverGoesNegative(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.DecrementInFlight("s1", "m1", false)
	if got := r.GetTotalInFlight("s1"); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestRegistry_CooldownExpiresOverTime(t *testing.T) {
	r := NewRegistry(time.Millisecond, nil, nil)
	r.MarkFailure("s1", "m1")
	if !r.IsInCooldown("s1", "m1") {
		t.Fatal("expected immediate cooldown")
	}
	time.Sleep(5 * time.Millisecond)
	if r.IsInCooldown("s1", "m1") {
		t.Fatal("expected cooldown to expire")
	}
}

func TestRegistry_BanLifecycle(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.Ban("s1", "m1", "reason")
	if !r.IsBanned("s1", "m1") {
		t.Fatal("expected banned")
	}
	r.Unban("s1", "m1")
	if r.IsBanned("s1", "m1") {
		t.Fatal("expected unbanned")
	}
}

func TestRegistry_UnbanServerRemovesAllModelsForServer(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.Ban("s1", "m1", "x")
	r.Ban("s1", "m2", "x")
	r.Ban("s2", "m1", "x")

	r.UnbanServer("s1")

	if r.IsBanned("s1", "m1") || r.IsBanned("s1", "m2") {
		t.Fatal("expected s1 bans cleared")
	}
	if !r.IsBanned("s2", "m1") {
		t.Fatal("expected s2 ban to survive")
	}
}

func TestRegistry_UnbanModelRemovesAcrossServers(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.Ban("s1", "m1", "x")
	r.Ban("s2", "m1", "x")

	r.UnbanModel("m1")

	if r.IsBanned("s1", "m1") || r.IsBanned("s2", "m1") {
		t.Fatal("expected m1 bans cleared across all servers")
	}
}

func TestRegistry_GetModelMapOnlyIncludesHealthyServers(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.AddServer(&domain.Server{ID: "s1", Healthy: true, Models: []string{"m1"}})
	r.AddServer(&domain.Server{ID: "s2", Healthy: false, Models: []string{"m2"}})

	m := r.GetModelMap()
	if _, ok := m["m1"]; !ok {
		t.Fatal("expected m1 from healthy server")
	}
	if _, ok := m["m2"]; ok {
		t.Fatal("expected m2 excluded (unhealthy server)")
	}
}

func TestRegistry_GetCurrentModelListIncludesUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.AddServer(&domain.Server{ID: "s1", Healthy: false, Models: []string{"m1"}})

	list := r.GetCurrentModelList()
	if len(list) != 1 || list[0] != "m1" {
		t.Fatalf("expected m1 included regardless of health, got %v", list)
	}
}

func TestRegistry_UpdateServerPatchesMaxConcurrency(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.AddServer(&domain.Server{ID: "s1", MaxConcurrency: 1})
	if !r.UpdateServer("s1", 10) {
		t.Fatal("expected update to succeed")
	}
	s, _ := r.GetServer("s1")
	if s.MaxConcurrency != 10 {
		t.Fatalf("expected MaxConcurrency=10, got %d", s.MaxConcurrency)
	}
}

func TestRegistry_LoadBansRestoresPersistedSet(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.LoadBans(map[string]map[string]BanDetail{
		"s1": {"m1": {Reason: "restored", BannedAt: time.Now()}},
	})
	if !r.IsBanned("s1", "m1") {
		t.Fatal("expected restored ban to be active")
	}
}
