package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/thushan/olla/internal/core/breaker"
	"github.com/thushan/olla/internal/core/domain"
	"github.com/thushan/olla/internal/core/servers"
	"github.com/thushan/olla/internal/logger"
	"github.com/thushan/olla/theme"
)

func testLogger() logger.StyledLogger {
	return *logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)), theme.Default())
}

func newTestRouter() (*Router, *servers.Registry, *breaker.Registry) {
	br := breaker.NewRegistry(breaker.DefaultConfig(), nil, testLogger())
	sr := servers.NewRegistry(time.Second, br, nil)
	classifier := breaker.NewClassifier(breaker.DefaultClassifierPatterns())
	rt := New(DefaultConfig(), sr, br, classifier, nil)
	return rt, sr, br
}

func addHealthyServer(sr *servers.Registry, id string, models []string) *domain.Server {
	s := &domain.Server{ID: id, Healthy: true, SupportsOllama: true, Models: models, MaxConcurrency: 10}
	sr.AddServer(s)
	return s
}

func TestRouter_EligibleCandidatesExcludesUnhealthy(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"llama3"})
	sr.AddServer(&domain.Server{ID: "s2", Healthy: false, Models: []string{"llama3"}})

	got := rt.EligibleCandidates("llama3", domain.CapabilityGenerate, false)
	if len(got) != 1 || got[0].Server.ID != "s1" {
		t.Fatalf("expected only s1 eligible, got %v", got)
	}
}

func TestRouter_EligibleCandidatesExcludesDrainingAndMaintenance(t *testing.T) {
	rt, sr, _ := newTestRouter()
	sr.AddServer(&domain.Server{ID: "s1", Healthy: true, SupportsOllama: true, Models: []string{"m"}, Draining: true, MaxConcurrency: 10})
	sr.AddServer(&domain.Server{ID: "s2", Healthy: true, SupportsOllama: true, Models: []string{"m"}, Maintenance: true, MaxConcurrency: 10})

	got := rt.EligibleCandidates("m", domain.CapabilityGenerate, false)
	if len(got) != 0 {
		t.Fatalf("expected no eligible candidates, got %v", got)
	}
}

func TestRouter_EligibleCandidatesExcludesCooldownAndBans(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	addHealthyServer(sr, "s2", []string{"m"})
	sr.MarkFailure("s1", "m")
	sr.Ban("s2", "m", "capability mismatch")

	if got := rt.EligibleCandidates("m", domain.CapabilityGenerate, false); len(got) != 0 {
		t.Fatalf("expected cooldown and ban exclusion, got %v", got)
	}
}

func TestRouter_EligibleCandidatesExcludesOpenBreaker(t *testing.T) {
	rt, sr, br := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	cfg := breaker.DefaultConfig()
	cfg.BaseFailureThreshold = 1
	cfg.ThresholdAdjustment = 0
	b := br.GetOrCreate("s1", &cfg)
	b.CanExecute()
	b.RecordFailure(domain.ErrorKindRetryable, "boom")

	if got := rt.EligibleCandidates("m", domain.CapabilityGenerate, false); len(got) != 0 {
		t.Fatalf("expected breaker-open exclusion, got %v", got)
	}

	if got := rt.EligibleCandidates("m", domain.CapabilityGenerate, true); len(got) != 1 {
		t.Fatalf("expected bypass to admit the candidate, got %v", got)
	}
}

func TestRouter_EligibleCandidatesSortedByScoreThenInFlightThenID(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "b", []string{"m"})
	addHealthyServer(sr, "a", []string{"m"})

	got := rt.EligibleCandidates("m", domain.CapabilityGenerate, false)
	if len(got) != 2 || got[0].Server.ID != "a" {
		t.Fatalf("expected tie-break by lowest id first, got %v", []string{got[0].Server.ID, got[1].Server.ID})
	}
}

func TestRouter_TryRequestWithFailoverSucceedsOnFirstCandidate(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})

	var called int
	err := rt.TryRequestWithFailover(context.Background(), "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		called++
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != 1 {
		t.Fatalf("expected op invoked once, got %d", called)
	}
}

func TestRouter_TryRequestWithFailoverFallsBackToNextCandidate(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "a", []string{"m"})
	addHealthyServer(sr, "b", []string{"m"})

	err := rt.TryRequestWithFailover(context.Background(), "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		if s.ID == "a" {
			return errors.New("model does not support generate")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
}

func TestRouter_TryRequestWithFailoverAggregatesErrorsWhenAllFail(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "a", []string{"m"})

	err := rt.TryRequestWithFailover(context.Background(), "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		return errors.New("model does not support generate")
	}, nil)

	if err == nil {
		t.Fatal("expected aggregated failure")
	}
	var fe *domain.FailoverError
	if !errorsAs(err, &fe) {
		t.Fatalf("expected *domain.FailoverError, got %T", err)
	}
	if len(fe.Attempts) != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", len(fe.Attempts))
	}
}

func TestRouter_TryRequestWithFailoverRetriesSameServerOnRetryableError(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "a", []string{"m"})
	rt.cfg.RetryDelay = time.Millisecond

	attempts := 0
	err := rt.TryRequestWithFailover(context.Background(), "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		attempts++
		if attempts < 2 {
			return errors.New("http 503")
		}
		return nil
	}, nil)

	if err != nil {
		t.Fatalf("expected eventual success after retry, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts on the same server, got %d", attempts)
	}
}

func TestRouter_RoutingContextPopulatedOnSuccess(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})

	rc := &domain.RoutingContext{}
	err := rt.TryRequestWithFailover(context.Background(), "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		return nil
	}, rc)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rc.SelectedServerID != "s1" {
		t.Fatalf("expected selectedServerId=s1, got %q", rc.SelectedServerID)
	}
	if rc.AvailableServerCount != 1 {
		t.Fatalf("expected availableServerCount=1, got %d", rc.AvailableServerCount)
	}
}

func TestRouter_HandleServerErrorPermanentBansAndMarksUnhealthyOnServerWidePattern(t *testing.T) {
	rt, sr, br := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	br.GetOrCreate("s1", nil)

	rt.HandleServerError(domain.ErrorKindPermanent, "s1", "m", "disk full on server")

	if !sr.IsBanned("s1", "m") {
		t.Fatal("expected (s1, m) banned")
	}
	s, _ := sr.GetServer("s1")
	if s.Healthy {
		t.Fatal("expected server marked unhealthy on server-wide pattern match")
	}
}

func TestRouter_HandleServerErrorNonRetryablePlacesCooldown(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})

	rt.HandleServerError(domain.ErrorKindNonRetryable, "s1", "m", "bad request")

	if !sr.IsInCooldown("s1", "m") {
		t.Fatal("expected cooldown placed on non-retryable error")
	}
}

func TestRouter_HandleServerErrorTransientMarksUnhealthyAtThreshold(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	rt.cfg.FailureThresholdForUnhealthy = 2

	rt.HandleServerError(domain.ErrorKindTransient, "s1", "m", "timeout")
	rt.HandleServerError(domain.ErrorKindTransient, "s1", "m", "timeout")

	s, _ := sr.GetServer("s1")
	if s.Healthy {
		t.Fatal("expected server marked unhealthy after crossing transient failure threshold")
	}
}

func TestRouter_RequestToServerEnforcesCooldownEvenWithBypass(t *testing.T) {
	rt, sr, _ := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	sr.MarkFailure("s1", "m")

	err := rt.RequestToServer(context.Background(), "s1", "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		return nil
	}, true)

	if err != domain.ErrInCooldown {
		t.Fatalf("expected ErrInCooldown even with bypass, got %v", err)
	}
}

func TestRequestToServer_BypassSkipsBreakerAdmission(t *testing.T) {
	rt, sr, br := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	cfg := breaker.DefaultConfig()
	cfg.BaseFailureThreshold = 1
	cfg.ThresholdAdjustment = 0
	b := br.GetOrCreate("s1", &cfg)
	b.CanExecute()
	b.RecordFailure(domain.ErrorKindRetryable, "boom")

	err := rt.RequestToServer(context.Background(), "s1", "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		return nil
	}, true)
	if err != nil {
		t.Fatalf("expected bypass to skip breaker admission, got %v", err)
	}
}

func TestRequestToServer_WithoutBypassRespectsOpenBreaker(t *testing.T) {
	rt, sr, br := newTestRouter()
	addHealthyServer(sr, "s1", []string{"m"})
	cfg := breaker.DefaultConfig()
	cfg.BaseFailureThreshold = 1
	cfg.ThresholdAdjustment = 0
	b := br.GetOrCreate("s1", &cfg)
	b.CanExecute()
	b.RecordFailure(domain.ErrorKindRetryable, "boom")

	err := rt.RequestToServer(context.Background(), "s1", "m", domain.CapabilityGenerate, func(ctx context.Context, s *domain.Server) error {
		return nil
	}, false)
	if err != domain.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func errorsAs(err error, target **domain.FailoverError) bool {
	fe, ok := err.(*domain.FailoverError)
	if !ok {
		return false
	}
	*target = fe
	return true
}
