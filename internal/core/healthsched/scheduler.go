package healthsched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval            = 30 * time.Second
	DefaultRecoveryInterval    = 15 * time.Second
	DefaultMaxConcurrentChecks = 8
	DefaultMainBatchPause      = 100 * time.Millisecond
	DefaultRecoveryBatchPause  = 500 * time.Millisecond
	DefaultRetryAttempts       = 2
	DefaultRetryDelay          = 500 * time.Millisecond
	DefaultBackoffMultiplier   = 2.0
)

type Config struct {
	Interval            time.Duration
	RecoveryInterval    time.Duration
	MaxConcurrentChecks int
	MainBatchPause      time.Duration
	RecoveryBatchPause  time.Duration
	RetryAttempts       int
	RetryDelay          time.Duration
	BackoffMultiplier   float64
}

func DefaultConfig() Config {
	return Config{
		Interval:            DefaultInterval,
		RecoveryInterval:     DefaultRecoveryInterval,
		MaxConcurrentChecks: DefaultMaxConcurrentChecks,
		MainBatchPause:      DefaultMainBatchPause,
		RecoveryBatchPause:  DefaultRecoveryBatchPause,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
	}
}

// ServerLister provides the current server set to probe each cycle.
type ServerLister interface {
	ListServerIDs() []string
}

// CheckFunc performs one health probe for a server id, retrying internally
// per the scheduler's retry policy, and returns the outcome.
type CheckFunc func(ctx context.Context, serverID string) Result

// ActiveTestCallback is invoked after a successful health check so the
// orchestrator can run active tests against that server's half-open
// models.
type ActiveTestCallback func(ctx context.Context, serverID string, result Result)

// Scheduler runs the two independent main/recovery probing loops, each
// bounded by a worker-pool semaphore and processed in short-paused
// batches.
type Scheduler struct {
	cfg       Config
	lister    ServerLister
	check     CheckFunc
	onSuccess ActiveTestCallback
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	tracker *ActiveTestTracker
}

func NewScheduler(cfg Config, lister ServerLister, check CheckFunc, onSuccess ActiveTestCallback, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		lister:    lister,
		check:     check,
		onSuccess: onSuccess,
		logger:    logger,
		stopCh:    make(chan struct{}),
		tracker:   NewActiveTestTracker(),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, s.cfg.Interval, s.cfg.MainBatchPause, s.runMainCycle)
	go s.loop(ctx, s.cfg.RecoveryInterval, s.cfg.RecoveryBatchPause, s.runRecoveryCycle)
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval, batchPause time.Duration, cycle func(context.Context, time.Duration)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			cycle(ctx, batchPause)
		}
	}
}

func (s *Scheduler) runMainCycle(ctx context.Context, batchPause time.Duration) {
	s.runBatched(ctx, batchPause, func(serverID string) {
		result := s.check(ctx, serverID)
		if result.Healthy && s.onSuccess != nil {
			s.onSuccess(ctx, serverID, result)
		}
	})
}

func (s *Scheduler) runRecoveryCycle(ctx context.Context, batchPause time.Duration) {
	s.runBatched(ctx, batchPause, func(serverID string) {
		s.check(ctx, serverID)
	})
}

func (s *Scheduler) runBatched(ctx context.Context, batchPause time.Duration, work func(serverID string)) {
	if s.lister == nil {
		return
	}
	ids := s.lister.ListServerIDs()
	if len(ids) == 0 {
		return
	}

	batchSize := s.cfg.MaxConcurrentChecks
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(serverID string) {
				defer wg.Done()
				work(serverID)
			}(id)
		}
		wg.Wait()

		if end < len(ids) {
			select {
			case <-time.After(batchPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunCheckWithRetry wraps a single-attempt probe with the retryable-error
// retry policy, only retrying when the error text matches the retryable
// pattern set.
func RunCheckWithRetry(ctx context.Context, cfg Config, attempt func(context.Context) Result) Result {
	var last Result
	for k := 0; k <= cfg.RetryAttempts; k++ {
		last = attempt(ctx)
		if last.Healthy || last.Err == nil || !IsRetryable(last.Err.Error()) {
			return last
		}
		if k == cfg.RetryAttempts {
			break
		}
		delay := RetryDelay(cfg.RetryDelay, cfg.BackoffMultiplier, k)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return last
		}
	}
	return last
}

// Tracker exposes the active-test state tracker for orchestrator wiring.
func (s *Scheduler) Tracker() *ActiveTestTracker {
	return s.tracker
}
