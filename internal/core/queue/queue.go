// Package queue implements the priority queue (C7): a binary max-heap
// ordered by (priority DESC, enqueueTime ASC) with deadline eviction and
// starvation-avoidance priority boosting.
package queue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/thushan/olla/internal/core/domain"
)

const (
	DefaultPriorityBoostInterval = 30 * time.Second
	DefaultPriorityBoostAmount   = 1
	DefaultMaxPriority           = 100
	DefaultMaxSize               = 10000
)

type Config struct {
	MaxSize               int
	MaxPriority           int
	PriorityBoostInterval time.Duration
	PriorityBoostAmount   int
}

func DefaultConfig() Config {
	return Config{
		MaxSize:               DefaultMaxSize,
		MaxPriority:           DefaultMaxPriority,
		PriorityBoostInterval: DefaultPriorityBoostInterval,
		PriorityBoostAmount:   DefaultPriorityBoostAmount,
	}
}

// entry wraps a domain.QueueItem with the heap index.
type entry struct {
	item  domain.QueueItem
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	return h[i].item.EnqueueTime.Before(h[j].item.EnqueueTime)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats is a snapshot of queue-level counters.
type Stats struct {
	Size        int
	Paused      bool
	TotalEnqueued int64
	TotalDequeued int64
	TotalRejected int64
	TotalExpired  int64
}

// ItemView is a read-only view of a queued item with its computed wait
// time, returned by GetAllItems.
type ItemView struct {
	Item     domain.QueueItem
	WaitTime time.Duration
}

// resolve delivers res to item's resolver channel without blocking if the
// caller has stopped listening.
func resolve(item domain.QueueItem, res domain.QueueResult) {
	if item.Resolver == nil {
		return
	}
	select {
	case item.Resolver <- res:
	default:
	}
}

// Queue is a priority queue of domain.QueueItem, safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	h      entryHeap
	paused bool
	logger *slog.Logger

	totalEnqueued int64
	totalDequeued int64
	totalRejected int64
	totalExpired  int64

	boostStop chan struct{}
	boostDone chan struct{}
}

func New(cfg Config, logger *slog.Logger) *Queue {
	q := &Queue{
		cfg:    cfg,
		h:      make(entryHeap, 0),
		logger: logger,
	}
	heap.Init(&q.h)
	return q
}

// Enqueue adds item to the queue, rejecting it when the queue is paused or
// at capacity.
func (q *Queue) Enqueue(item domain.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		q.totalRejected++
		return domain.ErrQueuePaused
	}
	if q.cfg.MaxSize > 0 && len(q.h) >= q.cfg.MaxSize {
		q.totalRejected++
		return domain.ErrQueueFull
	}

	if item.EnqueueTime.IsZero() {
		item.EnqueueTime = time.Now()
	}
	heap.Push(&q.h, &entry{item: item})
	q.totalEnqueued++
	return nil
}

// Dequeue pops the highest-priority, oldest-enqueued non-expired item.
// Expired items (deadline set and passed) are popped and resolved with
// ErrDeadlineExceeded before the next candidate is examined. ok is false
// when the queue has no admissible item left.
func (q *Queue) Dequeue() (item domain.QueueItem, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for len(q.h) > 0 {
		top := heap.Pop(&q.h).(*entry)
		if !top.item.Deadline.IsZero() && now.After(top.item.Deadline) {
			q.totalExpired++
			resolve(top.item, domain.QueueResult{Item: &top.item, Err: domain.ErrDeadlineExceeded})
			continue
		}
		q.totalDequeued++
		return top.item, true
	}
	return domain.QueueItem{}, false
}

// Peek returns the next item to be dequeued without removing it.
func (q *Queue) Peek() (domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return domain.QueueItem{}, false
	}
	return q.h[0].item, true
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear empties the queue, resolving every pending item with
// ErrQueueCleared and returning the number of items rejected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.h)
	for _, e := range q.h {
		resolve(e.item, domain.QueueResult{Item: &e.item, Err: domain.ErrQueueCleared})
	}
	q.h = make(entryHeap, 0)
	q.totalRejected += int64(n)
	return n
}

func (q *Queue) UpdateConfig(patch Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if patch.MaxSize > 0 {
		q.cfg.MaxSize = patch.MaxSize
	}
	if patch.MaxPriority > 0 {
		q.cfg.MaxPriority = patch.MaxPriority
	}
	if patch.PriorityBoostInterval > 0 {
		q.cfg.PriorityBoostInterval = patch.PriorityBoostInterval
	}
	if patch.PriorityBoostAmount > 0 {
		q.cfg.PriorityBoostAmount = patch.PriorityBoostAmount
	}
}

func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:          len(q.h),
		Paused:        q.paused,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		TotalRejected: q.totalRejected,
		TotalExpired:  q.totalExpired,
	}
}

// GetAllItems returns a read-only snapshot of every queued item with its
// computed wait time. Order is not guaranteed to match dequeue order.
func (q *Queue) GetAllItems() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	out := make([]ItemView, 0, len(q.h))
	for _, e := range q.h {
		out = append(out, ItemView{Item: e.item, WaitTime: now.Sub(e.item.EnqueueTime)})
	}
	return out
}

// GetRequestsByModel returns every queued item whose model matches name.
func (q *Queue) GetRequestsByModel(name string) []domain.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.QueueItem
	for _, e := range q.h {
		if e.item.Model == name {
			out = append(out, e.item)
		}
	}
	return out
}

// BoostStarvedItems walks the heap, raises the priority (capped at
// MaxPriority) of any item that has waited longer than
// PriorityBoostInterval, then rebuilds the heap with Floyd's O(n)
// bottom-up heapify.
func (q *Queue) BoostStarvedItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	boosted := 0
	now := time.Now()
	for _, e := range q.h {
		if now.Sub(e.item.EnqueueTime) > q.cfg.PriorityBoostInterval {
			newPriority := e.item.Priority + q.cfg.PriorityBoostAmount
			if newPriority > q.cfg.MaxPriority {
				newPriority = q.cfg.MaxPriority
			}
			if newPriority != e.item.Priority {
				e.item.Priority = newPriority
				boosted++
			}
		}
	}
	if boosted > 0 {
		heap.Init(&q.h)
	}
	return boosted
}

// StartBoostTimer runs BoostStarvedItems on PriorityBoostInterval until
// Shutdown is called.
func (q *Queue) StartBoostTimer() {
	q.mu.Lock()
	interval := q.cfg.PriorityBoostInterval
	q.boostStop = make(chan struct{})
	q.boostDone = make(chan struct{})
	stop := q.boostStop
	done := q.boostDone
	q.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				q.BoostStarvedItems()
			}
		}
	}()
}

// Shutdown cancels the boost timer (if running) and clears the queue.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	stop := q.boostStop
	done := q.boostDone
	q.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	q.Clear()
}
