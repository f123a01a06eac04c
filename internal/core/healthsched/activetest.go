package healthsched

import (
	"sync"
	"time"
)

// ActiveTestKey identifies a per-(server,model) active-test slot.
type ActiveTestKey struct {
	ServerID string
	Model    string
}

// ActiveTestState tracks progressive backoff and adaptive-timeout inputs
// for one (server, model) half-open probe target.
type ActiveTestState struct {
	LastTestTime        time.Time
	TestCount           int
	ConsecutiveFailures int
	FailureReason       string
	ErrorType           ErrorCategory
	CurrentTimeout       time.Duration
}

// ActiveTestTracker holds active-test state for every (server, model) pair
// currently under progressive recovery testing.
type ActiveTestTracker struct {
	mu     sync.Mutex
	states map[ActiveTestKey]*ActiveTestState
}

func NewActiveTestTracker() *ActiveTestTracker {
	return &ActiveTestTracker{states: make(map[ActiveTestKey]*ActiveTestState)}
}

// ShouldTest reports whether key is due for another active test attempt
// right now, and the timeout to apply if so. ok is false once the error
// category's max-attempt cap has been reached.
func (t *ActiveTestTracker) ShouldTest(key ActiveTestKey, modelSizeMultiplier, serverPerfMultiplier float64) (timeout time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.states[key]
	if !exists {
		return BaseTimeoutForCategory(ErrorCategoryOther, DefaultBaseTimeout), true
	}

	delay, within := NextActiveTestDelay(st.ErrorType, st.ConsecutiveFailures)
	if !within {
		return 0, false
	}
	if time.Since(st.LastTestTime) < delay {
		return 0, false
	}

	timeout = AdaptiveTimeout(st.ErrorType, DefaultBaseTimeout, st.ConsecutiveFailures, modelSizeMultiplier, serverPerfMultiplier)
	return timeout, true
}

// RecordResult updates (server, model) state after an active test attempt.
func (t *ActiveTestTracker) RecordResult(key ActiveTestKey, success bool, errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, exists := t.states[key]
	if !exists {
		st = &ActiveTestState{}
		t.states[key] = st
	}
	st.LastTestTime = time.Now()
	st.TestCount++
	if success {
		st.ConsecutiveFailures = 0
		st.FailureReason = ""
		st.ErrorType = ErrorCategoryOther
		return
	}
	st.ConsecutiveFailures++
	st.FailureReason = errText
	st.ErrorType = ClassifyActiveTestError(errText)
}

// Get returns a copy of the current state for key, if any.
func (t *ActiveTestTracker) Get(key ActiveTestKey) (ActiveTestState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[key]
	if !ok {
		return ActiveTestState{}, false
	}
	return *st, true
}

// Clear removes tracked state for key, e.g. when a server is removed or
// its breaker closes fully.
func (t *ActiveTestTracker) Clear(key ActiveTestKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// ClearServer removes every tracked model state for a server.
func (t *ActiveTestTracker) ClearServer(serverID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.states {
		if k.ServerID == serverID {
			delete(t.states, k)
		}
	}
}
