package healthsched

import (
	"testing"
	"time"
)

func TestActiveTestTracker_FirstTestAlwaysAllowed(t *testing.T) {
	tr := NewActiveTestTracker()
	_, ok := tr.ShouldTest(ActiveTestKey{ServerID: "s1", Model: "m1"}, 1.0, 1.0)
	if !ok {
		t.Fatal("expected first test to be allowed")
	}
}

func TestActiveTestTracker_BlocksUntilBackoffElapses(t *testing.T) {
	tr := NewActiveTestTracker()
	key := ActiveTestKey{ServerID: "s1", Model: "m1"}
	tr.RecordResult(key, false, "unable to load model: invalid magic")

	if _, ok := tr.ShouldTest(key, 1.0, 1.0); ok {
		t.Fatal("expected test to be blocked immediately after a model-file failure")
	}
}

func TestActiveTestTracker_StopsAfterMaxAttempts(t *testing.T) {
	tr := NewActiveTestTracker()
	key := ActiveTestKey{ServerID: "s1", Model: "m1"}
	for i := 0; i < 2; i++ {
		tr.RecordResult(key, false, "model does not support generate")
	}
	if _, ok := tr.ShouldTest(key, 1.0, 1.0); ok {
		t.Fatal("expected capability-error testing to stop after 2 attempts")
	}
}

func TestActiveTestTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	tr := NewActiveTestTracker()
	key := ActiveTestKey{ServerID: "s1", Model: "m1"}
	tr.RecordResult(key, false, "context deadline exceeded: timeout")
	tr.RecordResult(key, true, "")

	st, ok := tr.Get(key)
	if !ok {
		t.Fatal("expected state to exist")
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset to 0, got %d", st.ConsecutiveFailures)
	}
}

func TestActiveTestTracker_ClearServerRemovesAllModels(t *testing.T) {
	tr := NewActiveTestTracker()
	tr.RecordResult(ActiveTestKey{ServerID: "s1", Model: "a"}, false, "x")
	tr.RecordResult(ActiveTestKey{ServerID: "s1", Model: "b"}, false, "x")
	tr.RecordResult(ActiveTestKey{ServerID: "s2", Model: "c"}, false, "x")

	tr.ClearServer("s1")

	if _, ok := tr.Get(ActiveTestKey{ServerID: "s1", Model: "a"}); ok {
		t.Fatal("expected s1/a cleared")
	}
	if _, ok := tr.Get(ActiveTestKey{ServerID: "s2", Model: "c"}); !ok {
		t.Fatal("expected s2/c to survive")
	}
}

func TestActiveTestTracker_ShouldTestAfterBackoffElapses(t *testing.T) {
	tr := NewActiveTestTracker()
	key := ActiveTestKey{ServerID: "s1", Model: "m1"}
	tr.RecordResult(key, false, "context deadline exceeded: timeout")

	tr.mu.Lock()
	tr.states[key].LastTestTime = time.Now().Add(-time.Hour)
	tr.mu.Unlock()

	if _, ok := tr.ShouldTest(key, 1.0, 1.0); !ok {
		t.Fatal("expected test allowed once backoff window has elapsed")
	}
}
