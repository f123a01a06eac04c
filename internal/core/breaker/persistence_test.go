package breaker

import (
	"path/filepath"
	"testing"

	"github.com/thushan/olla/internal/core/domain"
)

func TestPersister_WriteNowThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "breakers.json")

	r := NewRegistry(DefaultConfig(), nil, testLogger())
	b := r.GetOrCreate("s1:m", nil)
	b.CanExecute()
	b.RecordFailure(domain.ErrorKindNonRetryable, "authentication failed")

	p := NewPersister(r, path, 0, 2, testLogger())
	if err := p.WriteNow(); err != nil {
		t.Fatalf("WriteNow failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	entry, ok := loaded["s1:m"]
	if !ok {
		t.Fatalf("expected s1:m in loaded snapshot")
	}
	if entry.LastFailureReason != "authentication failed" {
		t.Fatalf("expected reason round-trip, got %q", entry.LastFailureReason)
	}
	if entry.State != domain.BreakerOpen {
		t.Fatalf("expected open state round-trip, got %v", entry.State)
	}
}

func TestLoad_MissingFileReturnsNilNil(t *testing.T) {
	loaded, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected nil snapshot for missing file")
	}
}

func TestPersister_BackupRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "breakers.json")
	r := NewRegistry(DefaultConfig(), nil, testLogger())
	r.GetOrCreate("s1", nil)

	p := NewPersister(r, path, 0, 2, testLogger())
	for i := 0; i < 3; i++ {
		if err := p.WriteNow(); err != nil {
			t.Fatalf("WriteNow failed: %v", err)
		}
	}
	if _, err := Load(path + ".1"); err != nil {
		t.Fatalf("expected backup .1 to be loadable: %v", err)
	}
}
