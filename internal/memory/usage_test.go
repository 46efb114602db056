package memory

import (
	"sync"
	"testing"
)

type flushRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *flushRecorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestUsageMonitor_BelowThresholdNeverFires(t *testing.T) {
	var rec flushRecorder
	m := NewUsageMonitor(0.75, rec.record)

	for _, used := range []int{0, 100, 500, 749} {
		m.OnUsage("c1", used, 1000)
	}
	if rec.count() != 0 {
		t.Fatalf("flush fired %d times below threshold", rec.count())
	}
	if m.Flagged("c1") {
		t.Fatal("conversation flagged below threshold")
	}
}

func TestUsageMonitor_FiresOncePerCrossing(t *testing.T) {
	var rec flushRecorder
	m := NewUsageMonitor(0.75, rec.record)

	m.OnUsage("c1", 750, 1000)
	m.OnUsage("c1", 800, 1000)
	m.OnUsage("c1", 990, 1000)
	if rec.count() != 1 {
		t.Fatalf("flush fired %d times, want 1", rec.count())
	}
	if !m.Flagged("c1") {
		t.Fatal("expected c1 to be flagged")
	}

	// Other conversations have independent flags.
	m.OnUsage("c2", 900, 1000)
	if rec.count() != 2 || rec.ids[1] != "c2" {
		t.Fatalf("flushes = %v", rec.ids)
	}
}

func TestUsageMonitor_RearmsAfterCompaction(t *testing.T) {
	var rec flushRecorder
	m := NewUsageMonitor(0.75, rec.record)

	m.OnUsage("c1", 800, 1000)
	m.OnCompactionComplete("c1")
	if m.Flagged("c1") {
		t.Fatal("flag should be cleared")
	}

	m.OnUsage("c1", 100, 1000)
	if rec.count() != 1 {
		t.Fatalf("low usage after re-arm fired a flush")
	}
	m.OnUsage("c1", 760, 1000)
	if rec.count() != 2 {
		t.Fatalf("flush fired %d times, want 2", rec.count())
	}
}

func TestUsageMonitor_NonPositiveMaxIsIgnored(t *testing.T) {
	var rec flushRecorder
	m := NewUsageMonitor(0.5, rec.record)

	m.OnUsage("c1", 1000, 0)
	m.OnUsage("c1", 1000, -1)
	if rec.count() != 0 || m.Flagged("c1") {
		t.Fatal("max <= 0 must be a no-op")
	}
}

func TestUsageMonitor_Threshold(t *testing.T) {
	m := NewUsageMonitor(0, nil)
	if m.Threshold() != DefaultFlushThreshold {
		t.Fatalf("threshold = %v, want default", m.Threshold())
	}

	m.SetThreshold(1.5)
	if m.Threshold() != DefaultFlushThreshold {
		t.Fatal("out-of-range threshold should be ignored")
	}
	m.SetThreshold(0.5)
	if m.Threshold() != 0.5 {
		t.Fatalf("threshold = %v, want 0.5", m.Threshold())
	}

	// A nil callback still flags.
	m.OnUsage("c1", 1, 2)
	if !m.Flagged("c1") {
		t.Fatal("expected flag at exactly the threshold")
	}
}
