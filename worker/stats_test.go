package worker

import (
	"testing"
	"time"
)

func TestStatsSnapshot(t *testing.T) {
	var s Stats
	s.RecordSuccess(100 * time.Millisecond)
	s.RecordSuccess(200 * time.Millisecond)
	s.RecordFailure(300 * time.Millisecond)

	snap := s.Snapshot()
	if snap.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", snap.Processed)
	}
	if snap.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", snap.Failures)
	}
	want := 200 * time.Millisecond
	if snap.AverageProcessing != want {
		t.Errorf("expected average %v, got %v", want, snap.AverageProcessing)
	}
}

func TestStatsSnapshotEmpty(t *testing.T) {
	var s Stats
	snap := s.Snapshot()
	if snap.Processed != 0 || snap.Failures != 0 || snap.AverageProcessing != 0 {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}
