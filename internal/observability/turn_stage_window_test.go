package observability

import "testing"

func TestTurnStageWindowSnapshotPercentiles(t *testing.T) {
	w := newTurnStageWindow(8)
	for _, ms := range []float64{100, 200, 300, 400} {
		w.Observe(StageTTFT, ms)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("stages = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageTTFT || s.Samples != 4 {
		t.Fatalf("stage = %+v, want ttft with 4 samples", s)
	}
	if s.LastMS != 400 {
		t.Fatalf("LastMS = %v, want 400", s.LastMS)
	}
	if s.AvgMS != 250 {
		t.Fatalf("AvgMS = %v, want 250", s.AvgMS)
	}
	if s.P50MS != 250 {
		t.Fatalf("P50MS = %v, want 250", s.P50MS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %v, want 1200", s.TargetP95MS)
	}
}

func TestTurnStageWindowRingOverwrite(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe(StageTurnTotal, 10)
	w.Observe(StageTurnTotal, 20)
	w.Observe(StageTurnTotal, 30)

	snap := w.Snapshot()
	s := snap.Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2 after wrap", s.Samples)
	}
	if s.LastMS != 30 {
		t.Fatalf("LastMS = %v, want 30", s.LastMS)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %v, want 25 (10 evicted)", s.AvgMS)
	}
}

func TestTurnStageWindowIgnoresInvalidSamples(t *testing.T) {
	w := newTurnStageWindow(4)
	w.Observe("", 10)
	w.Observe(StageGeneration, -5)

	snap := w.Snapshot()
	if len(snap.Stages) != 0 {
		t.Fatalf("stages = %+v, want none recorded", snap.Stages)
	}
}
