package engine

import "testing"

func TestMetricsRecordStepAccumulates(t *testing.T) {
	m := NewMetrics(nil)
	out := &SchedulerOutput{
		ScheduledGroupIDs: []int64{1, 2},
		NumPrefillTokens:  10,
		NumDecodeTokens:   2,
		PreemptedGroupIDs: []int64{2},
	}
	m.RecordStep(out, 0)
	m.RecordStep(out, 0)

	snap := m.Snapshot()
	if snap.StepCount != 2 {
		t.Errorf("expected 2 recorded steps, got %d", snap.StepCount)
	}
	if snap.PrefillTokens != 20 {
		t.Errorf("expected 20 accumulated prefill tokens, got %d", snap.PrefillTokens)
	}
	if snap.DecodeTokens != 4 {
		t.Errorf("expected 4 accumulated decode tokens, got %d", snap.DecodeTokens)
	}
	if snap.PreemptionCount != 2 {
		t.Errorf("expected 2 accumulated preemptions, got %d", snap.PreemptionCount)
	}
}

func TestMetricsRecordFinished(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordFinished(1, "eos")
	m.RecordFinished(2, "length")

	if got := m.Snapshot().FinishedRequests; got != 2 {
		t.Errorf("expected 2 finished requests recorded, got %d", got)
	}
}

func TestMetricsRecordEviction(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordEviction(3)
	m.RecordEviction(2)

	if got := m.Snapshot().EvictionCount; got != 5 {
		t.Errorf("expected 5 accumulated evictions, got %d", got)
	}
}
