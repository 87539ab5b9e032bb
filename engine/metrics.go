package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Metrics accumulates the running counters the step loop reports at
// INFO/DEBUG level through logrus, and that a caller can snapshot for
// health/telemetry endpoints. There's no literal teacher counterpart (the
// teacher logs ad hoc fmt.Printf lines in its step loop); this generalizes
// that into a proper struct the way the logrus-using examples in the pack
// structure theirs, with a field-keyed logger.
type Metrics struct {
	mu sync.Mutex

	StepCount        int64
	PrefillTokens    int64
	DecodeTokens     int64
	PreemptionCount  int64
	EvictionCount    int64
	FinishedRequests int64

	log *logrus.Entry
}

func NewMetrics(log *logrus.Logger) *Metrics {
	if log == nil {
		log = logrus.New()
	}
	return &Metrics{log: log.WithField("component", "engine")}
}

// RecordStep logs one step's contribution and folds it into the running
// totals. correlationID ties a step's log lines together when multiple
// goroutines (main + draft engines under speculative decoding) interleave
// output; a fresh uuid.NewString() per step keeps that readable without
// requiring the caller to thread an id through every call.
func (m *Metrics) RecordStep(out *SchedulerOutput, duration time.Duration) {
	m.mu.Lock()
	m.StepCount++
	m.PrefillTokens += int64(out.NumPrefillTokens)
	m.DecodeTokens += int64(out.NumDecodeTokens)
	m.PreemptionCount += int64(len(out.PreemptedGroupIDs))
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"step_id":     uuid.NewString(),
		"scheduled":   len(out.ScheduledGroupIDs),
		"prefill_tok": out.NumPrefillTokens,
		"decode_tok":  out.NumDecodeTokens,
		"preempted":   len(out.PreemptedGroupIDs),
		"duration_ms": duration.Milliseconds(),
	}).Debug("step complete")
}

func (m *Metrics) RecordEviction(n int) {
	m.mu.Lock()
	m.EvictionCount += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) RecordFinished(requestID int64, reason string) {
	m.mu.Lock()
	m.FinishedRequests++
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"reason":     reason,
	}).Info("request finished")
}

// MetricsSnapshot is a point-in-time copy of Metrics' counters with no
// mutex of its own, safe to pass around and log after Snapshot returns.
type MetricsSnapshot struct {
	StepCount        int64
	PrefillTokens    int64
	DecodeTokens     int64
	PreemptionCount  int64
	EvictionCount    int64
	FinishedRequests int64
}

// Snapshot returns a point-in-time copy of the counters for callers that
// just want numbers, no logging side effects.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		StepCount:        m.StepCount,
		PrefillTokens:    m.PrefillTokens,
		DecodeTokens:     m.DecodeTokens,
		PreemptionCount:  m.PreemptionCount,
		EvictionCount:    m.EvictionCount,
		FinishedRequests: m.FinishedRequests,
	}
}
