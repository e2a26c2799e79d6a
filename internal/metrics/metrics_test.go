package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rampart-ai/rampart/internal/engine"
)

func TestMetrics_CountsRuns(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRun("standard", engine.ClassBlock, engine.RunEarlyExited, 3*time.Millisecond)
	m.ObserveRun("standard", engine.ClassAllow, engine.RunCompleted, 5*time.Millisecond)
	m.ObserveDetectorOutcome("user_agent", engine.OutcomeCompleted)
	m.ObserveDetectorOutcome("llm_judge", engine.OutcomeTimedOut)

	if got := testutil.ToFloat64(m.classifications.WithLabelValues("standard", "block")); got != 1 {
		t.Errorf("block count = %v", got)
	}
	if got := testutil.ToFloat64(m.runOutcomes.WithLabelValues("early_exited")); got != 1 {
		t.Errorf("early exit count = %v", got)
	}
	if got := testutil.ToFloat64(m.detectorOutcomes.WithLabelValues("llm_judge", "timed_out")); got != 1 {
		t.Errorf("timed out count = %v", got)
	}
}

func TestMetrics_WeightStore(t *testing.T) {
	m := New(nil)

	m.ObserveCacheRead(true)
	m.ObserveCacheRead(false)
	m.ObserveCacheRead(false)
	m.ObserveFlush(10, nil)
	m.ObserveFlush(5, errors.New("down"))

	if got := testutil.ToFloat64(m.weightReads.WithLabelValues("miss")); got != 2 {
		t.Errorf("miss count = %v", got)
	}
	if got := testutil.ToFloat64(m.weightFlushes); got != 2 {
		t.Errorf("flush count = %v", got)
	}
	if got := testutil.ToFloat64(m.flushErrors); got != 1 {
		t.Errorf("flush error count = %v", got)
	}
	if got := testutil.ToFloat64(m.flushedRows); got != 10 {
		t.Errorf("flushed rows = %v", got)
	}
}
