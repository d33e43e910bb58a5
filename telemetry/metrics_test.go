package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestCountersIncrement(t *testing.T) {
	Init()

	before := testutil.ToFloat64(UploadsAccepted)
	UploadAccepted()
	if got := testutil.ToFloat64(UploadsAccepted); got != before+1 {
		t.Errorf("UploadsAccepted = %v, want %v", got, before+1)
	}

	rejected := UploadsRejected.WithLabelValues("type")
	before = testutil.ToFloat64(rejected)
	UploadRejected("type")
	if got := testutil.ToFloat64(rejected); got != before+1 {
		t.Errorf("UploadsRejected{type} = %v, want %v", got, before+1)
	}

	done := AnalysesFinished.WithLabelValues("done")
	before = testutil.ToFloat64(done)
	AnalysisFinished("done", 3*time.Second)
	if got := testutil.ToFloat64(done); got != before+1 {
		t.Errorf("AnalysesFinished{done} = %v, want %v", got, before+1)
	}
}

func TestGauges(t *testing.T) {
	Init()
	SetQueueDepth(4)
	if got := testutil.ToFloat64(QueueDepthGauge); got != 4 {
		t.Errorf("queue depth = %v", got)
	}
	SetActiveAnalyses(2)
	if got := testutil.ToFloat64(ActiveAnalysesGauge); got != 2 {
		t.Errorf("active analyses = %v", got)
	}
	UpdateCircuitGauge(true)
	if got := testutil.ToFloat64(CircuitOpenGauge); got != 1 {
		t.Errorf("circuit gauge = %v", got)
	}
	UpdateCircuitGauge(false)
	if got := testutil.ToFloat64(CircuitOpenGauge); got != 0 {
		t.Errorf("circuit gauge = %v", got)
	}
}

func TestAnalysisDurationHistogram(t *testing.T) {
	Init()
	h, ok := AnalysisDuration.(interface{ Write(*dto.Metric) error })
	if !ok {
		t.Fatal("AnalysisDuration does not expose Write")
	}
	var before dto.Metric
	if err := h.Write(&before); err != nil {
		t.Fatal(err)
	}
	AnalysisFinished("failed", 90*time.Second)
	var after dto.Metric
	if err := h.Write(&after); err != nil {
		t.Fatal(err)
	}
	if after.GetHistogram().GetSampleCount() != before.GetHistogram().GetSampleCount()+1 {
		t.Errorf("sample count did not advance: %d -> %d",
			before.GetHistogram().GetSampleCount(), after.GetHistogram().GetSampleCount())
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	Init()
	d := TimeFunc(AnalysisDuration, func() { time.Sleep(5 * time.Millisecond) })
	if d < 5*time.Millisecond {
		t.Errorf("TimeFunc duration = %v", d)
	}
	if TimeFunc(nil, func() {}) < 0 {
		t.Error("negative duration")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Fatal("unexpected correlation id on empty context")
	}
	ctx = WithCorrelation(ctx, "abc")
	if GetCorrelation(ctx) != "abc" {
		t.Fatalf("GetCorrelation = %q", GetCorrelation(ctx))
	}
	if LoggerWithCorr(ctx) == nil {
		t.Fatal("nil logger")
	}
}
