package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// point identifies one data point: a metric name plus an optional
// attribute filter.
type point struct {
	name, key, value string
}

// sumOf returns the value of the sum data point matching p, or -1.
func sumOf(t *testing.T, rm metricdata.ResourceMetrics, p point) int64 {
	t.Helper()
	met := findMetric(rm, p.name)
	if met == nil {
		t.Fatalf("metric %q not found", p.name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: data = %T, want Sum[int64]", p.name, met.Data)
	}
	for _, dp := range sum.DataPoints {
		if p.key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(p.key)); ok && v.Emit() == p.value {
			return dp.Value
		}
	}
	return -1
}

// countOf returns the total sample count of a histogram.
func countOf(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric %q: data = %T, want Histogram[float64]", name, met.Data)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestMetrics_StageLatencies(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.4)
	m.TranslateDuration.Record(ctx, 0.2)
	m.TranslateDuration.Record(ctx, 0.3)
	m.TTSDuration.Record(ctx, 1.1)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"parlox.stt.duration":       1,
		"parlox.translate.duration": 2,
		"parlox.tts.duration":       1,
	} {
		if got := countOf(t, rm, name); got != want {
			t.Errorf("%s samples = %d, want %d", name, got, want)
		}
	}
}

func TestMetrics_RecordHelpers(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "error")
	m.RecordProviderError(ctx, "elevenlabs", "tts")
	m.RecordDrop(ctx, "translate")
	m.RecordDrop(ctx, "translate")
	m.RecordDrop(ctx, "stt")
	m.RecordSegment(ctx, true)
	m.RecordSegment(ctx, false)
	m.RecordSegment(ctx, false)
	m.RecordCapturePause(ctx, "microphone")
	m.SegmentsDiscarded.Add(ctx, 4)
	m.ChunksReordered.Add(ctx, 3)
	m.ChunksAbandoned.Add(ctx, 1)
	m.QueueDepth.Add(ctx, 3)
	m.QueueDepth.Add(ctx, -1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	tests := []struct {
		p    point
		want int64
	}{
		{point{"parlox.provider.requests", "status", "ok"}, 2},
		{point{"parlox.provider.requests", "status", "error"}, 1},
		{point{"parlox.provider.errors", "provider", "elevenlabs"}, 1},
		{point{"parlox.pipeline.dropped", "stage", "translate"}, 2},
		{point{"parlox.pipeline.dropped", "stage", "stt"}, 1},
		{point{"parlox.vad.segments", "forced", "false"}, 2},
		{point{"parlox.vad.segments", "forced", "true"}, 1},
		{point{"parlox.capture.pauses", "kind", "microphone"}, 1},
		{point{"parlox.vad.segments.discarded", "", ""}, 4},
		{point{"parlox.sequence.reordered", "", ""}, 3},
		{point{"parlox.sequence.abandoned", "", ""}, 1},
		{point{"parlox.playback.queue_depth", "", ""}, 2},
		{point{"parlox.active_sessions", "", ""}, 1},
	}
	for _, tt := range tests {
		if got := sumOf(t, rm, tt.p); got != tt.want {
			t.Errorf("%+v = %d, want %d", tt.p, got, tt.want)
		}
	}
}

func TestMetrics_RecordPlayback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlayback(ctx, 2*time.Second, -1)
	m.RecordPlayback(ctx, time.Second, 3*time.Millisecond)
	m.RecordPlayback(ctx, time.Second, 0)

	rm := collect(t, reader)
	if got := countOf(t, rm, "parlox.playback.duration"); got != 3 {
		t.Errorf("playback samples = %d, want 3", got)
	}
	if got := countOf(t, rm, "parlox.playback.gap"); got != 2 {
		t.Errorf("gap samples = %d, want 2", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
