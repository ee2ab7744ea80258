// Package observe holds the observability plumbing of parlox: OpenTelemetry
// instruments, tracing helpers, trace-aware logging and the HTTP middleware
// that ties them together.
//
// [InitProvider] installs a Prometheus-backed meter provider so instruments
// are scraped from /metrics. Tests build their own [Metrics] with
// [NewMetrics] and a manual reader; [DefaultMetrics] exists for code paths
// that have no injected instance.
package observe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parlox"

// Metrics is the set of instruments recorded by the translator. Counters
// with attribute dimensions are best recorded through the Record helpers.
type Metrics struct {
	// Stage latency, in seconds.
	STTDuration       metric.Float64Histogram
	TranslateDuration metric.Float64Histogram
	TTSDuration       metric.Float64Histogram

	// Playback.
	PlaybackDuration metric.Float64Histogram
	PlaybackGap      metric.Float64Histogram
	QueueDepth       metric.Int64UpDownCounter
	CapturePauses    metric.Int64Counter // kind

	// Segmentation and chunk reassembly.
	SegmentsEmitted   metric.Int64Counter // forced
	SegmentsDiscarded metric.Int64Counter
	ChunksReordered   metric.Int64Counter
	ChunksAbandoned   metric.Int64Counter
	ItemsDropped      metric.Int64Counter // stage

	// Providers.
	ProviderRequests metric.Int64Counter // provider, kind, status
	ProviderErrors   metric.Int64Counter // provider, kind

	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is recorded by [Middleware] with method, route and
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

var (
	// Stage latencies run from a few milliseconds (local VAD) to several
	// seconds (cloud synthesis of a long sentence).
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// Gaps between queued items should stay well below 50ms.
	gapBuckets = []float64{0, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	httpBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var errs []error

	seconds := func(dst *metric.Float64Histogram, name, desc string, buckets []float64) {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(buckets...),
		)
		*dst = h
		errs = append(errs, err)
	}
	count := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		g, err := meter.Int64UpDownCounter(name, metric.WithDescription(desc))
		*dst = g
		errs = append(errs, err)
	}

	seconds(&m.STTDuration, "parlox.stt.duration", "Speech-to-text latency.", latencyBuckets)
	seconds(&m.TranslateDuration, "parlox.translate.duration", "Translation latency.", latencyBuckets)
	seconds(&m.TTSDuration, "parlox.tts.duration", "Synthesis latency.", latencyBuckets)
	seconds(&m.PlaybackDuration, "parlox.playback.duration", "Length of each played item.", latencyBuckets)
	seconds(&m.PlaybackGap, "parlox.playback.gap", "Silence between consecutive queued items.", gapBuckets)
	seconds(&m.HTTPRequestDuration, "parlox.http.request.duration", "HTTP request latency.", httpBuckets)

	count(&m.CapturePauses, "parlox.capture.pauses", "Capture pauses for feedback prevention.")
	count(&m.SegmentsEmitted, "parlox.vad.segments", "Finalized speech segments.")
	count(&m.SegmentsDiscarded, "parlox.vad.segments.discarded", "Speech segments discarded as too short.")
	count(&m.ChunksReordered, "parlox.sequence.reordered", "Synthesis chunks that arrived out of order.")
	count(&m.ChunksAbandoned, "parlox.sequence.abandoned", "Chunk streams abandoned with gaps.")
	count(&m.ItemsDropped, "parlox.pipeline.dropped", "Utterances dropped by a failing stage.")
	count(&m.ProviderRequests, "parlox.provider.requests", "Provider API requests.")
	count(&m.ProviderErrors, "parlox.provider.errors", "Provider API errors.")

	gauge(&m.QueueDepth, "parlox.playback.queue_depth", "Items waiting for playback.")
	gauge(&m.ActiveSessions, "parlox.active_sessions", "Running translation sessions.")

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("observe: create instruments: %w", err)
		}
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. It is created on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordProviderRequest counts one provider call with its outcome.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordProviderError counts one failed provider call.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordDrop(ctx context.Context, stage string) {
	m.ItemsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) RecordSegment(ctx context.Context, forced bool) {
	m.SegmentsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (m *Metrics) RecordCapturePause(ctx context.Context, kind string) {
	m.CapturePauses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPlayback records one played item and the gap before it. A negative
// gap means the item was not queued behind another one.
func (m *Metrics) RecordPlayback(ctx context.Context, played, gap time.Duration) {
	m.PlaybackDuration.Record(ctx, played.Seconds())
	if gap >= 0 {
		m.PlaybackGap.Record(ctx, gap.Seconds())
	}
}
