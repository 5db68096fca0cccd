// Package metrics provides the OpenTelemetry instrument set for the voice
// pipeline, bridged to Prometheus for /metrics scraping. It mirrors the
// pack's internal/observe package (MeterProvider + Prometheus exporter
// bridge), narrowed to the instruments this core's components actually
// record: per-stage latency histograms, admission/session counters, and
// live-session gauges.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/vocalrelay/vocalrelay-core"

// Metrics holds every OTel instrument recorded by pkg/hub, pkg/session, and
// pkg/streaming. All fields are safe for concurrent use.
type Metrics struct {
	// Per-stage latency (§4.6, §4.6c "metrics" counters from §3).
	STTDuration       metric.Float64Histogram
	LLMDuration       metric.Float64Histogram
	TTSDuration       metric.Float64Histogram
	FirstTokenLatency metric.Float64Histogram

	// Admission + session lifecycle.
	ChunksAdmitted  metric.Int64Counter
	ChunksRejected  metric.Int64Counter
	Interruptions   metric.Int64Counter
	UtterancesTotal metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter

	// Provider call outcomes, attributed by stage/status (§7 error taxonomy).
	ProviderErrors metric.Int64Counter
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20}

// New builds a Metrics instance against the given MeterProvider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.STTDuration, err = m.Float64Histogram("vocalrelay.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription calls."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("vocalrelay.llm.duration",
		metric.WithDescription("Wall-clock duration of a chat_stream call from start to stream end."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("vocalrelay.tts.duration",
		metric.WithDescription("Latency of a single synthesize call."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("vocalrelay.llm.first_token_latency",
		metric.WithDescription("Time from chat_stream request to first token, §3 first_token_ms."),
		metric.WithUnit("s"), metric.WithExplicitBucketBoundaries(latencyBuckets...)); err != nil {
		return nil, err
	}
	if met.ChunksAdmitted, err = m.Int64Counter("vocalrelay.chunks.admitted",
		metric.WithDescription("audio_chunk events admitted past the token bucket.")); err != nil {
		return nil, err
	}
	if met.ChunksRejected, err = m.Int64Counter("vocalrelay.chunks.rejected",
		metric.WithDescription("audio_chunk events denied by the token bucket (§7 rate_limit).")); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("vocalrelay.interruptions",
		metric.WithDescription("stop_tts cancellations (§4.6b barge-in).")); err != nil {
		return nil, err
	}
	if met.UtterancesTotal, err = m.Int64Counter("vocalrelay.utterances",
		metric.WithDescription("Utterances completed, cancelled, or failed.")); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalrelay.sessions.active",
		metric.WithDescription("Currently connected WebSocket sessions.")); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("vocalrelay.provider.errors",
		metric.WithDescription("Provider adapter call failures by stage.")); err != nil {
		return nil, err
	}

	return met, nil
}

// Provider wires a Prometheus-exporter-backed MeterProvider and registers it
// as the OTel global, returning a shutdown func to flush/close on exit.
func Provider(serviceName string) (mp *sdkmetric.MeterProvider, shutdown func(context.Context) error, err error) {
	if serviceName == "" {
		serviceName = "vocalrelay-core"
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, nil, err
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	return provider, provider.Shutdown, nil
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns a package-level Metrics instance built against the global
// OTel MeterProvider, creating it on first call. Panics if instrument
// creation fails, matching the pack's DefaultMetrics() convenience.
func Default() *Metrics {
	defaultOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default instruments: " + err.Error())
		}
	})
	return defaultMetrics
}

// StageAttr builds the standard "stage" attribute used across ProviderErrors.
func StageAttr(stage string) attribute.KeyValue {
	return attribute.String("stage", stage)
}
