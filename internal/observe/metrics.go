// Package observe provides application-wide observability primitives for
// gork: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all gork metrics.
const meterName = "github.com/techwithanirudh/gork"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks latency from utterance close to final
	// transcript.
	TranscriptionDuration metric.Float64Histogram

	// ReplyLatency tracks latency from turn acceptance to the first audio
	// frame of the reply.
	ReplyLatency metric.Float64Histogram

	// --- Counters ---

	// UtterancesClosed counts utterances finished by silence detection.
	// Use with attribute: attribute.String("guild_id", ...)
	UtterancesClosed metric.Int64Counter

	// Transcripts counts transcript events. Use with attributes:
	//   attribute.String("guild_id", ...), attribute.String("kind", "interim"|"final")
	Transcripts metric.Int64Counter

	// Turns counts accepted conversation turns by guild.
	Turns metric.Int64Counter

	// BargeIns counts replies cancelled because a participant spoke over the
	// bot, by guild.
	BargeIns metric.Int64Counter

	// --- Error counters ---

	// PipelineErrors counts pipeline failures. Use with attributes:
	//   attribute.String("guild_id", ...), attribute.String("stage", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("gork.transcription.duration",
		metric.WithDescription("Latency from utterance close to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("gork.reply.latency",
		metric.WithDescription("Latency from turn acceptance to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtterancesClosed, err = m.Int64Counter("gork.utterances.closed",
		metric.WithDescription("Total utterances finished by silence detection, by guild."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("gork.transcripts",
		metric.WithDescription("Total transcript events by guild and kind (interim or final)."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("gork.turns",
		metric.WithDescription("Total accepted conversation turns by guild."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("gork.barge_ins",
		metric.WithDescription("Total replies cancelled by a participant speaking over the bot."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.PipelineErrors, err = m.Int64Counter("gork.pipeline.errors",
		metric.WithDescription("Total pipeline failures by guild and stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("gork.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("gork.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordUtteranceClosed records an utterance finished by silence detection.
func (m *Metrics) RecordUtteranceClosed(ctx context.Context, guildID string) {
	m.UtterancesClosed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("guild_id", guildID)),
	)
}

// RecordTranscript records a transcript event. kind is "interim" or "final".
func (m *Metrics) RecordTranscript(ctx context.Context, guildID, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("guild_id", guildID),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records an accepted conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, guildID string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("guild_id", guildID)),
	)
}

// RecordBargeIn records a reply cancelled by overlapping speech.
func (m *Metrics) RecordBargeIn(ctx context.Context, guildID string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("guild_id", guildID)),
	)
}

// RecordPipelineError records a pipeline failure at the given stage.
func (m *Metrics) RecordPipelineError(ctx context.Context, guildID, stage string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("guild_id", guildID),
			attribute.String("stage", stage),
		),
	)
}

// RecordReplyLatency records the time from turn acceptance to first audio.
func (m *Metrics) RecordReplyLatency(ctx context.Context, guildID string, d time.Duration) {
	m.ReplyLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("guild_id", guildID)),
	)
}
