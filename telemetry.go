package physicaltwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-physicaltwin")
var meter = otel.Meter("github.com/go-digitaltwin/go-physicaltwin")

const (
	// eventKindKey is the attribute key associating each record with the kind of
	// event being persisted.
	eventKindKey = "event.kind"
	// discardReasonKey is the attribute key associating each discarded line with
	// the reason it was discarded.
	discardReasonKey = "discard.reason"
	// persistSucceededKey tells successful persistence records from failed ones.
	persistSucceededKey = "succeeded"
)

// Values of eventKindKey.
const (
	kindDispatched = "dispatched"
	kindSnapshot   = "snapshot"
	kindResult     = "result"
)

// Values of discardReasonKey.
const (
	discardUnknown     = "unknown"
	discardMalformed   = "malformed"
	discardUnsolicited = "unsolicited"
)

var (
	// dispatchedCommands counts the commands handed to the device.
	dispatchedCommands metric.Int64Counter
	// recordedObservations counts the snapshots and results recorded in the
	// store. Each record is associated with the eventKindKey.
	recordedObservations metric.Int64Counter
	// discardedLines counts the device lines the ingestor did not record. Each
	// record is associated with the discardReasonKey.
	discardedLines metric.Int64Counter
	// tickFailures counts the dispatcher ticks that ended with an error.
	tickFailures metric.Int64Counter
	// persistDuration measures how long the store took to persist a single
	// event, including its timeline node.
	persistDuration metric.Float64Histogram
)

func init() {
	var err error
	dispatchedCommands, err = meter.Int64Counter(
		"physicaltwin.commands.dispatched",
		metric.WithDescription("The number of commands handed to the device."),
	)
	if err != nil {
		panic("physicaltwin: failed to init 'physicaltwin.commands.dispatched' instrument")
	}

	recordedObservations, err = meter.Int64Counter(
		"physicaltwin.observations.recorded",
		metric.WithDescription("The number of device observations recorded in the data lake."),
	)
	if err != nil {
		panic("physicaltwin: failed to init 'physicaltwin.observations.recorded' instrument")
	}

	discardedLines, err = meter.Int64Counter(
		"physicaltwin.lines.discarded",
		metric.WithDescription("The number of device lines that were not recorded."),
	)
	if err != nil {
		panic("physicaltwin: failed to init 'physicaltwin.lines.discarded' instrument")
	}

	tickFailures, err = meter.Int64Counter(
		"physicaltwin.dispatcher.failures",
		metric.WithDescription("The number of dispatcher ticks that have failed."),
	)
	if err != nil {
		panic("physicaltwin: failed to init 'physicaltwin.dispatcher.failures' instrument")
	}

	persistDuration, err = meter.Float64Histogram(
		"physicaltwin.persist.duration",
		metric.WithDescription("The duration of persisting a single event in the data lake, including its timeline node."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("physicaltwin: failed to init 'physicaltwin.persist.duration' instrument")
	}
}

func countDispatched(ctx context.Context) {
	dispatchedCommands.Add(ctx, 1)
}

func countObservation(ctx context.Context, kind string) {
	attrs := attribute.NewSet(attribute.String(eventKindKey, kind))
	recordedObservations.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

func countDiscarded(ctx context.Context, reason string) {
	attrs := attribute.NewSet(attribute.String(discardReasonKey, reason))
	discardedLines.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

func countTickFailure(ctx context.Context) {
	tickFailures.Add(ctx, 1)
}

// measurePersistence records how long persisting an event of the given kind
// took. Failed attempts are recorded too, labelled apart.
//
// According to [metric] documentation, [metric.WithAttributeSet] should be used
// instead of [metric.WithAttributes] for performance optimization.
func measurePersistence(ctx context.Context, kind string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String(eventKindKey, kind),
		attribute.Bool(persistSucceededKey, succeeded),
	)
	// Floating-point division keeps sub-millisecond precision.
	persistDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
