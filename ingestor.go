package physicaltwin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoCommandInFlight is wrapped by errors reporting a device result that
// arrived while no command was awaiting one.
var ErrNoCommandInFlight = errors.New("no command in flight")

// ingest is the observation loop. It drains stale device output, then records
// every line the device sends until the engine quits or the device disconnects.
func (e *Engine) ingest(ctx context.Context) error {
	logger := component.Logger(ctx).With(slog.String("loop", "ingestor"))
	ctx = component.InjectLogger(ctx, logger)

	if err := e.channel.Flush(ctx); err != nil {
		e.Quit()
		return fmt.Errorf("flush device: %w", err)
	}

	for !e.Quitting() {
		line, err := e.channel.ReadLine(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrReadTimeout):
			continue
		case errors.Is(err, io.EOF):
			logger.Info("Device disconnected")
			e.Quit()
			return nil
		case ctx.Err() != nil:
			e.Quit()
			return nil
		default:
			e.Quit()
			return fmt.Errorf("read device: %w", err)
		}

		if err := e.Observe(ctx, line); err != nil {
			logger.Warn("Failed to record device line",
				slog.String("line", line),
				slog.Any("error", err),
			)
		}
	}
	logger.Debug("Ingestor stopped")
	return nil
}

// Observe records a single line received from the device. Snapshots advance
// the logical clock and are appended to the store. Results are attributed to
// the command in flight, which is then released. Any other line is logged and
// discarded.
//
// Observe returns an error when the line is malformed, when a result arrives
// with no command in flight (ErrNoCommandInFlight), or when the store fails to
// record the observation. In all these cases nothing is recorded.
func (e *Engine) Observe(ctx context.Context, line string) error {
	kind, payload := ClassifyLine(line)
	switch kind {
	case SnapshotLine:
		return e.recordSnapshot(ctx, payload)
	case ResultLine:
		return e.recordResult(ctx, payload)
	}

	logger := component.Logger(ctx)
	if strings.TrimSpace(line) == "" {
		logger.Debug("Ignoring empty device line")
		return nil
	}
	countDiscarded(ctx, discardUnknown)
	logger.Warn("Ignoring unrecognized device line", slog.String("line", line))
	return nil
}

func (e *Engine) recordSnapshot(ctx context.Context, payload string) (err error) {
	s, err := ParseSnapshot(e.twin, payload)
	if err != nil {
		countDiscarded(ctx, discardMalformed)
		return err
	}

	ctx, span := tracer.Start(ctx, "physicaltwin.recordSnapshot", trace.WithAttributes(
		attribute.Int64("snapshot.timestamp", s.Timestamp),
	))
	defer span.End()
	defer func(start time.Time) {
		measurePersistence(ctx, kindSnapshot, err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	if _, err := e.advance(ctx, s.Timestamp); err != nil {
		return err
	}
	if err := e.store.AppendSnapshot(ctx, s); err != nil {
		return fmt.Errorf("append snapshot %d: %w", s.Timestamp, err)
	}
	countObservation(ctx, kindSnapshot)
	component.Logger(ctx).Debug("Snapshot recorded",
		slog.Int64("timestamp", s.Timestamp),
		slog.Bool("moving", s.Moving),
	)
	e.notify(ctx, newEvent(EventSnapshot, e.twin, s.Timestamp, 0))
	return nil
}

func (e *Engine) recordResult(ctx context.Context, payload string) (err error) {
	cmd, ok := e.state.InFlight()
	if !ok {
		countDiscarded(ctx, discardUnsolicited)
		return fmt.Errorf("%w: result %q", ErrNoCommandInFlight, payload)
	}
	// The device will not answer the command again, so the slot is released even
	// if the result cannot be recorded.
	defer e.state.Release()

	r := newCommandResult(cmd, payload, e.Now())
	ctx, span := tracer.Start(ctx, "physicaltwin.recordResult", trace.WithAttributes(
		attribute.Int64("command.id", r.CommandID),
		attribute.Int64("result.timestamp", r.Timestamp),
	))
	defer span.End()
	defer func(start time.Time) {
		measurePersistence(ctx, kindResult, err == nil, time.Since(start))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}(time.Now())

	if err := e.store.AppendCommandResult(ctx, r); err != nil {
		return fmt.Errorf("append result of command %d: %w", r.CommandID, err)
	}
	countObservation(ctx, kindResult)
	component.Logger(ctx).Info("Command result recorded",
		slog.Int64("command.id", r.CommandID),
		slog.String("return", r.Return),
		slog.Int64("timestamp", r.Timestamp),
	)
	e.notify(ctx, newEvent(EventResult, e.twin, r.Timestamp, r.CommandID))
	return nil
}
