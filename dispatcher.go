package physicaltwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dispatch is the command loop. It ticks at a fixed interval until the engine
// quits; a failed tick is logged and the loop carries on with the next one.
func (e *Engine) dispatch(ctx context.Context) error {
	logger := component.Logger(ctx).With(slog.String("loop", "dispatcher"))
	ctx = component.InjectLogger(ctx, logger)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for !e.Quitting() {
		if err := e.Tick(ctx); err != nil {
			countTickFailure(ctx)
			logger.Warn("Failed to dispatch command", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			e.Quit()
		case <-ticker.C:
		}
	}
	logger.Debug("Dispatcher stopped")
	return nil
}

// Tick runs one iteration of the dispatcher: unless a command is already in
// flight, it hands the oldest pending command of the twin to the device.
//
// The in-flight slot is claimed before the command is written, so a result the
// device sends back immediately is attributed to it. If the write fails the
// slot is released and the command stays pending for the next tick.
func (e *Engine) Tick(ctx context.Context) (err error) {
	if _, busy := e.state.InFlight(); busy {
		return nil
	}

	ctx, span := tracer.Start(ctx, "physicaltwin.Tick", trace.WithAttributes(
		attribute.String("twin.id", e.twin.TwinID),
		attribute.String("twin.execution", e.twin.ExecutionID),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	logger := component.Logger(ctx)

	cmd, found, err := e.store.FindNextCommand(ctx, e.twin)
	if err != nil {
		return fmt.Errorf("find next command: %w", err)
	}
	if !found {
		return nil
	}
	if cmd.Twin != e.twin {
		// Not ours: whoever drives that twin will pick it up.
		logger.Debug("Skipping command of another twin", slog.Any("command", cmd))
		return nil
	}
	span.SetAttributes(attribute.Int64("command.id", cmd.ID))

	line, err := FormatCommand(cmd)
	if err != nil {
		return err
	}
	cmd.WhenProcessed = e.Now()
	if !e.state.Claim(cmd) {
		// Only the dispatcher claims the slot, so this cannot happen unless two
		// loops dispatch for the same engine.
		return errors.New("in-flight slot claimed concurrently")
	}
	if err := e.channel.WriteLine(ctx, line); err != nil {
		e.state.Release()
		return fmt.Errorf("write command %d: %w", cmd.ID, err)
	}
	logger.Info("Command dispatched",
		slog.Int64("command.id", cmd.ID),
		slog.String("command.line", line),
		slog.Int64("timestamp", cmd.WhenProcessed),
	)

	// The device already has the command, so the slot stays claimed even if the
	// store cannot record the dispatch; the result releases it.
	start := time.Now()
	err = e.store.MarkCommandDispatched(ctx, cmd, cmd.WhenProcessed)
	measurePersistence(ctx, kindDispatched, err == nil, time.Since(start))
	if err != nil {
		// Still pending in the store: it is sent again once the slot frees.
		logger.Error("Command sent but not marked dispatched",
			slog.Int64("command.id", cmd.ID),
			slog.Any("error", err),
		)
		return fmt.Errorf("mark command %d dispatched: %w", cmd.ID, err)
	}
	countDispatched(ctx)
	e.notify(ctx, newEvent(EventDispatched, e.twin, cmd.WhenProcessed, cmd.ID))
	return nil
}
