package physicaltwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is how often the dispatcher polls the store for the next
// command.
const DefaultPollInterval = 100 * time.Millisecond

// An Engine synchronizes a physical twin with its data lake. It runs two loops
// sharing the logical clock, the in-flight command slot and the quit flag:
//
//   - the dispatcher hands queued commands to the device, one at a time;
//   - the ingestor records what the device reports: snapshots and results.
//
// Create an Engine with NewEngine and run it with Run. The caller owns the
// Channel and closes it once Run returns.
type Engine struct {
	twin    Twin
	channel Channel
	store   EventStore

	pollInterval time.Duration
	notifier     *Notifier

	state sharedState
}

// An EngineOption customizes an Engine created by NewEngine.
type EngineOption func(*Engine)

// WithPollInterval sets the dispatcher polling interval. Non-positive values
// are ignored.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithNotifier publishes an Event for every command dispatched and every
// observation recorded by the engine.
func WithNotifier(n *Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// NewEngine returns an Engine bound to the given twin, device channel and store.
//
// It registers the twin as the physical twin of its execution, and resumes the
// logical clock from the value last mirrored to the store. Use ResolveTwin to
// establish the twin beforehand.
func NewEngine(ctx context.Context, twin Twin, ch Channel, store EventStore, opts ...EngineOption) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "physicaltwin.NewEngine", trace.WithAttributes(
		attribute.String("twin.id", twin.TwinID),
		attribute.String("twin.execution", twin.ExecutionID),
	))
	defer span.End()

	e := &Engine{
		twin:         twin,
		channel:      ch,
		store:        store,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state.mirror = store

	if err := store.RegisterRobot(ctx, twin); err != nil {
		return nil, fmt.Errorf("register robot: %w", err)
	}
	last, err := store.Clock(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore clock: %w", err)
	}
	if _, err := e.state.Advance(ctx, max(last, 0)); err != nil {
		return nil, fmt.Errorf("mirror clock: %w", err)
	}
	return e, nil
}

// Twin returns the identity of the physical twin the engine drives.
func (e *Engine) Twin() Twin { return e.twin }

// Now returns the current value of the logical clock.
func (e *Engine) Now() int64 { return e.state.Now() }

// InFlight returns the command awaiting a device result, if any.
func (e *Engine) InFlight() (Command, bool) { return e.state.InFlight() }

// Quit asks both loops to stop. Each finishes its current iteration first.
func (e *Engine) Quit() { e.state.Quit() }

// Quitting reports whether the engine was asked to stop.
func (e *Engine) Quitting() bool { return e.state.Quitting() }

// Run runs the dispatcher and the ingestor concurrently until the engine quits,
// either because Quit was called, the device disconnected, or ctx is done. It
// returns nil on a graceful quit.
func (e *Engine) Run(ctx context.Context) error {
	logger := component.Logger(ctx).With(
		slog.String("twin.id", e.twin.TwinID),
		slog.String("twin.execution", e.twin.ExecutionID),
	)
	ctx = component.InjectLogger(ctx, logger)

	// Cancelling ctx is just another way of asking to quit. The channel read is
	// bounded, so the ingestor notices within one read timeout.
	stop := context.AfterFunc(ctx, e.Quit)
	defer stop()

	logger.Info("Starting physical twin engine", slog.Int64("clock", e.Now()))
	g := new(errgroup.Group)
	g.Go(func() error { return e.dispatch(ctx) })
	g.Go(func() error { return e.ingest(ctx) })
	err := g.Wait()
	if err != nil {
		logger.Error("Physical twin engine stopped", slog.Any("error", err))
		return err
	}
	logger.Info("Physical twin engine stopped", slog.Int64("clock", e.Now()))
	return nil
}

// advance moves the logical clock to max(now, candidate) and returns its value.
func (e *Engine) advance(ctx context.Context, candidate int64) (int64, error) {
	now, err := e.state.Advance(ctx, candidate)
	if err != nil {
		return now, fmt.Errorf("set clock: %w", err)
	}
	return now, nil
}

// notify publishes an event about something the engine just recorded. Failing
// to notify does not undo the recording, so the error is only logged.
func (e *Engine) notify(ctx context.Context, ev Event) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		component.Logger(ctx).Warn("Failed to notify event",
			slog.String("kind", ev.Kind.String()),
			slog.Any("error", err),
		)
	}
}
