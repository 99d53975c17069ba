package physicaltwin

import (
	"context"
	"errors"
	"fmt"
)

// An EventStore is the part of the data lake the Engine operates on.
//
// Implementations must be safe for concurrent use: the dispatcher and the
// ingestor call them from different goroutines.
type EventStore interface {
	// FindNextCommand returns the oldest pending command addressed to the given
	// twin. The boolean is false when there is none.
	FindNextCommand(ctx context.Context, twin Twin) (Command, bool, error)
	// MarkCommandDispatched atomically moves the command from the pending to the
	// dispatched set, stamps it with the given timestamp and attaches it to the
	// timeline. It returns ErrCommandNotPending if the command was not pending.
	MarkCommandDispatched(ctx context.Context, cmd Command, timestamp int64) error
	// AppendSnapshot records the snapshot and attaches it to the timeline.
	AppendSnapshot(ctx context.Context, s OutputSnapshot) error
	// AppendCommandResult records the result, links it to its command and
	// attaches it to the timeline. A result is either recorded entirely or not
	// at all.
	AppendCommandResult(ctx context.Context, r CommandResult) error
	// EnsureTimelineNode makes sure a single timeline node exists for the given
	// timestamp and that it is linked between its chronological neighbours. It is
	// idempotent.
	EnsureTimelineNode(ctx context.Context, timestamp int64) error
	// SetClock mirrors the engine's logical clock.
	SetClock(ctx context.Context, value int64) error
	// Clock returns the last mirrored value of the logical clock.
	Clock(ctx context.Context) (int64, error)
	// RegisterRobot records the twin as the physical twin of its execution.
	RegisterRobot(ctx context.Context, twin Twin) error
	// ActiveExecutionID returns the identifier of the execution currently
	// running in the data lake, if any.
	ActiveExecutionID(ctx context.Context) (string, bool, error)
}

// A CommandQueue accepts commands from producers.
type CommandQueue interface {
	// EnqueueCommand allocates the next command identifier of the twin's
	// execution and appends the command to the pending set.
	EnqueueCommand(ctx context.Context, twin Twin, name, arguments string) (Command, error)
}

// A Reader queries what the engine has recorded.
type Reader interface {
	// TimelineChain returns the timestamps of the timeline, following its links
	// from the earliest node. It returns an error wrapping ErrBrokenChain if the
	// stored links do not form a single sorted chain.
	TimelineChain(ctx context.Context) ([]int64, error)
	// SnapshotsInRange returns the twin's snapshots whose timestamp is within
	// [from, to], in chronological order.
	SnapshotsInRange(ctx context.Context, twin Twin, from, to int64) ([]OutputSnapshot, error)
	// CommandResults returns the twin's results ordered by command identifier.
	CommandResults(ctx context.Context, twin Twin) ([]CommandResult, error)
	// Robots returns the twins registered as physical twins of the given
	// execution, ordered by twin identifier.
	Robots(ctx context.Context, executionID string) ([]Twin, error)
}

// A DataLake is a complete backend: what the engine needs, what producers and
// consumers use, and the ability to start a new execution.
type DataLake interface {
	EventStore
	CommandQueue
	Reader
	// StartExecution replaces the active execution with the given one. The clock
	// mirror and the command counter restart from zero.
	StartExecution(ctx context.Context, executionID string) error
}

var (
	// ErrTwinNotInitialized is returned when the data lake has no active
	// execution for the twin to join.
	ErrTwinNotInitialized = errors.New("digital twin not initialized")
	// ErrCommandNotPending is returned when marking a command that is not in the
	// pending set.
	ErrCommandNotPending = errors.New("command is not pending")
	// ErrExecutionNotActive is returned when enqueuing a command for a twin whose
	// execution is not the active one.
	ErrExecutionNotActive = errors.New("execution is not active")
)

// ResolveTwin establishes the identity of the physical twin: the given twin
// identifier within the execution currently active in the store. It fails with
// ErrTwinNotInitialized when there is no active execution, so callers can give
// up before opening the device.
func ResolveTwin(ctx context.Context, store EventStore, twinID string) (Twin, error) {
	if twinID == "" {
		return Twin{}, errors.New("empty twin id")
	}
	executionID, ok, err := store.ActiveExecutionID(ctx)
	if err != nil {
		return Twin{}, fmt.Errorf("find active execution: %w", err)
	}
	if !ok {
		return Twin{}, ErrTwinNotInitialized
	}
	return Twin{TwinID: twinID, ExecutionID: executionID}, nil
}
