/*
Package storetest provides a suite of tests designed to assess data lake
backends of a physical twin (e.g. in-memory, neo4j, redis).

The tests operate on the specific backend via the [physicaltwin.DataLake]
interface to check functional correctness and compliance with the behaviours
defined by its constituent interfaces.

Call storetest.Run in its own test to invoke the test-suite:

	func TestStore(t *testing.T) {
		// Create a new, empty, backend.
		lake := memstore.New()
		storetest.Run(t, lake)
	}

The test cases in this suite focus on what the engine relies on:

  - Starting executions and resolving the physical twin.
  - Queueing, finding and dispatching commands in priority order.
  - Recording snapshots and results.
  - Maintaining a single sorted timeline chain, whatever the insertion order.

So, specific backends are encouraged to perform additional tests which are
specific to the underlying store.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// The twins every test-case operates on. They share an execution, so their
// commands share a queue and a command counter.
var (
	braccio = physicaltwin.Twin{TwinID: "braccio", ExecutionID: "exec-1"}
	other   = physicaltwin.Twin{TwinID: "other", ExecutionID: "exec-1"}
	// A twin of the execution started by the last test-case.
	rerun = physicaltwin.Twin{TwinID: "braccio", ExecutionID: "exec-2"}
)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	// An operation executes a modification on the tested data lake.
	operation func(ctx context.Context, lake physicaltwin.DataLake) error
	// A list of checks to run on the data lake after the operation succeeded.
	// They take into account the order and the successful execution of previous
	// test-cases.
	checks []check
}

var cases = []testCase{
	{
		name:     "no-active-execution",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			_, err := physicaltwin.ResolveTwin(ctx, lake, braccio.TwinID)
			if !errors.Is(err, physicaltwin.ErrTwinNotInitialized) {
				return fmt.Errorf("ResolveTwin() error = %v, want %v", err, physicaltwin.ErrTwinNotInitialized)
			}
			_, err = lake.EnqueueCommand(ctx, braccio, "HOME", "")
			if !errors.Is(err, physicaltwin.ErrExecutionNotActive) {
				return fmt.Errorf("EnqueueCommand() error = %v, want %v", err, physicaltwin.ErrExecutionNotActive)
			}
			return nil
		},
		checks: []check{
			activeExecution(""),
			timeline(),
		},
	},
	{
		name:     "start-execution",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			if err := lake.StartExecution(ctx, braccio.ExecutionID); err != nil {
				return err
			}
			twin, err := physicaltwin.ResolveTwin(ctx, lake, braccio.TwinID)
			if err != nil {
				return err
			}
			if twin != braccio {
				return fmt.Errorf("ResolveTwin() = %v, want %v", twin, braccio)
			}
			return nil
		},
		checks: []check{
			activeExecution(braccio.ExecutionID),
			clock(0),
		},
	},
	{
		name:     "register-robot-twice",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			if err := lake.RegisterRobot(ctx, braccio); err != nil {
				return err
			}
			return lake.RegisterRobot(ctx, braccio)
		},
		checks: []check{
			robots(braccio.ExecutionID, braccio),
		},
	},
	{
		name:     "mirror-clock",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			if err := lake.SetClock(ctx, 42); err != nil {
				return err
			}
			// The store mirrors whatever the engine tells it.
			return lake.SetClock(ctx, 7)
		},
		checks: []check{
			clock(7),
		},
	},
	{
		name:     "enqueue-commands",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			return enqueue(ctx, lake,
				command{other, "MOVE", "90 90 90 90 90 73"},
				command{braccio, "HOME", ""},
				command{braccio, "MOVE", "0 45 180 180 90 10"},
			)
		},
		checks: []check{
			nextCommand(other, physicaltwin.Command{ID: 1, Twin: other, Name: "MOVE", Arguments: "90 90 90 90 90 73"}),
			nextCommand(braccio, physicaltwin.Command{ID: 2, Twin: braccio, Name: "HOME"}),
		},
	},
	{
		name:     "dispatch-command",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			cmd := physicaltwin.Command{ID: 2, Twin: braccio, Name: "HOME"}
			if err := lake.MarkCommandDispatched(ctx, cmd, 10); err != nil {
				return err
			}
			err := lake.MarkCommandDispatched(ctx, cmd, 11)
			if !errors.Is(err, physicaltwin.ErrCommandNotPending) {
				return fmt.Errorf("second MarkCommandDispatched() error = %v, want %v", err, physicaltwin.ErrCommandNotPending)
			}
			return nil
		},
		checks: []check{
			nextCommand(braccio, physicaltwin.Command{ID: 3, Twin: braccio, Name: "MOVE", Arguments: "0 45 180 180 90 10"}),
			nextCommand(other, physicaltwin.Command{ID: 1, Twin: other, Name: "MOVE", Arguments: "90 90 90 90 90 73"}),
			timeline(10),
		},
	},
	{
		name:     "append-snapshots-out-of-order",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			for _, s := range []physicaltwin.OutputSnapshot{snapshot30, snapshot20, snapshot20} {
				if err := lake.AppendSnapshot(ctx, s); err != nil {
					return err
				}
			}
			return nil
		},
		checks: []check{
			timeline(10, 20, 30),
			snapshots(braccio, 15, 30, snapshot20, snapshot30),
			snapshots(braccio, 21, 29),
			snapshots(other, 0, 100),
		},
	},
	{
		name:     "append-command-result",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			return lake.AppendCommandResult(ctx, result2)
		},
		checks: []check{
			timeline(10, 20, 25, 30),
			results(braccio, result2),
			results(other),
		},
	},
	{
		name:     "ensure-timeline-nodes",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			for _, ts := range []int64{40, 5, 25, 25, 40, 27} {
				if err := lake.EnsureTimelineNode(ctx, ts); err != nil {
					return err
				}
			}
			return nil
		},
		checks: []check{
			timeline(5, 10, 20, 25, 27, 30, 40),
		},
	},
	{
		name:     "start-new-execution",
		location: locateSource(),
		operation: func(ctx context.Context, lake physicaltwin.DataLake) error {
			if err := lake.StartExecution(ctx, rerun.ExecutionID); err != nil {
				return err
			}
			_, err := lake.EnqueueCommand(ctx, braccio, "HOME", "")
			if !errors.Is(err, physicaltwin.ErrExecutionNotActive) {
				return fmt.Errorf("EnqueueCommand(%v) error = %v, want %v", braccio, err, physicaltwin.ErrExecutionNotActive)
			}
			return enqueue(ctx, lake, command{rerun, "HOME", ""})
		},
		checks: []check{
			activeExecution(rerun.ExecutionID),
			clock(0),
			// The counter restarts with the execution.
			nextCommand(rerun, physicaltwin.Command{ID: 1, Twin: rerun, Name: "HOME"}),
			robots(rerun.ExecutionID),
			// Events recorded by previous executions stay on the timeline.
			timeline(5, 10, 20, 25, 27, 30, 40),
		},
	},
}

var (
	snapshot20 = physicaltwin.OutputSnapshot{
		Twin:          braccio,
		Timestamp:     20,
		CurrentAngles: physicaltwin.ServoVector{0, 45, 180, 180, 90, 10},
		TargetAngles:  physicaltwin.ServoVector{0, 45, 180, 180, 90, 10},
		CurrentSpeeds: physicaltwin.ServoVector{},
	}
	snapshot30 = physicaltwin.OutputSnapshot{
		Twin:          braccio,
		Timestamp:     30,
		CurrentAngles: physicaltwin.ServoVector{10, 50.5, 170, 180, 90, 10},
		TargetAngles:  physicaltwin.ServoVector{90, 90, 90, 90, 90, 73},
		CurrentSpeeds: physicaltwin.ServoVector{0, 0, 1.5, 0, 0, 0},
		Moving:        true,
	}
	result2 = physicaltwin.CommandResult{
		Twin:             braccio,
		CommandID:        2,
		CommandName:      "HOME",
		CommandTimestamp: 10,
		Timestamp:        25,
		Return:           "ok",
	}
)

// Run runs the test-suite against an empty data lake. Test-cases run in order,
// on the same data lake, and stop at the first failed operation.
func Run(t *testing.T, lake physicaltwin.DataLake) {
	t.Helper()

	// Backends should not depend on specific context values.
	ctx := context.Background()

	// Each case's checks depend on the previous operations, so a test case cannot
	// run if the previous case had failed.
	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		if err := c.operation(ctx, lake); err != nil {
			t.Fatalf("Operation of %v failed: %v", c.name, err)
		}
		for _, check := range c.checks {
			if problem := check(ctx, lake); problem != "" {
				t.Errorf("Check of %v: %v", c.name, problem)
			}
		}
	}
}

type command struct {
	twin            physicaltwin.Twin
	name, arguments string
}

func enqueue(ctx context.Context, lake physicaltwin.DataLake, commands ...command) error {
	for _, c := range commands {
		if _, err := lake.EnqueueCommand(ctx, c.twin, c.name, c.arguments); err != nil {
			return fmt.Errorf("enqueue %v: %w", c.name, err)
		}
	}
	return nil
}

// Call this function to set the location of every test-case in the source file.
// The returned string is used to guide developers of backends to the
// appropriate test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
