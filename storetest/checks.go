package storetest

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// A check is any function that returns unexpected problems with the given data
// lake.
type check func(context.Context, physicaltwin.DataLake) (problem string)

// Checks the execution the data lake reports as active. An empty id means no
// execution is active.
func activeExecution(id string) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, ok, err := lake.ActiveExecutionID(ctx)
		if err != nil {
			return fmt.Sprintf("ActiveExecutionID() failed: %v", err)
		}
		if ok != (id != "") || got != id {
			return fmt.Sprintf("ActiveExecutionID() = %q, %v, want %q, %v", got, ok, id, id != "")
		}
		return ""
	}
}

// Checks the mirrored value of the logical clock.
func clock(want int64) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, err := lake.Clock(ctx)
		if err != nil {
			return fmt.Sprintf("Clock() failed: %v", err)
		}
		if got != want {
			return fmt.Sprintf("Clock() = %v, want %v", got, want)
		}
		return ""
	}
}

// Checks the pending command the data lake hands to the given twin next.
func nextCommand(twin physicaltwin.Twin, want physicaltwin.Command) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, ok, err := lake.FindNextCommand(ctx, twin)
		if err != nil {
			return fmt.Sprintf("FindNextCommand(%v) failed: %v", twin, err)
		}
		if !ok {
			return fmt.Sprintf("FindNextCommand(%v) found nothing, want %v", twin, want)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			return fmt.Sprintf("FindNextCommand(%v) mismatch (-want +got):\n%v", twin, diff)
		}
		return ""
	}
}

// Checks the timeline is a single chain over exactly the given timestamps.
func timeline(want ...int64) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, err := lake.TimelineChain(ctx)
		if err != nil {
			return fmt.Sprintf("TimelineChain() failed: %v", err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			return fmt.Sprintf("TimelineChain() mismatch (-want +got):\n%v", diff)
		}
		return ""
	}
}

// Checks the snapshots of the twin within [from, to].
func snapshots(twin physicaltwin.Twin, from, to int64, want ...physicaltwin.OutputSnapshot) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, err := lake.SnapshotsInRange(ctx, twin, from, to)
		if err != nil {
			return fmt.Sprintf("SnapshotsInRange(%v, %v, %v) failed: %v", twin, from, to, err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			return fmt.Sprintf("SnapshotsInRange(%v, %v, %v) mismatch (-want +got):\n%v", twin, from, to, diff)
		}
		return ""
	}
}

// Checks the command results of the twin.
func results(twin physicaltwin.Twin, want ...physicaltwin.CommandResult) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, err := lake.CommandResults(ctx, twin)
		if err != nil {
			return fmt.Sprintf("CommandResults(%v) failed: %v", twin, err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			return fmt.Sprintf("CommandResults(%v) mismatch (-want +got):\n%v", twin, diff)
		}
		return ""
	}
}

// Checks the physical twins registered for the execution.
func robots(executionID string, want ...physicaltwin.Twin) check {
	return func(ctx context.Context, lake physicaltwin.DataLake) string {
		got, err := lake.Robots(ctx, executionID)
		if err != nil {
			return fmt.Sprintf("Robots(%q) failed: %v", executionID, err)
		}
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			return fmt.Sprintf("Robots(%q) mismatch (-want +got):\n%v", executionID, diff)
		}
		return ""
	}
}
