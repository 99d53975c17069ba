package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/dbtest"
	"github.com/go-digitaltwin/go-physicaltwin/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, New(dbtest.SetupRedis(t)))
}

func TestKeyLayout(t *testing.T) {
	rdb := dbtest.SetupRedis(t)
	ctx := context.Background()
	store := New(rdb)
	twin := physicaltwin.Twin{TwinID: "braccio", ExecutionID: "1700000000"}

	if err := store.StartExecution(ctx, twin.ExecutionID); err != nil {
		t.Fatal(err)
	}
	cmd, err := store.EnqueueCommand(ctx, twin, "MOVE", "0 45 180 180 90 10")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkCommandDispatched(ctx, cmd, 3); err != nil {
		t.Fatal(err)
	}
	snapshot := physicaltwin.OutputSnapshot{
		Twin:          twin,
		Timestamp:     5,
		CurrentAngles: physicaltwin.ServoVector{0, 45.5, 180, 180, 90, 10},
		TargetAngles:  physicaltwin.ServoVector{0, 90, 180, 180, 90, 10},
		CurrentSpeeds: physicaltwin.ServoVector{0, 1.5, 0, 0, 0, 0},
		Moving:        true,
	}
	if err := store.AppendSnapshot(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	// Consumers of the data lake read these hashes directly.
	wantCommand := map[string]string{
		"twinId":        "braccio",
		"executionId":   "1700000000",
		"name":          "MOVE",
		"arguments":     "0 45 180 180 90 10",
		"commandId":     "1",
		"whenProcessed": "3",
	}
	gotCommand, err := rdb.HGetAll(ctx, "PTCommand:braccio:1700000000:1").Result()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantCommand, gotCommand); diff != "" {
		t.Errorf("command hash mismatch (-want +got):\n%s", diff)
	}

	wantSnapshot := map[string]string{
		"twinId":          "braccio",
		"executionId":     "1700000000",
		"timestamp":       "5",
		"moving":          "1",
		"currentAngles_1": "0", "currentAngles_2": "45.5", "currentAngles_3": "180",
		"currentAngles_4": "180", "currentAngles_5": "90", "currentAngles_6": "10",
		"targetAngles_1": "0", "targetAngles_2": "90", "targetAngles_3": "180",
		"targetAngles_4": "180", "targetAngles_5": "90", "targetAngles_6": "10",
		"currentSpeeds_1": "0", "currentSpeeds_2": "1.5", "currentSpeeds_3": "0",
		"currentSpeeds_4": "0", "currentSpeeds_5": "0", "currentSpeeds_6": "0",
	}
	gotSnapshot, err := rdb.HGetAll(ctx, "PTOutputSnapshot:braccio:1700000000:5").Result()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantSnapshot, gotSnapshot); diff != "" {
		t.Errorf("snapshot hash mismatch (-want +got):\n%s", diff)
	}

	for key, want := range map[string][]string{
		"PTCommand_UNPROCESSED":                       nil,
		"PTCommand_PROCESSED":                         {"PTCommand:braccio:1700000000:1"},
		"PTOutputSnapshot_PROCESSED":                  {"PTOutputSnapshot:braccio:1700000000:5"},
		"PTOutputSnapshot:braccio:1700000000_HISTORY": {"PTOutputSnapshot:braccio:1700000000:5"},
		"Time":                                        {"3", "5"},
	} {
		got, err := rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 0 {
			got = nil
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v members mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func TestTimelineChainRejectsForeignLinks(t *testing.T) {
	rdb := dbtest.SetupRedis(t)
	ctx := context.Background()
	store := New(rdb)
	for _, ts := range []int64{10, 20} {
		if err := store.EnsureTimelineNode(ctx, ts); err != nil {
			t.Fatal(err)
		}
	}
	// A link whose source is not a node of the timeline.
	if err := rdb.HSet(ctx, "Time_NEXT", "15", "20").Err(); err != nil {
		t.Fatal(err)
	}
	if chain, err := store.TimelineChain(ctx); !errors.Is(err, physicaltwin.ErrBrokenChain) {
		t.Errorf("TimelineChain() = %v, %v, want error %v", chain, err, physicaltwin.ErrBrokenChain)
	}
}
