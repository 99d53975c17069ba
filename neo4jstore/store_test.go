package neo4jstore

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/dbtest"
	"github.com/go-digitaltwin/go-physicaltwin/storetest"
)

func TestStore(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	if err := BootstrapSchema(context.Background(), d, "neo4j"); err != nil {
		t.Fatal("Failed to bootstrap schema:", err)
	}
	storetest.Run(t, New(d, "neo4j"))
}

func TestConcurrentTimelineInsertions(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapSchema(ctx, d, "neo4j"); err != nil {
		t.Fatal("Failed to bootstrap schema:", err)
	}
	store := New(d, "neo4j")

	// A narrow range makes workers race for the same timestamps and neighbours.
	var inserted []int64
	for range 120 {
		inserted = append(inserted, rand.Int64N(60))
	}
	g, ctx := errgroup.WithContext(ctx)
	for w := range 6 {
		g.Go(func() error {
			for i := w; i < len(inserted); i += 6 {
				if err := store.EnsureTimelineNode(ctx, inserted[i]); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("EnsureTimelineNode() failed: %v", err)
	}

	want := slices.Clone(inserted)
	slices.Sort(want)
	want = slices.Compact(want)
	got, err := store.TimelineChain(context.Background())
	if err != nil {
		t.Fatalf("TimelineChain() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chain after inserting %v mismatch (-want +got):\n%s", inserted, diff)
	}
}

func TestMarkCommandDispatchedRollsBack(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapSchema(ctx, d, "neo4j"); err != nil {
		t.Fatal("Failed to bootstrap schema:", err)
	}
	store := New(d, "neo4j")
	if err := store.StartExecution(ctx, "exec"); err != nil {
		t.Fatal(err)
	}

	// The command was never enqueued, so nothing may reach the timeline.
	ghost := physicaltwin.Command{ID: 7, Twin: physicaltwin.Twin{TwinID: "braccio", ExecutionID: "exec"}, Name: "HOME"}
	if err := store.MarkCommandDispatched(ctx, ghost, 99); err == nil {
		t.Fatal("MarkCommandDispatched() of an unknown command succeeded")
	}
	chain, err := store.TimelineChain(ctx)
	if err != nil {
		t.Fatalf("TimelineChain() failed: %v", err)
	}
	if len(chain) != 0 {
		t.Errorf("TimelineChain() = %v, want an empty timeline", chain)
	}
}

// quietDevice accepts every command and never reports anything.
type quietDevice struct {
	written []string
}

func (d *quietDevice) ReadLine(context.Context) (string, error) {
	return "", physicaltwin.ErrReadTimeout
}

func (d *quietDevice) WriteLine(_ context.Context, line string) error {
	d.written = append(d.written, line)
	return nil
}

func (d *quietDevice) Flush(context.Context) error { return nil }

// Commands are written by producers outside this module, so the queue may hold
// nodes of any shape. None of them may bring the engine down.
func TestTickWithProducerWrittenCommands(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()
	if err := BootstrapSchema(ctx, d, "neo4j"); err != nil {
		t.Fatal("Failed to bootstrap schema:", err)
	}
	store := New(d, "neo4j")
	if err := store.StartExecution(ctx, "exec"); err != nil {
		t.Fatal(err)
	}
	produce := func(t *testing.T, query string) {
		t.Helper()
		session := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
		defer func() { _ = session.Close(ctx) }()
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, query, nil)
			return nil, err
		})
		if err != nil {
			t.Fatal("Failed to queue command:", err)
		}
	}

	twin := physicaltwin.Twin{TwinID: "braccio", ExecutionID: "exec"}
	dev := new(quietDevice)
	e, err := physicaltwin.NewEngine(ctx, twin, dev, store)
	if err != nil {
		t.Fatal(err)
	}

	// A command without arguments has empty arguments.
	produce(t, `CREATE (:Command:Pending {executionId: 'exec', twinId: 'braccio', commandId: 1, name: 'HOME'})`)
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("Tick() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"COM HOME"}, dev.written); diff != "" {
		t.Errorf("device lines mismatch (-want +got):\n%s", diff)
	}
	if err := e.Observe(ctx, "RET ok"); err != nil {
		t.Fatalf("Observe() failed: %v", err)
	}

	// Arguments that are not a string fail the tick, and only the tick.
	produce(t, `CREATE (:Command:Pending {executionId: 'exec', twinId: 'braccio', commandId: 2, name: 'MOVE', arguments: 90})`)
	for range 2 {
		if err := e.Tick(ctx); !errors.Is(err, physicaltwin.ErrMalformedCommand) {
			t.Fatalf("Tick() error = %v, want %v", err, physicaltwin.ErrMalformedCommand)
		}
	}
	if c, ok := e.InFlight(); ok {
		t.Errorf("InFlight() = %v after a malformed command, want none", c)
	}
	if len(dev.written) != 1 {
		t.Errorf("device received %q, want only the first command", dev.written)
	}
}
