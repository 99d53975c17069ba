package neo4jstore

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/dbtest"
)

func TestRelinkTimeline(t *testing.T) {
	d := dbtest.SetupNeo4j(t)
	ctx := context.Background()

	// A timeline as older drivers wrote it: 20 was inserted between 10 and 30 by
	// linking 10 to it twice, and 30 exists twice with an event on each copy.
	session := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: "neo4j"})
	defer func() { _ = session.Close(ctx) }()
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			CREATE (t10:Time {timestamp: 10})
			CREATE (t20:Time {timestamp: 20})
			CREATE (t30a:Time {timestamp: 30})
			CREATE (t30b:Time {timestamp: 30})
			CREATE (t10)-[:NEXT]->(t20)
			CREATE (t10)-[:NEXT]->(t20)
			CREATE (t10)-[:NEXT]->(t30a)
			CREATE (:OutputSnapshot {twinId: 'braccio', executionId: 'exec', timestamp: 30})-[:AT]->(t30a)
			CREATE (:CommandResult {twinId: 'braccio', executionId: 'exec', commandId: 1, timestamp: 30})-[:AT]->(t30b)
		`, nil)
		return nil, err
	})
	if err != nil {
		t.Fatal("Failed to seed the legacy timeline:", err)
	}

	store := New(d, "neo4j")
	if _, err := store.TimelineChain(ctx); !errors.Is(err, physicaltwin.ErrBrokenChain) {
		t.Fatalf("TimelineChain() of the legacy timeline error = %v, want %v", err, physicaltwin.ErrBrokenChain)
	}

	for i, want := range []RelinkStats{
		{Merged: 1, Links: 2},
		// Nothing left to merge the second time.
		{Merged: 0, Links: 2},
	} {
		got, err := RelinkTimeline(ctx, d, "neo4j")
		if err != nil {
			t.Fatalf("RelinkTimeline() #%d failed: %v", i+1, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("RelinkTimeline() #%d mismatch (-want +got):\n%s", i+1, diff)
		}
	}

	chain, err := store.TimelineChain(ctx)
	if err != nil {
		t.Fatalf("TimelineChain() failed: %v", err)
	}
	if diff := cmp.Diff([]int64{10, 20, 30}, chain); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}

	// Both events now point at the surviving node.
	result, err := session.Run(ctx, `
		MATCH (event)-[:AT]->(:Time {timestamp: 30})
		RETURN count(event) AS count
	`, nil)
	if err != nil {
		t.Fatal("Failed to count events:", err)
	}
	events, err := singleCount(ctx, result)
	if err != nil {
		t.Fatal("Failed to count events:", err)
	}
	if events != 2 {
		t.Errorf("%d events point at timestamp 30, want 2", events)
	}

	// The repaired graph satisfies the schema.
	if err := BootstrapSchema(ctx, d, "neo4j"); err != nil {
		t.Errorf("BootstrapSchema() after relinking failed: %v", err)
	}
}
