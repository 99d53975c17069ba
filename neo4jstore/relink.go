package neo4jstore

import (
	"context"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// RelinkStats summarises a RelinkTimeline run.
type RelinkStats struct {
	Merged int64 // Duplicate Time nodes folded into the surviving node of their timestamp.
	Links  int64 // NEXT relationships of the rebuilt chain.
}

// RelinkTimeline rebuilds the timeline of the database from its Time nodes: it
// merges Time nodes sharing a timestamp (moving the events pointing at them),
// drops every NEXT relationship, and links the remaining nodes in chronological
// order.
//
// Earlier drivers created the Time nodes without a uniqueness constraint, and
// linked a node inserted mid-chain to its predecessor twice instead of to its
// successor. Graphs they wrote fail to bootstrap and report a broken chain.
// RelinkTimeline repairs both; it is idempotent, and harmless on a healthy
// timeline.
func RelinkTimeline(ctx context.Context, d neo4j.DriverWithContext, name string) (RelinkStats, error) {
	ctx, span := tracer.Start(ctx, "RelinkTimeline")
	defer span.End()
	logger := component.Logger(ctx).With("neo4j.database", name)

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name, AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := s.Close(ctx); err != nil {
			logger.Error("Failed to close neo4j session", "error", err)
		}
	}()

	stats, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if err := lockTimeline(ctx, tx); err != nil {
			return nil, fmt.Errorf("lock timeline: %w", err)
		}
		var stats RelinkStats

		// Both statements order the duplicates the same way within the
		// transaction, so the node that receives the events survives.
		if _, err := tx.Run(ctx, `
			MATCH (t:Time)
			WITH t ORDER BY elementId(t)
			WITH t.timestamp AS timestamp, collect(t) AS nodes
			WHERE size(nodes) > 1
			WITH head(nodes) AS keep, tail(nodes) AS duplicates
			UNWIND duplicates AS duplicate
			MATCH (event)-[:AT]->(duplicate)
			MERGE (event)-[:AT]->(keep)
		`, nil); err != nil {
			return nil, fmt.Errorf("move events: %w", err)
		}
		result, err := tx.Run(ctx, `
			MATCH (t:Time)
			WITH t ORDER BY elementId(t)
			WITH t.timestamp AS timestamp, collect(t) AS nodes
			WHERE size(nodes) > 1
			UNWIND tail(nodes) AS duplicate
			DETACH DELETE duplicate
			RETURN count(duplicate) AS count
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("delete duplicates: %w", err)
		}
		if stats.Merged, err = singleCount(ctx, result); err != nil {
			return nil, fmt.Errorf("get number of merged nodes: %w", err)
		}

		if _, err := tx.Run(ctx, `
			MATCH (:Time)-[n:NEXT]->()
			DELETE n
		`, nil); err != nil {
			return nil, fmt.Errorf("unlink timeline: %w", err)
		}
		result, err = tx.Run(ctx, `
			MATCH (t:Time)
			WITH t ORDER BY t.timestamp ASC
			WITH collect(t) AS nodes
			UNWIND range(0, size(nodes) - 2) AS i
			WITH nodes[i] AS a, nodes[i + 1] AS b
			CREATE (a)-[:NEXT]->(b)
			RETURN count(*) AS count
		`, nil)
		if err != nil {
			return nil, fmt.Errorf("link timeline: %w", err)
		}
		if stats.Links, err = singleCount(ctx, result); err != nil {
			return nil, fmt.Errorf("get number of links: %w", err)
		}
		return stats, nil
	})
	if err != nil {
		return RelinkStats{}, err
	}

	logger.Info("The timeline was successfully relinked", "merged", stats.(RelinkStats).Merged, "links", stats.(RelinkStats).Links)
	return stats.(RelinkStats), nil
}

func singleCount(ctx context.Context, result neo4j.ResultWithContext) (int64, error) {
	record, err := result.Single(ctx)
	if err != nil {
		return 0, fmt.Errorf("query single result: %w", err)
	}
	return getRecordProperty[int64](record, "count")
}
