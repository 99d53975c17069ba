package neo4jstore

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// lockTimeline takes the write lock of the TimelineLock node for the rest of the
// transaction. Every transaction that inserts Time nodes takes it first, so two
// insertions never rewire the same neighbours concurrently, even from different
// processes.
func lockTimeline(ctx context.Context, tx neo4j.ManagedTransaction) error {
	_, err := tx.Run(ctx, `
		MERGE (l:TimelineLock {id: 'timeline'})
		SET l.touched = true
	`, nil)
	return err
}

// ensureTimelineNode makes sure a single (:Time) node exists for the timestamp,
// linked after its chronological predecessor and before its successor. It
// reports whether it created the node.
func ensureTimelineNode(ctx context.Context, tx neo4j.ManagedTransaction, timestamp int64) (created bool, err error) {
	if err := lockTimeline(ctx, tx); err != nil {
		return false, fmt.Errorf("lock timeline: %w", err)
	}
	params := map[string]any{"timestamp": timestamp}

	result, err := tx.Run(ctx, `
		MATCH (t:Time {timestamp: $timestamp})
		RETURN count(t) AS nodes
	`, params)
	if err != nil {
		return false, err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, fmt.Errorf("query single result: %w", err)
	}
	nodes, err := getRecordProperty[int64](record, "nodes")
	if err != nil {
		return false, fmt.Errorf("get number of time nodes: %w", err)
	}
	switch nodes {
	case 0:
	case 1:
		// Already linked by whoever created it.
		return false, nil
	default:
		panicWithCorruptedGraph(ctx, fmt.Sprintf("timeline has %v nodes at %v instead of 0/1", nodes, timestamp))
	}

	// The node is new: find its neighbours before it joins the timeline, then
	// replace the link between them (if any) with links through the new node.
	prev, hasPrev, err := timelineNeighbour(ctx, tx, `
		MATCH (t:Time)
		WHERE t.timestamp < $timestamp
		RETURN t.timestamp AS timestamp
		ORDER BY t.timestamp DESC
		LIMIT 1
	`, params)
	if err != nil {
		return false, fmt.Errorf("find predecessor: %w", err)
	}
	next, hasNext, err := timelineNeighbour(ctx, tx, `
		MATCH (t:Time)
		WHERE t.timestamp > $timestamp
		RETURN t.timestamp AS timestamp
		ORDER BY t.timestamp ASC
		LIMIT 1
	`, params)
	if err != nil {
		return false, fmt.Errorf("find successor: %w", err)
	}

	if _, err := tx.Run(ctx, `
		CREATE (:Time {timestamp: $timestamp})
	`, params); err != nil {
		return false, fmt.Errorf("create time node: %w", err)
	}
	if hasPrev && hasNext {
		result, err := tx.Run(ctx, `
			MATCH (:Time {timestamp: $prev})-[old:NEXT]->(:Time {timestamp: $next})
			DELETE old
			RETURN count(old) AS links
		`, map[string]any{"prev": prev, "next": next})
		if err != nil {
			return false, fmt.Errorf("unlink neighbours: %w", err)
		}
		record, err := result.Single(ctx)
		if err != nil {
			return false, fmt.Errorf("query single result: %w", err)
		}
		links, err := getRecordProperty[int64](record, "links")
		if err != nil {
			return false, fmt.Errorf("get number of links: %w", err)
		}
		if links != 1 {
			panicWithCorruptedGraph(ctx, fmt.Sprintf("neighbours %v and %v were joined by %v links instead of 1", prev, next, links))
		}
	}
	if hasPrev {
		if _, err := tx.Run(ctx, `
			MATCH (prev:Time {timestamp: $prev}), (t:Time {timestamp: $timestamp})
			CREATE (prev)-[:NEXT]->(t)
		`, map[string]any{"prev": prev, "timestamp": timestamp}); err != nil {
			return false, fmt.Errorf("link predecessor: %w", err)
		}
	}
	if hasNext {
		if _, err := tx.Run(ctx, `
			MATCH (t:Time {timestamp: $timestamp}), (next:Time {timestamp: $next})
			CREATE (t)-[:NEXT]->(next)
		`, map[string]any{"next": next, "timestamp": timestamp}); err != nil {
			return false, fmt.Errorf("link successor: %w", err)
		}
	}

	timelineInsertCounter.Add(ctx, 1)
	return true, nil
}

func timelineNeighbour(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (int64, bool, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return 0, false, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("collect neighbour: %w", err)
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	ts, err := getRecordProperty[int64](records[0], "timestamp")
	if err != nil {
		return 0, false, fmt.Errorf("get timestamp: %w", err)
	}
	return ts, true, nil
}

// attachToTimeline ensures the Time node of the timestamp and points the event
// matched by eventQuery at it. The eventQuery must bind the event as `event`
// and leave the query open for continuation; the timestamp is available to it as
// $timestamp.
func attachToTimeline(ctx context.Context, tx neo4j.ManagedTransaction, timestamp int64, eventQuery string, params map[string]any) error {
	if _, err := ensureTimelineNode(ctx, tx, timestamp); err != nil {
		return fmt.Errorf("ensure timeline node: %w", err)
	}
	params = maps.Clone(params)
	params["timestamp"] = timestamp
	result, err := tx.Run(ctx, eventQuery+`
		MATCH (t:Time {timestamp: $timestamp})
		MERGE (event)-[:AT]->(t)
		RETURN count(DISTINCT event) AS events
	`, params)
	if err != nil {
		return err
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	events, err := getRecordProperty[int64](record, "events")
	if err != nil {
		return fmt.Errorf("get number of events: %w", err)
	}
	if events != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("attached %v events to the timeline at %v instead of 1", events, timestamp))
	}
	return nil
}

// TimelineChain implements physicaltwin.Reader.
func (s *Store) TimelineChain(ctx context.Context) ([]int64, error) {
	ctx, span := s.startSpan(ctx, "TimelineChain")
	defer span.End()

	// Chain reads are exclusive; see graphWRMutex.
	s.txMutex.Lock()
	defer s.txMutex.Unlock()

	links, err := execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (map[int64][]int64, error) {
		return readTimelineLinks(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	return physicaltwin.FollowChain(links)
}

// readTimelineLinks maps the timestamp of every Time node to the timestamps of
// the nodes it links to.
func readTimelineLinks(ctx context.Context, tx neo4j.ManagedTransaction) (map[int64][]int64, error) {
	result, err := tx.Run(ctx, `
		MATCH (t:Time)
		OPTIONAL MATCH (t)-[:NEXT]->(n:Time)
		RETURN t.timestamp AS timestamp, collect(n.timestamp) AS next
	`, nil)
	if err != nil {
		return nil, err
	}
	links := make(map[int64][]int64)
	for result.Next(ctx) {
		record := result.Record()
		ts, err := getRecordProperty[int64](record, "timestamp")
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}
		next, err := getRecordProperty[[]any](record, "next")
		if err != nil {
			return nil, fmt.Errorf("get successors: %w", err)
		}
		successors := make([]int64, 0, len(next))
		for _, n := range next {
			v, ok := n.(int64)
			if !ok {
				return nil, fmt.Errorf("successor of %v: %w", ts, unexpectedPropertyTypeError{Type: reflect.TypeOf(n)})
			}
			successors = append(successors, v)
		}
		// Time nodes sharing a timestamp would collapse here; FollowChain still
		// detects the damage through the successors they leave behind.
		links[ts] = append(links[ts], successors...)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("iterate time nodes: %w", err)
	}
	return links, nil
}
