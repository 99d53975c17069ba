package neo4jstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// Store is a physicaltwin.DataLake on a Neo4j graph.
//
// The active execution is the single (:Execution) node, holding the command
// counter and the mirrored logical clock (PTnow). Commands are (:Command) nodes
// labelled :Pending until dispatched, then :Dispatched. Snapshots and results
// are (:OutputSnapshot) and (:CommandResult) nodes. Every dispatched command,
// snapshot and result points [:AT] its (:Time) node, and the Time nodes form the
// timeline through [:NEXT] relationships in chronological order.
//
// Each operation runs in its own write (or read) transaction, so it applies
// atomically. Run BootstrapDatabase (or BootstrapSchema) on the database first.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.
	// Keeps readers of the timeline chain away from concurrent insertions.
	txMutex graphWRMutex
}

// New returns a Store on the given database.
func New(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// execute runs work in a managed transaction of the given access mode on a
// fresh session, and returns what work returns.
//
// Errors caused by a Cypher query that no longer matches the code reading its
// records are programming errors, so execute panics on them.
func execute[T any](ctx context.Context, s *Store, mode neo4j.AccessMode, work func(tx neo4j.ManagedTransaction) (T, error)) (T, error) {
	var zero T
	logger := component.Logger(ctx)

	// We open a new session for every operation so that errors specific to a
	// session never leak into subsequent operations.
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   mode,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", modeName(mode))
		}
	}()

	txWork := func(tx neo4j.ManagedTransaction) (any, error) {
		return work(tx)
	}
	var (
		result any
		err    error
	)
	// Managed transactions give us retries on transient errors and deadlock
	// resolution for free.
	if mode == neo4j.AccessModeWrite {
		s.txMutex.WLock()
		defer s.txMutex.WUnlock()
		result, err = session.ExecuteWrite(ctx, txWork)
	} else {
		result, err = session.ExecuteRead(ctx, txWork)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return zero, err
	} else if isQueryShapeError(err) {
		logger.Error("A Cypher query was modified without care", "error", err)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	} else if err != nil {
		return zero, err
	}
	// A nil result of an interface type would not pass a checked assertion.
	v, _ := result.(T)
	return v, nil
}

func modeName(mode neo4j.AccessMode) string {
	if mode == neo4j.AccessModeWrite {
		return "write"
	}
	return "read"
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("neo4j.database", s.database))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func twinAttributes(twin physicaltwin.Twin) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("twin.id", twin.TwinID),
		attribute.String("twin.execution", twin.ExecutionID),
	}
}

// panicWithCorruptedGraph reports a graph that violates the invariants this
// package maintains. There is no way to recover from such a state without
// human intervention.
func panicWithCorruptedGraph(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered corrupted neo4j graph that violates physical-twin invariants", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	panic(fmt.Errorf("neo4j graph violates physical-twin invariants: %v", reason))
}

// StartExecution implements physicaltwin.DataLake. The previous Execution node
// is removed together with its counter and clock mirror; recorded events stay.
func (s *Store) StartExecution(ctx context.Context, executionID string) error {
	if executionID == "" {
		return errors.New("empty execution id")
	}
	ctx, span := s.startSpan(ctx, "StartExecution", attribute.String("twin.execution", executionID))
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (old:Execution)
			DETACH DELETE old
		`, nil); err != nil {
			return nil, fmt.Errorf("delete previous execution: %w", err)
		}
		_, err := tx.Run(ctx, `
			CREATE (:Execution {executionId: $executionId, commandCounter: 0, PTnow: 0, DTnow: 0})
		`, map[string]any{
			"executionId": executionID,
		})
		if err != nil {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		return nil, nil
	})
	return err
}

// ActiveExecutionID implements physicaltwin.EventStore.
func (s *Store) ActiveExecutionID(ctx context.Context) (string, bool, error) {
	ids, err := execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) ([]string, error) {
		result, err := tx.Run(ctx, `
			MATCH (ex:Execution)
			RETURN ex.executionId AS executionId
		`, nil)
		if err != nil {
			return nil, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect executions: %w", err)
		}
		var ids []string
		for _, record := range records {
			id, err := getRecordProperty[string](record, "executionId")
			if err != nil {
				return nil, fmt.Errorf("get execution id: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	})
	if err != nil {
		return "", false, err
	}
	switch len(ids) {
	case 0:
		return "", false, nil
	case 1:
		return ids[0], true, nil
	default:
		return "", false, fmt.Errorf("found %d active executions: %v", len(ids), ids)
	}
}

// RegisterRobot implements physicaltwin.EventStore.
func (s *Store) RegisterRobot(ctx context.Context, twin physicaltwin.Twin) error {
	ctx, span := s.startSpan(ctx, "RegisterRobot", twinAttributes(twin)...)
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (r:BraccioRobot {twinId: $twinId, executionId: $executionId})
			SET r.isPhysical = true
		`, map[string]any{
			"twinId":      twin.TwinID,
			"executionId": twin.ExecutionID,
		})
		return nil, err
	})
	return err
}

// SetClock implements physicaltwin.EventStore. Without an active execution there
// is nowhere to mirror the clock, so the value is dropped.
func (s *Store) SetClock(ctx context.Context, value int64) error {
	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (ex:Execution)
			SET ex.PTnow = $value
		`, map[string]any{
			"value": value,
		})
		return nil, err
	})
	return err
}

// Clock implements physicaltwin.EventStore.
func (s *Store) Clock(ctx context.Context) (int64, error) {
	return execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (int64, error) {
		result, err := tx.Run(ctx, `
			MATCH (ex:Execution)
			RETURN coalesce(ex.PTnow, 0) AS now
		`, nil)
		if err != nil {
			return 0, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return 0, fmt.Errorf("collect clock: %w", err)
		}
		if len(records) == 0 {
			return 0, nil
		}
		now, err := getRecordProperty[int64](records[0], "now")
		if err != nil {
			return 0, fmt.Errorf("get clock: %w", err)
		}
		return now, nil
	})
}

// EnqueueCommand implements physicaltwin.CommandQueue. Incrementing the counter
// on the Execution node write-locks it, so concurrent producers never allocate
// the same identifier.
func (s *Store) EnqueueCommand(ctx context.Context, twin physicaltwin.Twin, name, arguments string) (physicaltwin.Command, error) {
	ctx, span := s.startSpan(ctx, "EnqueueCommand", twinAttributes(twin)...)
	defer span.End()

	return execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (physicaltwin.Command, error) {
		result, err := tx.Run(ctx, `
			MATCH (ex:Execution {executionId: $executionId})
			SET ex.commandCounter = ex.commandCounter + 1
			WITH ex.commandCounter AS id
			MERGE (c:Command {executionId: $executionId, commandId: id})
			REMOVE c:Dispatched
			SET c:Pending, c.twinId = $twinId, c.name = $name, c.arguments = $arguments, c.whenProcessed = null
			RETURN c.commandId AS commandId
		`, map[string]any{
			"executionId": twin.ExecutionID,
			"twinId":      twin.TwinID,
			"name":        name,
			"arguments":   arguments,
		})
		if err != nil {
			return physicaltwin.Command{}, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return physicaltwin.Command{}, fmt.Errorf("collect command: %w", err)
		}
		if len(records) == 0 {
			return physicaltwin.Command{}, fmt.Errorf("enqueue for %v: %w", twin, physicaltwin.ErrExecutionNotActive)
		}
		id, err := getRecordProperty[int64](records[0], "commandId")
		if err != nil {
			return physicaltwin.Command{}, fmt.Errorf("get command id: %w", err)
		}
		return physicaltwin.Command{ID: id, Twin: twin, Name: name, Arguments: arguments}, nil
	})
}

// FindNextCommand implements physicaltwin.EventStore.
func (s *Store) FindNextCommand(ctx context.Context, twin physicaltwin.Twin) (physicaltwin.Command, bool, error) {
	type found struct {
		cmd physicaltwin.Command
		ok  bool
	}
	f, err := execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) (found, error) {
		result, err := tx.Run(ctx, `
			MATCH (c:Command:Pending {twinId: $twinId, executionId: $executionId})
			RETURN c.commandId AS commandId, c.name AS name, coalesce(c.arguments, '') AS arguments
			ORDER BY c.commandId ASC
			LIMIT 1
		`, map[string]any{
			"twinId":      twin.TwinID,
			"executionId": twin.ExecutionID,
		})
		if err != nil {
			return found{}, err
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return found{}, fmt.Errorf("collect pending commands: %w", err)
		}
		if len(records) == 0 {
			return found{}, nil
		}
		cmd, err := parseQueuedCommand(twin, records[0])
		if err != nil {
			return found{}, err
		}
		return found{cmd: cmd, ok: true}, nil
	})
	return f.cmd, f.ok, err
}

// MarkCommandDispatched implements physicaltwin.EventStore.
func (s *Store) MarkCommandDispatched(ctx context.Context, cmd physicaltwin.Command, timestamp int64) error {
	ctx, span := s.startSpan(ctx, "MarkCommandDispatched", append(twinAttributes(cmd.Twin),
		attribute.Int64("command.id", cmd.ID),
		attribute.Int64("timestamp", timestamp),
	)...)
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `
			MATCH (c:Command:Pending {executionId: $executionId, commandId: $commandId})
			REMOVE c:Pending
			SET c:Dispatched, c.whenProcessed = $timestamp
			RETURN count(c) AS commands
		`, map[string]any{
			"executionId": cmd.Twin.ExecutionID,
			"commandId":   cmd.ID,
			"timestamp":   timestamp,
		})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, fmt.Errorf("query single result: %w", err)
		}
		commands, err := getRecordProperty[int64](record, "commands")
		if err != nil {
			return nil, fmt.Errorf("get number of commands: %w", err)
		}
		switch commands {
		case 0:
			// Returning an error rolls the transaction back.
			return nil, fmt.Errorf("mark %v: %w", cmd, physicaltwin.ErrCommandNotPending)
		case 1:
		default:
			panicWithCorruptedGraph(ctx, fmt.Sprintf("mark-dispatched matched %v commands instead of 0/1", commands))
		}

		if err := attachToTimeline(ctx, tx, timestamp, `
			MATCH (c:Command:Dispatched {executionId: $executionId, commandId: $commandId})
			WITH c AS event
		`, map[string]any{
			"executionId": cmd.Twin.ExecutionID,
			"commandId":   cmd.ID,
		}); err != nil {
			return nil, fmt.Errorf("attach command: %w", err)
		}
		return nil, nil
	})
	return err
}

// AppendSnapshot implements physicaltwin.EventStore. A second snapshot of the
// same twin at the same timestamp replaces the first.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot physicaltwin.OutputSnapshot) error {
	ctx, span := s.startSpan(ctx, "AppendSnapshot", append(twinAttributes(snapshot.Twin),
		attribute.Int64("timestamp", snapshot.Timestamp),
	)...)
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		err := attachToTimeline(ctx, tx, snapshot.Timestamp, `
			MERGE (s:OutputSnapshot {twinId: $twinId, executionId: $executionId, timestamp: $timestamp})
			SET s.currentAngles = $currentAngles,
			    s.targetAngles = $targetAngles,
			    s.currentSpeeds = $currentSpeeds,
			    s.moving = $moving
			WITH s AS event
		`, map[string]any{
			"twinId":        snapshot.Twin.TwinID,
			"executionId":   snapshot.Twin.ExecutionID,
			"timestamp":     snapshot.Timestamp,
			"currentAngles": servoList(snapshot.CurrentAngles),
			"targetAngles":  servoList(snapshot.TargetAngles),
			"currentSpeeds": servoList(snapshot.CurrentSpeeds),
			"moving":        snapshot.Moving,
		})
		return nil, err
	})
	return err
}

// AppendCommandResult implements physicaltwin.EventStore. The result answers its
// command when the command is in the graph; a result for an unknown command is
// recorded all the same.
func (s *Store) AppendCommandResult(ctx context.Context, r physicaltwin.CommandResult) error {
	ctx, span := s.startSpan(ctx, "AppendCommandResult", append(twinAttributes(r.Twin),
		attribute.Int64("command.id", r.CommandID),
		attribute.Int64("timestamp", r.Timestamp),
	)...)
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		err := attachToTimeline(ctx, tx, r.Timestamp, `
			MERGE (r:CommandResult {twinId: $twinId, executionId: $executionId, commandId: $commandId})
			SET r.commandName = $commandName,
			    r.commandArguments = $commandArguments,
			    r.commandTimestamp = $commandTimestamp,
			    r.timestamp = $timestamp,
			    r.return = $return
			WITH r
			OPTIONAL MATCH (c:Command {executionId: $executionId, commandId: $commandId})
			FOREACH (_ IN CASE WHEN c IS NULL THEN [] ELSE [1] END |
			  MERGE (r)-[:ANSWERS]->(c)
			)
			WITH r AS event
		`, map[string]any{
			"twinId":           r.Twin.TwinID,
			"executionId":      r.Twin.ExecutionID,
			"commandId":        r.CommandID,
			"commandName":      r.CommandName,
			"commandArguments": r.CommandArguments,
			"commandTimestamp": r.CommandTimestamp,
			"timestamp":        r.Timestamp,
			"return":           r.Return,
		})
		return nil, err
	})
	return err
}

// EnsureTimelineNode implements physicaltwin.EventStore.
func (s *Store) EnsureTimelineNode(ctx context.Context, timestamp int64) error {
	ctx, span := s.startSpan(ctx, "EnsureTimelineNode", attribute.Int64("timestamp", timestamp))
	defer span.End()

	_, err := execute(ctx, s, neo4j.AccessModeWrite, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := ensureTimelineNode(ctx, tx, timestamp)
		return nil, err
	})
	return err
}

// SnapshotsInRange implements physicaltwin.Reader.
func (s *Store) SnapshotsInRange(ctx context.Context, twin physicaltwin.Twin, from, to int64) ([]physicaltwin.OutputSnapshot, error) {
	return execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) ([]physicaltwin.OutputSnapshot, error) {
		result, err := tx.Run(ctx, `
			MATCH (s:OutputSnapshot {twinId: $twinId, executionId: $executionId})
			WHERE $from <= s.timestamp <= $to
			RETURN s.timestamp AS timestamp,
			       s.currentAngles AS currentAngles,
			       s.targetAngles AS targetAngles,
			       s.currentSpeeds AS currentSpeeds,
			       s.moving AS moving
			ORDER BY s.timestamp ASC
		`, map[string]any{
			"twinId":      twin.TwinID,
			"executionId": twin.ExecutionID,
			"from":        from,
			"to":          to,
		})
		if err != nil {
			return nil, err
		}
		var snapshots []physicaltwin.OutputSnapshot
		for result.Next(ctx) {
			snapshot, err := parseSnapshot(twin, result.Record())
			if err != nil {
				return nil, fmt.Errorf("parse snapshot: %w", err)
			}
			snapshots = append(snapshots, snapshot)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate snapshots: %w", err)
		}
		return snapshots, nil
	})
}

// CommandResults implements physicaltwin.Reader.
func (s *Store) CommandResults(ctx context.Context, twin physicaltwin.Twin) ([]physicaltwin.CommandResult, error) {
	return execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) ([]physicaltwin.CommandResult, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:CommandResult {twinId: $twinId, executionId: $executionId})
			RETURN r.commandId AS commandId,
			       r.commandName AS commandName,
			       r.commandArguments AS commandArguments,
			       r.commandTimestamp AS commandTimestamp,
			       r.timestamp AS timestamp,
			       r.return AS return
			ORDER BY r.commandId ASC
		`, map[string]any{
			"twinId":      twin.TwinID,
			"executionId": twin.ExecutionID,
		})
		if err != nil {
			return nil, err
		}
		var results []physicaltwin.CommandResult
		for result.Next(ctx) {
			r, err := parseCommandResult(twin, result.Record())
			if err != nil {
				return nil, fmt.Errorf("parse command result: %w", err)
			}
			results = append(results, r)
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate command results: %w", err)
		}
		return results, nil
	})
}

// Robots implements physicaltwin.Reader.
func (s *Store) Robots(ctx context.Context, executionID string) ([]physicaltwin.Twin, error) {
	return execute(ctx, s, neo4j.AccessModeRead, func(tx neo4j.ManagedTransaction) ([]physicaltwin.Twin, error) {
		result, err := tx.Run(ctx, `
			MATCH (r:BraccioRobot {executionId: $executionId, isPhysical: true})
			RETURN r.twinId AS twinId
			ORDER BY r.twinId ASC
		`, map[string]any{
			"executionId": executionID,
		})
		if err != nil {
			return nil, err
		}
		var twins []physicaltwin.Twin
		for result.Next(ctx) {
			id, err := getRecordProperty[string](result.Record(), "twinId")
			if err != nil {
				return nil, fmt.Errorf("get twin id: %w", err)
			}
			twins = append(twins, physicaltwin.Twin{TwinID: id, ExecutionID: executionID})
		}
		if err := result.Err(); err != nil {
			return nil, fmt.Errorf("iterate robots: %w", err)
		}
		return twins, nil
	})
}

var _ physicaltwin.DataLake = (*Store)(nil)
