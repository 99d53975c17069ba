// Package redisstore implements a physicaltwin.DataLake on Redis, with the key
// layout the key-value flavour of the data lake has always used:
//
//	executionId                         the active execution
//	commandCounter                      last command identifier allocated
//	PTnow                               mirror of the logical clock
//	PTCommand:<twin>:<exec>:<id>        command hash
//	PTCommand_UNPROCESSED               pending commands, scored by identifier
//	PTCommand_PROCESSED                 dispatched commands, scored by identifier
//	PTOutputSnapshot:<twin>:<exec>:<ts> snapshot hash
//	PTOutputSnapshot_PROCESSED          all snapshots, scored by timestamp
//	PTOutputSnapshot:<twin>:<exec>_HISTORY
//	PTCommandResult:<twin>:<exec>:<id>  result hash
//	PTCommandResult_PROCESSED           all results, scored by command identifier
//	PTCommandResult:<twin>:<exec>_HISTORY
//	BraccioRobot:<exec>                 twins registered as physical twins
//	Time, Time_NEXT                     the timeline
//
// Operations spanning several keys run as Lua scripts, so each applies
// atomically. The scripts compose keys themselves, which ties the store to a
// single Redis node (no cluster).
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-physicaltwin"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-physicaltwin/redisstore")

const (
	executionKey       = "executionId"
	counterKey         = "commandCounter"
	clockKey           = "PTnow"
	unprocessedKey     = "PTCommand_UNPROCESSED"
	processedKey       = "PTCommand_PROCESSED"
	snapshotsKey       = "PTOutputSnapshot_PROCESSED"
	resultsKey         = "PTCommandResult_PROCESSED"
	timeKey            = "Time"
	timeNextKey        = "Time_NEXT"
	findNextBatchCount = 64
)

func commandKey(twin physicaltwin.Twin, id int64) string {
	return fmt.Sprintf("PTCommand:%s:%s:%d", twin.TwinID, twin.ExecutionID, id)
}

func snapshotKey(twin physicaltwin.Twin, ts int64) string {
	return fmt.Sprintf("PTOutputSnapshot:%s:%s:%d", twin.TwinID, twin.ExecutionID, ts)
}

func snapshotHistoryKey(twin physicaltwin.Twin) string {
	return fmt.Sprintf("PTOutputSnapshot:%s:%s_HISTORY", twin.TwinID, twin.ExecutionID)
}

func resultKey(twin physicaltwin.Twin, id int64) string {
	return fmt.Sprintf("PTCommandResult:%s:%s:%d", twin.TwinID, twin.ExecutionID, id)
}

func resultHistoryKey(twin physicaltwin.Twin) string {
	return fmt.Sprintf("PTCommandResult:%s:%s_HISTORY", twin.TwinID, twin.ExecutionID)
}

func robotsKey(executionID string) string {
	return "BraccioRobot:" + executionID
}

// Store is a physicaltwin.DataLake on Redis.
type Store struct {
	rdb redis.UniversalClient
}

// New returns a Store on the given client. The caller keeps ownership of the
// client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func startSpan(ctx context.Context, name string, twin physicaltwin.Twin, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("twin.id", twin.TwinID),
		attribute.String("twin.execution", twin.ExecutionID),
	)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartExecution implements physicaltwin.DataLake.
func (s *Store) StartExecution(ctx context.Context, executionID string) error {
	if executionID == "" {
		return errors.New("empty execution id")
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, executionKey, executionID, 0)
		pipe.Set(ctx, counterKey, 0, 0)
		pipe.Set(ctx, clockKey, 0, 0)
		return nil
	})
	return err
}

// ActiveExecutionID implements physicaltwin.EventStore.
func (s *Store) ActiveExecutionID(ctx context.Context) (string, bool, error) {
	id, err := s.rdb.Get(ctx, executionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RegisterRobot implements physicaltwin.EventStore.
func (s *Store) RegisterRobot(ctx context.Context, twin physicaltwin.Twin) error {
	return s.rdb.SAdd(ctx, robotsKey(twin.ExecutionID), twin.TwinID).Err()
}

// SetClock implements physicaltwin.EventStore.
func (s *Store) SetClock(ctx context.Context, value int64) error {
	return s.rdb.Set(ctx, clockKey, value, 0).Err()
}

// Clock implements physicaltwin.EventStore.
func (s *Store) Clock(ctx context.Context) (int64, error) {
	now, err := s.rdb.Get(ctx, clockKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return now, err
}

// EnqueueCommand implements physicaltwin.CommandQueue.
func (s *Store) EnqueueCommand(ctx context.Context, twin physicaltwin.Twin, name, arguments string) (physicaltwin.Command, error) {
	ctx, span := startSpan(ctx, "EnqueueCommand", twin)
	defer span.End()

	id, err := enqueueScript.Run(ctx, s.rdb,
		[]string{executionKey, counterKey, unprocessedKey, processedKey},
		twin.TwinID, twin.ExecutionID, name, arguments,
	).Int64()
	if errors.Is(err, redis.Nil) {
		return physicaltwin.Command{}, fmt.Errorf("enqueue for %v: %w", twin, physicaltwin.ErrExecutionNotActive)
	} else if err != nil {
		return physicaltwin.Command{}, err
	}
	return physicaltwin.Command{ID: id, Twin: twin, Name: name, Arguments: arguments}, nil
}

// FindNextCommand implements physicaltwin.EventStore. The unprocessed set is
// shared by every twin, so it is scanned in batches, in queue order, until a
// command of the twin turns up.
func (s *Store) FindNextCommand(ctx context.Context, twin physicaltwin.Twin) (physicaltwin.Command, bool, error) {
	for start := int64(0); ; start += findNextBatchCount {
		keys, err := s.rdb.ZRange(ctx, unprocessedKey, start, start+findNextBatchCount-1).Result()
		if err != nil {
			return physicaltwin.Command{}, false, fmt.Errorf("range pending commands: %w", err)
		}
		if len(keys) == 0 {
			return physicaltwin.Command{}, false, nil
		}

		cmds := make([]*redis.MapStringStringCmd, len(keys))
		_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGetAll(ctx, key)
			}
			return nil
		})
		if err != nil {
			return physicaltwin.Command{}, false, fmt.Errorf("get pending commands: %w", err)
		}
		for i, c := range cmds {
			hash := c.Val()
			if hash["twinId"] != twin.TwinID || hash["executionId"] != twin.ExecutionID {
				continue
			}
			cmd, err := parseCommand(hash)
			if err != nil {
				return physicaltwin.Command{}, false, fmt.Errorf("parse command %v: %w", keys[i], err)
			}
			return cmd, true, nil
		}
	}
}

// MarkCommandDispatched implements physicaltwin.EventStore.
func (s *Store) MarkCommandDispatched(ctx context.Context, cmd physicaltwin.Command, timestamp int64) error {
	ctx, span := startSpan(ctx, "MarkCommandDispatched", cmd.Twin,
		attribute.Int64("command.id", cmd.ID),
		attribute.Int64("timestamp", timestamp),
	)
	defer span.End()

	moved, err := dispatchScript.Run(ctx, s.rdb,
		[]string{unprocessedKey, processedKey, commandKey(cmd.Twin, cmd.ID), timeKey, timeNextKey},
		cmd.ID, timestamp,
	).Int64()
	if err != nil {
		return err
	}
	if moved == 0 {
		return fmt.Errorf("mark %v: %w", cmd, physicaltwin.ErrCommandNotPending)
	}
	return nil
}

// AppendSnapshot implements physicaltwin.EventStore. A second snapshot of the
// same twin at the same timestamp replaces the first.
func (s *Store) AppendSnapshot(ctx context.Context, snapshot physicaltwin.OutputSnapshot) error {
	ctx, span := startSpan(ctx, "AppendSnapshot", snapshot.Twin, attribute.Int64("timestamp", snapshot.Timestamp))
	defer span.End()

	args := []any{snapshot.Timestamp, snapshot.Timestamp}
	args = append(args, snapshotFields(snapshot)...)
	return appendScript.Run(ctx, s.rdb,
		[]string{snapshotKey(snapshot.Twin, snapshot.Timestamp), snapshotsKey, snapshotHistoryKey(snapshot.Twin), timeKey, timeNextKey},
		args...,
	).Err()
}

// AppendCommandResult implements physicaltwin.EventStore.
func (s *Store) AppendCommandResult(ctx context.Context, r physicaltwin.CommandResult) error {
	ctx, span := startSpan(ctx, "AppendCommandResult", r.Twin,
		attribute.Int64("command.id", r.CommandID),
		attribute.Int64("timestamp", r.Timestamp),
	)
	defer span.End()

	args := []any{r.CommandID, r.Timestamp}
	args = append(args, resultFields(r)...)
	return appendScript.Run(ctx, s.rdb,
		[]string{resultKey(r.Twin, r.CommandID), resultsKey, resultHistoryKey(r.Twin), timeKey, timeNextKey},
		args...,
	).Err()
}

// EnsureTimelineNode implements physicaltwin.EventStore.
func (s *Store) EnsureTimelineNode(ctx context.Context, timestamp int64) error {
	return ensureTimeScript.Run(ctx, s.rdb, []string{timeKey, timeNextKey}, timestamp).Err()
}

// TimelineChain implements physicaltwin.Reader. Both keys are read in one
// transaction, so the links always belong to the nodes read.
func (s *Store) TimelineChain(ctx context.Context) ([]int64, error) {
	var (
		nodes *redis.StringSliceCmd
		next  *redis.MapStringStringCmd
	)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		nodes = pipe.ZRange(ctx, timeKey, 0, -1)
		next = pipe.HGetAll(ctx, timeNextKey)
		return nil
	})
	if err != nil {
		return nil, err
	}

	links := make(map[int64][]int64, len(nodes.Val()))
	for _, n := range nodes.Val() {
		ts, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse time node %q: %w", n, err)
		}
		links[ts] = nil
	}
	for from, to := range next.Val() {
		f, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse link source %q: %w", from, err)
		}
		t, err := strconv.ParseInt(to, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse link target %q: %w", to, err)
		}
		if _, ok := links[f]; !ok {
			return nil, fmt.Errorf("%w: link from unknown node %d", physicaltwin.ErrBrokenChain, f)
		}
		links[f] = append(links[f], t)
	}
	return physicaltwin.FollowChain(links)
}

// SnapshotsInRange implements physicaltwin.Reader.
func (s *Store) SnapshotsInRange(ctx context.Context, twin physicaltwin.Twin, from, to int64) ([]physicaltwin.OutputSnapshot, error) {
	keys, err := s.rdb.ZRangeByScore(ctx, snapshotHistoryKey(twin), &redis.ZRangeBy{
		Min: strconv.FormatInt(from, 10),
		Max: strconv.FormatInt(to, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range snapshots: %w", err)
	}
	hashes, err := s.hashes(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	var snapshots []physicaltwin.OutputSnapshot
	for i, hash := range hashes {
		snapshot, err := parseSnapshot(twin, hash)
		if err != nil {
			return nil, fmt.Errorf("parse snapshot %v: %w", keys[i], err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// CommandResults implements physicaltwin.Reader.
func (s *Store) CommandResults(ctx context.Context, twin physicaltwin.Twin) ([]physicaltwin.CommandResult, error) {
	keys, err := s.rdb.ZRange(ctx, resultHistoryKey(twin), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range command results: %w", err)
	}
	hashes, err := s.hashes(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("get command results: %w", err)
	}
	var results []physicaltwin.CommandResult
	for i, hash := range hashes {
		r, err := parseCommandResult(twin, hash)
		if err != nil {
			return nil, fmt.Errorf("parse command result %v: %w", keys[i], err)
		}
		results = append(results, r)
	}
	return results, nil
}

// Robots implements physicaltwin.Reader.
func (s *Store) Robots(ctx context.Context, executionID string) ([]physicaltwin.Twin, error) {
	ids, err := s.rdb.SMembers(ctx, robotsKey(executionID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	var twins []physicaltwin.Twin
	for _, id := range ids {
		twins = append(twins, physicaltwin.Twin{TwinID: id, ExecutionID: executionID})
	}
	return twins, nil
}

// hashes fetches the hashes stored at keys in a single round trip.
func (s *Store) hashes(ctx context.Context, keys []string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	hashes := make([]map[string]string, len(cmds))
	for i, c := range cmds {
		hashes[i] = c.Val()
	}
	return hashes, nil
}

var _ physicaltwin.DataLake = (*Store)(nil)
