// Package memstore implements a physicaltwin.DataLake in memory.
//
// It keeps the same records as the persistent backends, and maintains the
// timeline with a physicaltwin.Timeline. Nothing survives the process, which
// makes it a good fit for tests and dry runs without a device or a database.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-digitaltwin/go-physicaltwin"
)

// A Store is an in-memory data lake. The zero value is not ready for use; call
// New. A Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	execution string
	clock     int64
	counters  map[string]int64

	robots     map[physicaltwin.Twin]struct{}
	pending    map[commandKey]physicaltwin.Command
	dispatched map[commandKey]physicaltwin.Command
	snapshots  map[physicaltwin.Twin]map[int64]physicaltwin.OutputSnapshot
	results    map[physicaltwin.Twin]map[int64]physicaltwin.CommandResult
	timeline   *physicaltwin.Timeline
}

// Command identifiers are unique within an execution.
type commandKey struct {
	ExecutionID string
	ID          int64
}

func keyOf(c physicaltwin.Command) commandKey {
	return commandKey{ExecutionID: c.Twin.ExecutionID, ID: c.ID}
}

// New returns an empty Store with no active execution.
func New() *Store {
	return &Store{
		counters:   make(map[string]int64),
		robots:     make(map[physicaltwin.Twin]struct{}),
		pending:    make(map[commandKey]physicaltwin.Command),
		dispatched: make(map[commandKey]physicaltwin.Command),
		snapshots:  make(map[physicaltwin.Twin]map[int64]physicaltwin.OutputSnapshot),
		results:    make(map[physicaltwin.Twin]map[int64]physicaltwin.CommandResult),
		timeline:   physicaltwin.NewTimeline(),
	}
}

// StartExecution implements physicaltwin.DataLake.
func (s *Store) StartExecution(_ context.Context, executionID string) error {
	if executionID == "" {
		return errors.New("empty execution id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execution = executionID
	s.clock = 0
	s.counters[executionID] = 0
	return nil
}

// ActiveExecutionID implements physicaltwin.EventStore.
func (s *Store) ActiveExecutionID(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execution, s.execution != "", nil
}

// RegisterRobot implements physicaltwin.EventStore.
func (s *Store) RegisterRobot(_ context.Context, twin physicaltwin.Twin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robots[twin] = struct{}{}
	return nil
}

// SetClock implements physicaltwin.EventStore.
func (s *Store) SetClock(_ context.Context, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = value
	return nil
}

// Clock implements physicaltwin.EventStore.
func (s *Store) Clock(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock, nil
}

// EnqueueCommand implements physicaltwin.CommandQueue.
func (s *Store) EnqueueCommand(_ context.Context, twin physicaltwin.Twin, name, arguments string) (physicaltwin.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execution == "" || twin.ExecutionID != s.execution {
		return physicaltwin.Command{}, fmt.Errorf("enqueue for %v: %w", twin, physicaltwin.ErrExecutionNotActive)
	}
	s.counters[twin.ExecutionID]++
	cmd := physicaltwin.Command{
		ID:        s.counters[twin.ExecutionID],
		Twin:      twin,
		Name:      name,
		Arguments: arguments,
	}
	s.pending[keyOf(cmd)] = cmd
	return cmd, nil
}

// FindNextCommand implements physicaltwin.EventStore. Pending commands are
// scanned in queue order; those of other twins are passed over and stay
// pending.
func (s *Store) FindNextCommand(_ context.Context, twin physicaltwin.Twin) (physicaltwin.Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		next  physicaltwin.Command
		found bool
	)
	for _, cmd := range s.pending {
		if cmd.Twin != twin {
			continue
		}
		if !found || compareCommands(cmd, next) < 0 {
			next, found = cmd, true
		}
	}
	return next, found, nil
}

// compareCommands orders commands by priority: lower identifiers first, ties
// between executions broken by execution identifier.
func compareCommands(a, b physicaltwin.Command) int {
	return cmp.Or(
		cmp.Compare(a.ID, b.ID),
		cmp.Compare(a.Twin.ExecutionID, b.Twin.ExecutionID),
	)
}

// MarkCommandDispatched implements physicaltwin.EventStore.
func (s *Store) MarkCommandDispatched(_ context.Context, cmd physicaltwin.Command, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := keyOf(cmd)
	pending, ok := s.pending[k]
	if !ok {
		return fmt.Errorf("mark %v: %w", cmd, physicaltwin.ErrCommandNotPending)
	}
	delete(s.pending, k)
	pending.WhenProcessed = timestamp
	s.dispatched[k] = pending
	s.timeline.Insert(timestamp)
	return nil
}

// AppendSnapshot implements physicaltwin.EventStore. A second snapshot of the
// same twin at the same timestamp replaces the first.
func (s *Store) AppendSnapshot(_ context.Context, snapshot physicaltwin.OutputSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTime, ok := s.snapshots[snapshot.Twin]
	if !ok {
		byTime = make(map[int64]physicaltwin.OutputSnapshot)
		s.snapshots[snapshot.Twin] = byTime
	}
	byTime[snapshot.Timestamp] = snapshot
	s.timeline.Insert(snapshot.Timestamp)
	return nil
}

// AppendCommandResult implements physicaltwin.EventStore.
func (s *Store) AppendCommandResult(_ context.Context, r physicaltwin.CommandResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCommand, ok := s.results[r.Twin]
	if !ok {
		byCommand = make(map[int64]physicaltwin.CommandResult)
		s.results[r.Twin] = byCommand
	}
	byCommand[r.CommandID] = r
	s.timeline.Insert(r.Timestamp)
	return nil
}

// EnsureTimelineNode implements physicaltwin.EventStore.
func (s *Store) EnsureTimelineNode(_ context.Context, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline.Insert(timestamp)
	return nil
}

// TimelineChain implements physicaltwin.Reader.
func (s *Store) TimelineChain(context.Context) ([]int64, error) {
	s.mu.Lock()
	links := s.timeline.Links()
	s.mu.Unlock()
	return physicaltwin.FollowChain(links)
}

// SnapshotsInRange implements physicaltwin.Reader.
func (s *Store) SnapshotsInRange(_ context.Context, twin physicaltwin.Twin, from, to int64) ([]physicaltwin.OutputSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshots []physicaltwin.OutputSnapshot
	for ts, snapshot := range s.snapshots[twin] {
		if from <= ts && ts <= to {
			snapshots = append(snapshots, snapshot)
		}
	}
	slices.SortFunc(snapshots, func(a, b physicaltwin.OutputSnapshot) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return snapshots, nil
}

// CommandResults implements physicaltwin.Reader.
func (s *Store) CommandResults(_ context.Context, twin physicaltwin.Twin) ([]physicaltwin.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var results []physicaltwin.CommandResult
	for _, r := range s.results[twin] {
		results = append(results, r)
	}
	slices.SortFunc(results, func(a, b physicaltwin.CommandResult) int {
		return cmp.Compare(a.CommandID, b.CommandID)
	})
	return results, nil
}

// Robots implements physicaltwin.Reader.
func (s *Store) Robots(_ context.Context, executionID string) ([]physicaltwin.Twin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var twins []physicaltwin.Twin
	for twin := range s.robots {
		if twin.ExecutionID == executionID {
			twins = append(twins, twin)
		}
	}
	slices.SortFunc(twins, func(a, b physicaltwin.Twin) int {
		return cmp.Compare(a.TwinID, b.TwinID)
	})
	return twins, nil
}

// Dispatched returns the commands of the twin that were handed to the device,
// ordered by identifier.
func (s *Store) Dispatched(twin physicaltwin.Twin) []physicaltwin.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cmds []physicaltwin.Command
	for _, cmd := range s.dispatched {
		if cmd.Twin == twin {
			cmds = append(cmds, cmd)
		}
	}
	slices.SortFunc(cmds, compareCommands)
	return cmds
}

var _ physicaltwin.DataLake = (*Store)(nil)
