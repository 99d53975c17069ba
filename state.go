package physicaltwin

import (
	"context"
	"sync"
)

// A clockMirror durably records the value of the logical clock.
type clockMirror interface {
	SetClock(ctx context.Context, value int64) error
}

// sharedState is everything the dispatcher and the ingestor share: the logical
// clock, the in-flight command slot and the quit flag. A single mutex guards
// all three, and is never held across a call to the store.
type sharedState struct {
	mu       sync.Mutex
	now      int64
	inFlight *Command
	quit     bool

	// mirrorMu serializes writes to the mirror.
	mirrorMu sync.Mutex
	mirror   clockMirror
}

// Now returns the current value of the logical clock.
func (s *sharedState) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock to max(now, candidate), mirrors the clock and returns
// the value the advance produced. The clock never moves backwards; advancing to
// an older value only rewrites the mirror.
//
// Mirror writes are serialized and each writes the clock as it is when the
// write starts, so the mirror never moves backwards either.
func (s *sharedState) Advance(ctx context.Context, candidate int64) (int64, error) {
	s.mu.Lock()
	s.now = max(s.now, candidate)
	now := s.now
	s.mu.Unlock()
	if s.mirror == nil {
		return now, nil
	}

	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	return now, s.mirror.SetClock(ctx, s.Now())
}

// Claim occupies the in-flight slot with the given command. It returns false,
// leaving the slot untouched, if another command is already in flight.
func (s *sharedState) Claim(cmd Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != nil {
		return false
	}
	s.inFlight = &cmd
	return true
}

// InFlight returns the command awaiting a device result, if any.
func (s *sharedState) InFlight() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		return Command{}, false
	}
	return *s.inFlight, true
}

// Release empties the in-flight slot and returns the command it held.
func (s *sharedState) Release() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight == nil {
		return Command{}, false
	}
	cmd := *s.inFlight
	s.inFlight = nil
	return cmd, true
}

// Quit asks both loops to stop after their current iteration.
func (s *sharedState) Quit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quit = true
}

// Quitting reports whether Quit was called.
func (s *sharedState) Quitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}
