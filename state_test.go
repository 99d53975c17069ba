package physicaltwin

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recordingMirror struct {
	mu     sync.Mutex
	values []int64
	err    error
}

func (m *recordingMirror) SetClock(_ context.Context, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, value)
	return m.err
}

func TestAdvanceNeverDecreases(t *testing.T) {
	tests := []struct {
		name       string
		candidates []int64
		want       []int64
	}{
		{
			name:       "increasing",
			candidates: []int64{1, 2, 3},
			want:       []int64{1, 2, 3},
		},
		{
			name:       "decreasing",
			candidates: []int64{30, 20, 10},
			want:       []int64{30, 30, 30},
		},
		{
			name:       "repeated",
			candidates: []int64{100, 100, 99, 101},
			want:       []int64{100, 100, 100, 101},
		},
		{
			name:       "below-zero",
			candidates: []int64{-5, 7, -1},
			want:       []int64{0, 7, 7},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mirror := new(recordingMirror)
			s := sharedState{mirror: mirror}
			var got []int64
			for _, c := range tt.candidates {
				now, err := s.Advance(context.Background(), c)
				if err != nil {
					t.Fatalf("Advance(%v) failed: %v", c, err)
				}
				got = append(got, now)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Advance() mismatch (-want +got):\n%s", diff)
			}
			// Every advance is mirrored, even those that did not move the clock.
			if diff := cmp.Diff(tt.want, mirror.values); diff != "" {
				t.Errorf("Mirrored values mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdvanceRandomPrefixMax(t *testing.T) {
	var s sharedState
	var want int64
	for i := 0; i < 1000; i++ {
		c := rand.Int64N(1_000_000)
		want = max(want, c)
		got, err := s.Advance(context.Background(), c)
		if err != nil {
			t.Fatal(err)
		}
		if got != want || s.Now() != want {
			t.Fatalf("after Advance(%v): got %v, Now() = %v, want %v", c, got, s.Now(), want)
		}
	}
}

func TestAdvanceConcurrentMirrorOrder(t *testing.T) {
	mirror := new(recordingMirror)
	s := sharedState{mirror: mirror}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := s.Advance(context.Background(), rand.Int64N(10_000)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Mirror writes are serialized, so the store sees a non-decreasing sequence
	// ending at the clock's value.
	for i := 1; i < len(mirror.values); i++ {
		if mirror.values[i] < mirror.values[i-1] {
			t.Fatalf("mirror went backwards at write %d: %v -> %v", i, mirror.values[i-1], mirror.values[i])
		}
	}
	if last := mirror.values[len(mirror.values)-1]; last != s.Now() {
		t.Errorf("last mirrored value = %v, want %v", last, s.Now())
	}
}

// blockingMirror holds every SetClock until release is closed.
type blockingMirror struct {
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMirror) SetClock(ctx context.Context, _ int64) error {
	m.entered <- struct{}{}
	select {
	case <-m.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestAdvanceDoesNotBlockWhileMirroring(t *testing.T) {
	mirror := &blockingMirror{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s := sharedState{mirror: mirror}
	done := make(chan error, 1)
	go func() {
		_, err := s.Advance(context.Background(), 100)
		done <- err
	}()
	<-mirror.entered

	// The store is stuck, yet the other loop still reads and updates the state.
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		if now := s.Now(); now != 100 {
			t.Errorf("Now() = %v while mirroring, want 100", now)
		}
		if !s.Claim(Command{ID: 1}) {
			t.Error("Claim() failed while mirroring")
		}
		s.InFlight()
		s.Quit()
		s.Quitting()
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("shared state blocked behind a pending mirror write")
	}

	close(mirror.release)
	if err := <-done; err != nil {
		t.Fatalf("Advance() failed: %v", err)
	}
}

func TestAdvanceMirrorFailure(t *testing.T) {
	errMirror := errors.New("store down")
	s := sharedState{mirror: &recordingMirror{err: errMirror}}
	now, err := s.Advance(context.Background(), 9)
	if !errors.Is(err, errMirror) {
		t.Fatalf("Advance() error = %v, want %v", err, errMirror)
	}
	// The in-memory clock still moved.
	if now != 9 || s.Now() != 9 {
		t.Errorf("Advance() = %v, Now() = %v, want 9", now, s.Now())
	}
}

func TestInFlightSlot(t *testing.T) {
	var s sharedState
	if _, ok := s.InFlight(); ok {
		t.Fatal("InFlight() reports a command before any claim")
	}

	first := Command{ID: 1, Name: "HOME"}
	if !s.Claim(first) {
		t.Fatal("Claim() on an empty slot failed")
	}
	if s.Claim(Command{ID: 2, Name: "MOVE"}) {
		t.Fatal("Claim() on an occupied slot succeeded")
	}
	if got, ok := s.InFlight(); !ok || got != first {
		t.Errorf("InFlight() = %v, %v, want %v, true", got, ok, first)
	}

	if got, ok := s.Release(); !ok || got != first {
		t.Errorf("Release() = %v, %v, want %v, true", got, ok, first)
	}
	if _, ok := s.Release(); ok {
		t.Error("second Release() reports a command")
	}
}

func TestClaimIsExclusive(t *testing.T) {
	var s sharedState
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int64
	)
	for id := int64(1); id <= 16; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Claim(Command{ID: id}) {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("%d concurrent claims succeeded, want 1: %v", len(winners), winners)
	}
	if got, _ := s.InFlight(); got.ID != winners[0] {
		t.Errorf("InFlight().ID = %v, want %v", got.ID, winners[0])
	}
}

func TestQuit(t *testing.T) {
	var s sharedState
	if s.Quitting() {
		t.Fatal("Quitting() before Quit()")
	}
	s.Quit()
	s.Quit()
	if !s.Quitting() {
		t.Fatal("not Quitting() after Quit()")
	}
}
