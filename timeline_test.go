package physicaltwin

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestTimelineInsert(t *testing.T) {
	tests := []struct {
		name   string
		insert []int64
		want   []int64
	}{
		{name: "empty"},
		{name: "single", insert: []int64{5}, want: []int64{5}},
		{name: "ascending", insert: []int64{1, 2, 3}, want: []int64{1, 2, 3}},
		{name: "descending", insert: []int64{3, 2, 1}, want: []int64{1, 2, 3}},
		{name: "between", insert: []int64{10, 30, 20}, want: []int64{10, 20, 30}},
		{name: "duplicates", insert: []int64{20, 10, 20, 10, 30, 30}, want: []int64{10, 20, 30}},
		{name: "negative", insert: []int64{0, -10, 10}, want: []int64{-10, 0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline()
			for _, ts := range tt.insert {
				tl.Insert(ts)
			}
			got, err := FollowChain(tl.Links())
			if err != nil {
				t.Fatalf("FollowChain() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("chain mismatch (-want +got):\n%s", diff)
			}
			if tl.Len() != len(tt.want) {
				t.Errorf("Len() = %v, want %v", tl.Len(), len(tt.want))
			}
		})
	}
}

func TestTimelineInsertIsIdempotent(t *testing.T) {
	tl := NewTimeline()
	for _, ts := range []int64{10, 30} {
		tl.Insert(ts)
	}
	if !tl.Insert(20) {
		t.Fatal("first Insert(20) reports an existing node")
	}
	before := tl.Links()
	if tl.Insert(20) {
		t.Fatal("second Insert(20) reports a new node")
	}
	if diff := cmp.Diff(before, tl.Links()); diff != "" {
		t.Errorf("links changed by a repeated insert (-before +after):\n%s", diff)
	}
}

func TestTimelineRelinksNeighbours(t *testing.T) {
	tl := NewTimeline()
	tl.Insert(10)
	tl.Insert(30)
	if next, _ := tl.Next(10); next != 30 {
		t.Fatalf("Next(10) = %v, want 30", next)
	}

	tl.Insert(20)
	// The direct link 10->30 is replaced by 10->20->30.
	want := map[int64][]int64{10: {20}, 20: {30}, 30: nil}
	if diff := cmp.Diff(want, tl.Links()); diff != "" {
		t.Errorf("Links() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := tl.Next(30); ok {
		t.Error("the last node has a successor")
	}
}

func TestTimelineNeighbours(t *testing.T) {
	tl := NewTimeline()
	for _, ts := range []int64{10, 20, 30} {
		tl.Insert(ts)
	}
	tests := []struct {
		ts      int64
		prev    int64
		hasPrev bool
		next    int64
		hasNext bool
	}{
		{ts: 5, next: 10, hasNext: true},
		{ts: 10, next: 20, hasNext: true},
		{ts: 15, prev: 10, hasPrev: true, next: 20, hasNext: true},
		{ts: 20, prev: 10, hasPrev: true, next: 30, hasNext: true},
		{ts: 30, prev: 20, hasPrev: true},
		{ts: 35, prev: 30, hasPrev: true},
	}
	for _, tt := range tests {
		prev, hasPrev, next, hasNext := tl.Neighbours(tt.ts)
		if prev != tt.prev || hasPrev != tt.hasPrev || next != tt.next || hasNext != tt.hasNext {
			t.Errorf("Neighbours(%v) = %v, %v, %v, %v, want %v, %v, %v, %v",
				tt.ts, prev, hasPrev, next, hasNext, tt.prev, tt.hasPrev, tt.next, tt.hasNext)
		}
	}
}

func TestTimelineArbitraryOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		var inserted []int64
		tl := NewTimeline()
		for i := 0; i < 200; i++ {
			// A narrow range makes repeated timestamps likely.
			ts := rand.Int64N(150)
			inserted = append(inserted, ts)
			tl.Insert(ts)
		}

		want := slices.Clone(inserted)
		slices.Sort(want)
		want = slices.Compact(want)

		got, err := FollowChain(tl.Links())
		if err != nil {
			t.Fatalf("FollowChain() after inserting %v failed: %v", inserted, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("chain after inserting %v mismatch (-want +got):\n%s", inserted, diff)
		}
	}
}

func TestFollowChainBroken(t *testing.T) {
	tests := []struct {
		name  string
		links map[int64][]int64
	}{
		{name: "two-heads", links: map[int64][]int64{1: nil, 2: nil}},
		{name: "branch", links: map[int64][]int64{1: {2, 3}, 2: nil, 3: nil}},
		{name: "merge", links: map[int64][]int64{1: {3}, 2: {3}, 3: nil}},
		{name: "backwards", links: map[int64][]int64{1: nil, 2: {1}}},
		{name: "self-loop", links: map[int64][]int64{1: {1}}},
		{name: "unknown-successor", links: map[int64][]int64{1: {2}}},
		{name: "skipping", links: map[int64][]int64{1: {3}, 2: nil, 3: nil}},
		{name: "cycle-beside-chain", links: map[int64][]int64{1: {2}, 2: nil, 3: {4}, 4: {3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if chain, err := FollowChain(tt.links); !errors.Is(err, ErrBrokenChain) {
				t.Errorf("FollowChain(%v) = %v, %v, want error %v", tt.links, chain, err, ErrBrokenChain)
			}
		})
	}
}
