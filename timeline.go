package physicaltwin

import (
	"errors"
	"fmt"
	"slices"

	"github.com/google/btree"
)

// A Timeline is an ordered index of distinct timestamps in which every node is
// explicitly linked to its chronological successor.
//
// It is the in-memory rendition of the chain every EventStore maintains. The
// index (a B-tree) answers neighbour queries; the links are what consumers of
// the chain follow. Insert keeps both consistent.
//
// The zero value is not ready for use; call NewTimeline. A Timeline is not safe
// for concurrent use.
type Timeline struct {
	index *btree.BTreeG[int64]
	next  map[int64]int64
}

// NewTimeline returns an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		index: btree.NewG[int64](8, func(a, b int64) bool { return a < b }),
		next:  make(map[int64]int64),
	}
}

// Insert adds a node for the given timestamp unless one already exists, and
// relinks its neighbours: prev->ts and ts->next replace the direct prev->next
// link. It reports whether a node was added.
func (t *Timeline) Insert(ts int64) bool {
	if t.index.Has(ts) {
		return false
	}
	prev, hasPrev, next, hasNext := t.Neighbours(ts)
	t.index.ReplaceOrInsert(ts)
	if hasPrev {
		// Overwriting the successor of prev removes the link prev->next.
		t.next[prev] = ts
	}
	if hasNext {
		t.next[ts] = next
	}
	return true
}

// Neighbours returns the largest timestamp strictly before ts and the smallest
// timestamp strictly after it.
func (t *Timeline) Neighbours(ts int64) (prev int64, hasPrev bool, next int64, hasNext bool) {
	t.index.DescendLessOrEqual(ts, func(item int64) bool {
		if item == ts {
			return true
		}
		prev, hasPrev = item, true
		return false
	})
	t.index.AscendGreaterOrEqual(ts, func(item int64) bool {
		if item == ts {
			return true
		}
		next, hasNext = item, true
		return false
	})
	return prev, hasPrev, next, hasNext
}

// Has reports whether the timeline holds a node for ts.
func (t *Timeline) Has(ts int64) bool {
	return t.index.Has(ts)
}

// Next returns the successor linked to ts.
func (t *Timeline) Next(ts int64) (int64, bool) {
	next, ok := t.next[ts]
	return next, ok
}

// Len returns the number of nodes.
func (t *Timeline) Len() int {
	return t.index.Len()
}

// Links returns every node mapped to the successors it links to, in the form
// FollowChain expects.
func (t *Timeline) Links() map[int64][]int64 {
	links := make(map[int64][]int64, t.index.Len())
	t.index.Ascend(func(ts int64) bool {
		links[ts] = nil
		if next, ok := t.next[ts]; ok {
			links[ts] = []int64{next}
		}
		return true
	})
	return links
}

// ErrBrokenChain is wrapped by errors describing a timeline whose links do not
// form a single chain in strictly increasing order.
var ErrBrokenChain = errors.New("broken timeline chain")

// FollowChain walks a timeline given as every node mapped to the successors it
// links to, and returns the nodes in link order.
//
// It fails with ErrBrokenChain unless the links form exactly one chain: a
// single node without predecessor, at most one successor per node, each
// successor strictly greater than its predecessor, and every node reachable
// from the head.
func FollowChain(links map[int64][]int64) ([]int64, error) {
	if len(links) == 0 {
		return nil, nil
	}
	indegree := make(map[int64]int, len(links))
	for from, to := range links {
		if len(to) > 1 {
			return nil, fmt.Errorf("%w: node %d links to %v", ErrBrokenChain, from, to)
		}
		for _, n := range to {
			if _, ok := links[n]; !ok {
				return nil, fmt.Errorf("%w: node %d links to unknown node %d", ErrBrokenChain, from, n)
			}
			if n <= from {
				return nil, fmt.Errorf("%w: node %d links back to %d", ErrBrokenChain, from, n)
			}
			indegree[n]++
		}
	}

	var heads []int64
	for n := range links {
		if indegree[n] > 1 {
			return nil, fmt.Errorf("%w: node %d has %d predecessors", ErrBrokenChain, n, indegree[n])
		}
		if indegree[n] == 0 {
			heads = append(heads, n)
		}
	}
	if len(heads) != 1 {
		slices.Sort(heads)
		return nil, fmt.Errorf("%w: %d heads %v", ErrBrokenChain, len(heads), heads)
	}

	// Successors are strictly increasing, so the walk cannot cycle.
	chain := make([]int64, 0, len(links))
	n := heads[0]
	for {
		chain = append(chain, n)
		to := links[n]
		if len(to) == 0 {
			break
		}
		n = to[0]
	}
	if len(chain) != len(links) {
		return nil, fmt.Errorf("%w: %d of %d nodes reachable from %d", ErrBrokenChain, len(chain), len(links), heads[0])
	}
	return chain, nil
}
