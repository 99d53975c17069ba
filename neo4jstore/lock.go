package neo4jstore

import (
	"sync"
)

// Neo4j's read-committed isolation lets a reader running concurrently with a
// timeline insertion observe the new Time node before the NEXT links around it
// are rewired. Following the chain at that moment reports a broken timeline that
// is perfectly healthy a few milliseconds later.
//
// Writers already serialise among themselves by locking the TimelineLock node in
// the database (see ensureTimelineNode), so within this process we only need to
// keep readers of the chain away from them. The graphWRMutex is an adaptation of
// sync.RWMutex in which multiple concurrent write transactions are permissible,
// but chain reads must be exclusive. The zero value for a graphWRMutex is an
// unlocked mutex.
type graphWRMutex sync.RWMutex

// WLock locks wr for writing. Writers do not exclude each other.
func (wr *graphWRMutex) WLock() {
	(*sync.RWMutex)(wr).RLock()
}

// WUnlock undoes a single WLock call.
func (wr *graphWRMutex) WUnlock() {
	(*sync.RWMutex)(wr).RUnlock()
}

// Lock locks wr for reading. If the lock is already locked for writing or
// reading, Lock blocks until the lock is available.
func (wr *graphWRMutex) Lock() {
	(*sync.RWMutex)(wr).Lock()
}

// Unlock unlocks wr for reading.
func (wr *graphWRMutex) Unlock() {
	(*sync.RWMutex)(wr).Unlock()
}
