package semaphore

import (
	"time"

	"github.com/gammazero/deque"
)

// State is the owner and FIFO wait queue of one named semaphore.
//
// Invariants: at most one owner; a handle is queued at most once and never
// while it owns; an unlocked state has an empty queue.
type State struct {
	Name         string
	LastActivity time.Time

	owner   Handle
	locked  bool
	waiting deque.Deque[Handle]
}

func newState(name string, now time.Time) *State {
	return &State{Name: name, LastActivity: now}
}

func (st *State) ownedBy(h Handle) bool {
	return st.locked && st.owner == h
}

func (st *State) queuedAt(h Handle) int {
	return st.waiting.Index(func(w Handle) bool { return w == h })
}

func (st *State) idle() bool {
	return !st.locked && st.waiting.Len() == 0
}

// Snapshot is a copy of a State safe to read without the registry lock.
type Snapshot struct {
	Name         string
	Owner        Handle
	Locked       bool
	Waiting      []Handle
	LastActivity time.Time
}

func (st *State) snapshot() Snapshot {
	s := Snapshot{
		Name:         st.Name,
		Owner:        st.owner,
		Locked:       st.locked,
		LastActivity: st.LastActivity,
		Waiting:      make([]Handle, 0, st.waiting.Len()),
	}
	for i := 0; i < st.waiting.Len(); i++ {
		s.Waiting = append(s.Waiting, st.waiting.At(i))
	}
	return s
}
