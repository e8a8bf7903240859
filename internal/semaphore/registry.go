package semaphore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtingers/semabroker/internal/config"
	"github.com/mtingers/semabroker/internal/metrics"
	"github.com/mtingers/semabroker/internal/protocol"
)

// Registry maps semaphore names to their State and serializes every
// acquire, release and disconnect behind a single mutex.
type Registry struct {
	mu      sync.Mutex
	states  map[string]*State
	touched map[Handle]map[string]struct{} // handle → names it owns or waits on
	senders map[Handle]Sender

	gcInterval time.Duration
	gcMaxIdle  time.Duration

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewRegistry(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		states:     make(map[string]*State),
		touched:    make(map[Handle]map[string]struct{}),
		senders:    make(map[Handle]Sender),
		gcInterval: cfg.GCInterval,
		gcMaxIdle:  cfg.GCMaxIdle,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// ---------------------------------------------------------------------------
// Internal helpers (must be called with r.mu held)
// ---------------------------------------------------------------------------

func (r *Registry) getOrCreateLocked(name string) *State {
	st, ok := r.states[name]
	if !ok {
		st = newState(name, r.now())
		r.states[name] = st
		r.metrics.SetNames(len(r.states))
	}
	return st
}

func (r *Registry) touchLocked(h Handle, name string) {
	names, ok := r.touched[h]
	if !ok {
		names = make(map[string]struct{})
		r.touched[h] = names
	}
	names[name] = struct{}{}
}

func (r *Registry) untouchLocked(h Handle, name string) {
	names, ok := r.touched[h]
	if !ok {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(r.touched, h)
	}
}

// sendLocked queues m on h's connection. A handle without a sender has
// already disconnected.
func (r *Registry) sendLocked(h Handle, m protocol.Message) error {
	s, ok := r.senders[h]
	if !ok {
		return ErrPeerGone
	}
	return s.Send(m)
}

func (r *Registry) replyLocked(h Handle, m protocol.Message) {
	if err := r.sendLocked(h, m); err != nil {
		r.log.Debug("reply dropped", "conn_id", h.ID, "name", m.Name, "result", m.Result, "err", err)
	}
}

// releaseLocked gives up h's ownership of st and hands it to the first
// waiter that can still be notified. Waiters whose connection is gone are
// skipped as if they had acquired and immediately released.
func (r *Registry) releaseLocked(st *State, h Handle) {
	r.untouchLocked(h, st.Name)
	for st.waiting.Len() > 0 {
		next := st.waiting.PopFront()
		st.owner = next
		err := r.sendLocked(next, protocol.Message{Result: protocol.Acquired, Name: st.Name})
		if err == nil {
			r.metrics.Promotion()
			r.log.Debug("promoted", "name", st.Name, "from", h.ID, "to", next.ID)
			return
		}
		if !errors.Is(err, ErrPeerGone) {
			// The peer is still attached; keep it as owner. Its disconnect
			// cleanup releases the name if the connection dies.
			r.log.Warn("promotion send failed", "name", st.Name, "conn_id", next.ID, "err", err)
			return
		}
		r.metrics.Cascade()
		r.log.Info("promoted waiter gone, cascading", "name", st.Name, "conn_id", next.ID)
		r.untouchLocked(next, st.Name)
	}
	st.locked = false
	st.owner = Handle{}
}

// ---------------------------------------------------------------------------
// Session attachment
// ---------------------------------------------------------------------------

// Attach registers the send capability for h. Replies and promotions for h
// are dropped until it is attached.
func (r *Registry) Attach(h Handle, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[h] = s
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// Acquire requests name for h and queues exactly one reply to h.
func (r *Registry) Acquire(name string, h Handle) protocol.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(name)
	st.LastActivity = r.now()

	var res protocol.Result
	switch {
	case st.ownedBy(h):
		res = protocol.AlreadyOwned
	case !st.locked:
		st.owner = h
		st.locked = true
		r.touchLocked(h, name)
		res = protocol.Acquired
	case st.queuedAt(h) >= 0:
		res = protocol.AlreadyQueued
	default:
		st.waiting.PushBack(h)
		r.touchLocked(h, name)
		res = protocol.Queued
	}

	r.replyLocked(h, protocol.Message{Result: res, Name: name})
	r.metrics.Request(string(protocol.VerbAcquire), res.String())
	return res
}

// Release gives up h's ownership of name, promoting the next live waiter,
// and queues exactly one reply to h.
func (r *Registry) Release(name string, h Handle) protocol.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.getOrCreateLocked(name)
	st.LastActivity = r.now()

	res := protocol.NotOwner
	if st.ownedBy(h) {
		r.releaseLocked(st, h)
		res = protocol.Released
	}

	r.replyLocked(h, protocol.Message{Result: res, Name: name})
	r.metrics.Request(string(protocol.VerbRelease), res.String())
	return res
}

// Disconnect drops every claim h holds: owned names are released with
// promotion, queue entries are removed. No reply is sent to h. The cost is
// proportional to the names h touched, not to the registry size.
func (r *Registry) Disconnect(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.senders, h)
	names := r.touched[h]
	delete(r.touched, h)

	now := r.now()
	for name := range names {
		st, ok := r.states[name]
		if !ok {
			continue
		}
		st.LastActivity = now
		if st.ownedBy(h) {
			r.log.Info("disconnect cleanup: releasing", "name", name, "conn_id", h.ID)
			r.metrics.DisconnectRelease()
			r.releaseLocked(st, h)
			continue
		}
		if i := st.queuedAt(h); i >= 0 {
			st.waiting.Remove(i)
			r.log.Debug("disconnect cleanup: dequeued", "name", name, "conn_id", h.ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Idle eviction
// ---------------------------------------------------------------------------

// SetIdlePolicy changes the eviction interval and idle limit at runtime.
// A zero maxIdle disables eviction.
func (r *Registry) SetIdlePolicy(interval, maxIdle time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.gcInterval = interval
	}
	r.gcMaxIdle = maxIdle
}

// EvictIdle removes unlocked entries with empty queues that have not been
// referenced for longer than the idle limit. Returns the number removed.
func (r *Registry) EvictIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gcMaxIdle <= 0 {
		return 0
	}
	now := r.now()
	var evicted int
	for name, st := range r.states {
		if st.idle() && now.Sub(st.LastActivity) > r.gcMaxIdle {
			r.log.Debug("GC: pruning unused state", "name", name)
			delete(r.states, name)
			evicted++
		}
	}
	if evicted > 0 {
		r.metrics.Evicted(evicted)
		r.metrics.SetNames(len(r.states))
	}
	return evicted
}

// GCLoop runs EvictIdle every interval until ctx is cancelled.
func (r *Registry) GCLoop(ctx context.Context) {
	r.log.Debug("gc_loop: [starting]")
	r.mu.Lock()
	interval := r.gcInterval
	r.mu.Unlock()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle()
			r.mu.Lock()
			next := r.gcInterval
			r.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Lookup returns a copy of name's state, if the registry tracks it.
func (r *Registry) Lookup(name string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	if !ok {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Touched returns the names h currently owns or waits on.
func (r *Registry) Touched(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.touched[h]))
	for name := range r.touched[h] {
		names = append(names, name)
	}
	return names
}

// Len returns the number of tracked names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
