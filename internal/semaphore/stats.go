package semaphore

import (
	"sort"

	"github.com/dustin/go-humanize"
)

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

type HeldInfo struct {
	Name        string `json:"name"`
	OwnerConnID uint64 `json:"owner_conn_id"`
	Session     string `json:"session"`
	Waiters     int    `json:"waiters"`
}

type IdleInfo struct {
	Name  string  `json:"name"`
	IdleS float64 `json:"idle_s"`
	Idle  string  `json:"idle"`
}

type Stats struct {
	Connections int64      `json:"connections"`
	Names       int        `json:"names"`
	Held        []HeldInfo `json:"held"`
	Idle        []IdleInfo `json:"idle"`
}

// Stats returns a snapshot of the registry, sorted by name.
func (r *Registry) Stats(connections int64) *Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := &Stats{
		Connections: connections,
		Names:       len(r.states),
		Held:        []HeldInfo{},
		Idle:        []IdleInfo{},
	}

	for name, st := range r.states {
		if st.locked {
			s.Held = append(s.Held, HeldInfo{
				Name:        name,
				OwnerConnID: st.owner.ID,
				Session:     st.owner.Session.String(),
				Waiters:     st.waiting.Len(),
			})
			continue
		}
		idle := now.Sub(st.LastActivity)
		s.Idle = append(s.Idle, IdleInfo{
			Name:  name,
			IdleS: idle.Seconds(),
			Idle:  humanize.RelTime(now.Add(-idle), now, "ago", "from now"),
		})
	}

	sort.Slice(s.Held, func(i, j int) bool { return s.Held[i].Name < s.Held[j].Name })
	sort.Slice(s.Idle, func(i, j int) bool { return s.Idle[i].Name < s.Idle[j].Name })
	return s
}

