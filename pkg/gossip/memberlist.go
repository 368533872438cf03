package gossip

import (
	"slices"
	"sync"
	"time"
)

// State is the local view of a member. A member that left or failed has
// no entry at all; LEAVE and FAILURE remove it.
type State uint8

const (
	StateAlive State = iota
	StateSuspect
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	default:
		return "unknown"
	}
}

type Member struct {
	Addr        string
	Incarnation int64     // sender time of the join or latest re-announce, unix ms
	Timestamp   int64     // newest accepted sender timestamp, unix ms
	LastUpdated time.Time // local time the entry was last refreshed
	State       State
}

// Outcome reports what applying a record did to the table.
type Outcome uint8

const (
	Dropped Outcome = iota
	Added
	Refreshed
	Removed
)

// Table is the membership table of one node. All mutation happens under a
// single lock; readers get copies.
type Table struct {
	mu      sync.RWMutex
	self    string
	joined  bool
	members map[string]*Member
}

func NewTable(self string) *Table {
	return &Table{self: self, members: make(map[string]*Member)}
}

// Apply merges one record received from the network.
//
// A JOIN or ANNOUNCE for an unknown address is always applied. JOIN_SUCCESS
// records are bulk-merged. Anything else needs a known address and a
// timestamp strictly newer than the stored one; an accepted FAILURE or
// LEAVE removes the entry. Before the node has joined only JOIN_SUCCESS is
// accepted.
func (t *Table) Apply(r Record, now time.Time) Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.joined && r.Type != MsgJoinSuccess {
		return Dropped
	}
	m, known := t.members[r.Addr]

	switch r.Type {
	case MsgJoinSuccess:
		if !known {
			t.members[r.Addr] = &Member{Addr: r.Addr, Incarnation: r.Timestamp, Timestamp: r.Timestamp, LastUpdated: now}
			return Added
		}
		m.Timestamp = max(m.Timestamp, r.Timestamp)
		m.LastUpdated = now
		m.State = StateAlive
		return Refreshed

	case MsgJoin, MsgAnnounce:
		if !known {
			t.members[r.Addr] = &Member{Addr: r.Addr, Incarnation: r.Timestamp, Timestamp: r.Timestamp, LastUpdated: now}
			return Added
		}
		if r.Timestamp <= m.Timestamp {
			return Dropped
		}
		m.Incarnation = r.Timestamp
		m.Timestamp = r.Timestamp
		m.LastUpdated = now
		m.State = StateAlive
		return Refreshed
	}

	if !known || r.Timestamp <= m.Timestamp {
		return Dropped
	}
	switch r.Type {
	case MsgFailure, MsgLeave:
		if r.Addr == t.self {
			return Dropped
		}
		delete(t.members, r.Addr)
		return Removed
	case MsgHeartbeat:
		m.Timestamp = r.Timestamp
		m.LastUpdated = now
		m.State = StateAlive
		return Refreshed
	}
	return Dropped
}

// Bootstrap inserts self and marks the table joined. The introducer uses it
// to join a group of one.
func (t *Table) Bootstrap(ts int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[t.self] = &Member{Addr: t.self, Incarnation: ts, Timestamp: ts, LastUpdated: now}
	t.joined = true
}

func (t *Table) SetJoined(v bool) {
	t.mu.Lock()
	t.joined = v
	t.mu.Unlock()
}

func (t *Table) Joined() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.joined
}

// Clear empties the table and marks it not joined.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members = make(map[string]*Member)
	t.joined = false
}

// Suspect marks addr suspected. It reports false if addr is unknown.
func (t *Table) Suspect(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[addr]
	if !ok {
		return false
	}
	m.State = StateSuspect
	return true
}

// Remove deletes addr and reports whether it was present.
func (t *Table) Remove(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[addr]; !ok {
		return false
	}
	delete(t.members, addr)
	return true
}

func (t *Table) Get(addr string) (Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[addr]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Snapshot returns copies of all entries in ring order.
func (t *Table) Snapshot() []Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Member) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return out
}

// Addrs returns the sorted addresses of every entry.
func (t *Table) Addrs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.members))
	for a := range t.members {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Records encodes the table as a JOIN_SUCCESS batch.
func (t *Table) Records() []Record {
	snap := t.Snapshot()
	out := make([]Record, 0, len(snap))
	for _, m := range snap {
		out = append(out, Record{Addr: m.Addr, Timestamp: m.Timestamp, Type: MsgJoinSuccess})
	}
	return out
}
