package gossip

import (
	"sync"
	"time"
)

// DetectorConfig holds the timing of heartbeats and failure detection.
type DetectorConfig struct {
	Fanout            int           // successors sent to, predecessors listened to
	HeartbeatInterval time.Duration // period of the heartbeat sender
	SuspectTimeout    time.Duration // silence before a listened member is suspected
	EraseTimeout      time.Duration // suspicion age before the member is evicted
	ScanInterval      time.Duration // period of the detector scan
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Fanout:            3,
		HeartbeatInterval: 500 * time.Millisecond,
		SuspectTimeout:    3 * time.Second,
		EraseTimeout:      4 * time.Second,
		ScanInterval:      100 * time.Millisecond,
	}
}

// suspectSet tracks when suspicion of each address began.
type suspectSet struct {
	mu    sync.Mutex
	since map[string]time.Time
}

func newSuspectSet() *suspectSet {
	return &suspectSet{since: make(map[string]time.Time)}
}

// add records addr as suspected at now. It reports false if addr was
// already suspected.
func (s *suspectSet) add(addr string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.since[addr]; ok {
		return false
	}
	s.since[addr] = now
	return true
}

// remove unsuspects addr and reports whether it was suspected.
func (s *suspectSet) remove(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.since[addr]; !ok {
		return false
	}
	delete(s.since, addr)
	return true
}

func (s *suspectSet) has(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.since[addr]
	return ok
}

// expired removes and returns every address suspected for longer than age.
func (s *suspectSet) expired(now time.Time, age time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for a, t := range s.since {
		if now.Sub(t) > age {
			out = append(out, a)
			delete(s.since, a)
		}
	}
	return out
}

func (s *suspectSet) clear() {
	s.mu.Lock()
	s.since = make(map[string]time.Time)
	s.mu.Unlock()
}

// scan runs one pass of the failure detector. Listened members silent for
// longer than SuspectTimeout become suspects; suspects older than
// EraseTimeout are evicted and returned.
func (g *Gossiper) scan(now time.Time) (suspected, evicted []string) {
	if g.table.Len() < 2 {
		return nil, nil
	}
	for _, addr := range g.ListenTargets() {
		m, ok := g.table.Get(addr)
		if !ok || now.Sub(m.LastUpdated) <= g.cfg.Detector.SuspectTimeout {
			continue
		}
		if g.suspects.add(addr, now) {
			g.table.Suspect(addr)
			suspected = append(suspected, addr)
		}
	}
	for _, addr := range g.suspects.expired(now, g.cfg.Detector.EraseTimeout) {
		if g.table.Remove(addr) {
			evicted = append(evicted, addr)
		}
	}
	return suspected, evicted
}
