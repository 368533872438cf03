package ring

import (
	"hash/fnv"
	"slices"
	"sort"
)

type Hasher func([]byte) uint32

// FNV32a is the default hasher for file names and map output keys.
var FNV32a Hasher = fnv32a

// Ring is an immutable, lexicographically sorted snapshot of cluster addresses.
// The order defines ring positions for both heartbeat fan-out and file placement.
type Ring struct {
	addrs []string
	hash  Hasher
}

func New(addrs []string, h Hasher) *Ring {
	if h == nil {
		h = fnv32a
	}
	sorted := slices.Clone(addrs)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return &Ring{addrs: sorted, hash: h}
}

func (r *Ring) Addrs() []string { return slices.Clone(r.addrs) }

func (r *Ring) Len() int { return len(r.addrs) }

// Index returns the ring position of addr, or -1.
func (r *Ring) Index(addr string) int {
	i := sort.SearchStrings(r.addrs, addr)
	if i < len(r.addrs) && r.addrs[i] == addr {
		return i
	}
	return -1
}

// Slot is the ring position a name hashes to.
func (r *Ring) Slot(name string) int {
	if len(r.addrs) == 0 {
		return 0
	}
	return int(r.hash([]byte(name)) % uint32(len(r.addrs)))
}

// Place walks forward from the name's slot, skipping addresses for which
// alive returns false, and collects up to n replicas. The first entry is the
// primary.
func (r *Ring) Place(name string, n int, alive func(string) bool) []string {
	if len(r.addrs) == 0 || n <= 0 {
		return nil
	}
	start := r.Slot(name)
	out := make([]string, 0, n)
	for i := 0; i < len(r.addrs) && len(out) < n; i++ {
		a := r.addrs[(start+i)%len(r.addrs)]
		if alive == nil || alive(a) {
			out = append(out, a)
		}
	}
	return out
}

// Primary returns the first alive address at or after the name's slot.
func (r *Ring) Primary(name string, alive func(string) bool) (string, bool) {
	p := r.Place(name, 1, alive)
	if len(p) == 0 {
		return "", false
	}
	return p[0], true
}

// Successors is the cyclic walk starting just after self over a sorted
// address list, skipping self and any address for which skip returns true.
// self does not need to be present in sorted.
func Successors(sorted []string, self string, k int, skip func(string) bool) []string {
	if len(sorted) == 0 || k <= 0 {
		return nil
	}
	start := sort.SearchStrings(sorted, self)
	if start < len(sorted) && sorted[start] == self {
		start++
	}
	out := make([]string, 0, k)
	for i := 0; i < len(sorted) && len(out) < k; i++ {
		a := sorted[(start+i)%len(sorted)]
		if a == self || (skip != nil && skip(a)) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Predecessors mirrors Successors, walking backwards from just before self.
func Predecessors(sorted []string, self string, k int, skip func(string) bool) []string {
	if len(sorted) == 0 || k <= 0 {
		return nil
	}
	n := len(sorted)
	start := sort.SearchStrings(sorted, self) - 1
	out := make([]string, 0, k)
	for i := 0; i < n && len(out) < k; i++ {
		a := sorted[((start-i)%n+n)%n]
		if a == self || (skip != nil && skip(a)) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Bucket maps a key to one of n buckets.
func Bucket(key string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(fnv32a([]byte(key)) % uint32(n))
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
