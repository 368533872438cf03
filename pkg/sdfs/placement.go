package sdfs

import (
	"slices"

	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
)

// Plan is the work one node does for one reconciliation pass.
type Plan struct {
	Push    map[string][]string // file -> nodes that must receive a copy from us
	Drop    []string            // files we no longer serve
	Primary map[string]bool     // new primary flag per held file
}

// PlanReconcile computes this node's share of moving replicas from the
// placement under prev to the placement under cur. For each held file the
// first surviving member of the old replica set pushes to the members that
// are new in the replica set; holders outside the new set drop their copy.
func PlanReconcile(self string, held, prev, cur []string, r *ring.Ring, replicas int) Plan {
	p := Plan{Push: make(map[string][]string), Primary: make(map[string]bool, len(held))}
	wasAlive := setOf(prev)
	isAlive := setOf(cur)

	for _, name := range held {
		oldSet := r.Place(name, replicas, wasAlive)
		newSet := r.Place(name, replicas, isAlive)

		if pusher, ok := firstIn(oldSet, isAlive); ok && pusher == self {
			var to []string
			for _, a := range newSet {
				if a != self && !slices.Contains(oldSet, a) {
					to = append(to, a)
				}
			}
			if len(to) > 0 {
				p.Push[name] = to
			}
		}
		if !slices.Contains(newSet, self) {
			p.Drop = append(p.Drop, name)
		}
		p.Primary[name] = len(newSet) > 0 && newSet[0] == self
	}
	return p
}

// Slaves is the replica-serving successor list of self: the next
// replicas-1 alive nodes on the ring.
func Slaves(self string, alive []string, replicas int) []string {
	sorted := slices.Clone(alive)
	slices.Sort(sorted)
	return ring.Successors(sorted, self, replicas-1, nil)
}

func setOf(addrs []string) func(string) bool {
	m := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return func(a string) bool {
		_, ok := m[a]
		return ok
	}
}

func firstIn(addrs []string, alive func(string) bool) (string, bool) {
	for _, a := range addrs {
		if alive(a) {
			return a, true
		}
	}
	return "", false
}
