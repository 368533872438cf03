package sdfs

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
)

var ringAddrs = []string{"n1:7000", "n2:7000", "n3:7000", "n4:7000", "n5:7000"}

func without(addrs []string, drop string) []string {
	return slices.DeleteFunc(slices.Clone(addrs), func(a string) bool { return a == drop })
}

// holdersAfter simulates one pass on every node that held name under prev.
func holdersAfter(r *ring.Ring, name string, prev, cur []string, replicas int) (held []string, primaries int) {
	before := r.Place(name, replicas, setOf(prev))
	have := map[string]bool{}
	for _, a := range before {
		if slices.Contains(cur, a) {
			have[a] = true
		}
	}
	for _, a := range before {
		if !slices.Contains(cur, a) {
			continue
		}
		p := PlanReconcile(a, []string{name}, prev, cur, r, replicas)
		for _, to := range p.Push[name] {
			have[to] = true
		}
		if slices.Contains(p.Drop, name) {
			delete(have, a)
		}
	}
	after := r.Place(name, replicas, setOf(cur))
	for a := range have {
		held = append(held, a)
	}
	slices.Sort(held)
	for _, a := range held {
		if len(after) > 0 && after[0] == a {
			primaries++
		}
	}
	return held, primaries
}

func TestPlanConvergesAfterFailure(t *testing.T) {
	r := ring.New(ringAddrs, nil)
	for _, name := range []string{"a", "b", "dataA", "input_3", "wc_7_1"} {
		set := r.Place(name, 3, nil)
		for _, victim := range set {
			cur := without(ringAddrs, victim)
			held, primaries := holdersAfter(r, name, ringAddrs, cur, 3)

			want := r.Place(name, 3, setOf(cur))
			slices.Sort(want)
			assert.Equal(t, want, held, "file %s victim %s", name, victim)
			assert.Equal(t, 1, primaries)
		}
	}
}

func TestPlanConvergesAfterJoin(t *testing.T) {
	r := ring.New(ringAddrs, nil)
	for _, name := range []string{"a", "b", "dataA", "input_3", "wc_7_1"} {
		for _, joiner := range ringAddrs {
			prev := without(ringAddrs, joiner)
			held, primaries := holdersAfter(r, name, prev, ringAddrs, 3)

			want := r.Place(name, 3, nil)
			slices.Sort(want)
			assert.Equal(t, want, held, "file %s joiner %s", name, joiner)
			assert.Equal(t, 1, primaries)
		}
	}
}

func TestPlanPrimaryFlag(t *testing.T) {
	r := ring.New(ringAddrs, nil)
	set := r.Place("dataA", 3, nil)
	require.Len(t, set, 3)

	for i, a := range set {
		p := PlanReconcile(a, []string{"dataA"}, ringAddrs, ringAddrs, r, 3)
		assert.Equal(t, i == 0, p.Primary["dataA"])
		assert.Empty(t, p.Push, "no change, nothing to push")
		assert.Empty(t, p.Drop)
	}
}

func TestPlanClampsToAlive(t *testing.T) {
	r := ring.New(ringAddrs, nil)
	three := ringAddrs[:3]
	two := without(three, ringAddrs[2])
	held, primaries := holdersAfter(r, "dataA", three, two, 4)
	assert.Equal(t, two, held)
	assert.Equal(t, 1, primaries)
}

func TestSlaves(t *testing.T) {
	assert.Equal(t, []string{"n4:7000", "n5:7000", "n1:7000"}, Slaves("n3:7000", ringAddrs, 4))
	assert.Equal(t, []string{"n2:7000"}, Slaves("n1:7000", []string{"n2:7000", "n1:7000"}, 4))
}
