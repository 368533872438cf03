package gossip

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fastDetector = DetectorConfig{
	Fanout:            3,
	HeartbeatInterval: 20 * time.Millisecond,
	SuspectTimeout:    150 * time.Millisecond,
	EraseTimeout:      150 * time.Millisecond,
	ScanInterval:      10 * time.Millisecond,
}

type cluster struct {
	net   *ChannelNetwork
	nodes map[string]*Gossiper
}

func newCluster(t *testing.T, n int) (*cluster, []string) {
	t.Helper()
	c := &cluster{net: NewChannelNetwork(), nodes: make(map[string]*Gossiper)}
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("10.0.0.%d:8000", i+1)
	}
	for _, a := range addrs {
		g := New(Config{Self: a, Introducer: addrs[0], Detector: fastDetector}, c.net.Transport(a), zap.NewNop())
		g.Start(context.Background())
		c.nodes[a] = g
	}
	t.Cleanup(func() {
		for _, g := range c.nodes {
			g.Stop()
		}
	})
	return c, addrs
}

func (c *cluster) joinAll(t *testing.T, addrs []string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, a := range addrs {
		require.NoError(t, c.nodes[a].Join(ctx), "join %s", a)
	}
}

func sameView(nodes []*Gossiper, want []string) func() bool {
	return func() bool {
		for _, g := range nodes {
			got := g.Alive()
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
		}
		return true
	}
}

func TestJoinConverges(t *testing.T) {
	c, addrs := newCluster(t, 5)
	c.joinAll(t, addrs)

	var all []*Gossiper
	for _, a := range addrs {
		all = append(all, c.nodes[a])
	}
	require.Eventually(t, sameView(all, addrs), 2*time.Second, 10*time.Millisecond)
	for _, g := range all {
		assert.True(t, g.Joined())
	}
}

func TestJoinBlocksUntilIntroducerUp(t *testing.T) {
	c, addrs := newCluster(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.nodes[addrs[1]].Join(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, c.nodes[addrs[1]].Joined())
}

func TestCrashedMemberIsEvicted(t *testing.T) {
	c, addrs := newCluster(t, 5)

	var mu sync.Mutex
	left := map[string][]string{}
	for _, a := range addrs {
		a := a
		c.nodes[a].Subscribe(func(ev Event) {
			if ev.Kind == MemberLeft {
				mu.Lock()
				left[a] = append(left[a], ev.Addr)
				mu.Unlock()
			}
		})
	}
	c.joinAll(t, addrs)

	var all []*Gossiper
	for _, a := range addrs {
		all = append(all, c.nodes[a])
	}
	require.Eventually(t, sameView(all, addrs), 2*time.Second, 10*time.Millisecond)

	victim := addrs[2]
	c.nodes[victim].Stop()
	delete(c.nodes, victim)

	survivors := []string{addrs[0], addrs[1], addrs[3], addrs[4]}
	var live []*Gossiper
	for _, a := range survivors {
		live = append(live, c.nodes[a])
	}
	require.Eventually(t, sameView(live, survivors), 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, a := range survivors {
		assert.Contains(t, left[a], victim, "node %s never saw %s leave", a, victim)
	}
}

func TestLeaveIsGossiped(t *testing.T) {
	c, addrs := newCluster(t, 4)
	c.joinAll(t, addrs)

	var all []*Gossiper
	for _, a := range addrs {
		all = append(all, c.nodes[a])
	}
	require.Eventually(t, sameView(all, addrs), 2*time.Second, 10*time.Millisecond)

	leaver := c.nodes[addrs[3]]
	require.NoError(t, leaver.Leave(context.Background()))
	assert.False(t, leaver.Joined())
	assert.Empty(t, leaver.Alive())
	assert.ErrorIs(t, leaver.Leave(context.Background()), ErrNotJoined)

	rest := all[:3]
	require.Eventually(t, sameView(rest, addrs[:3]), time.Second, 10*time.Millisecond)
}

func TestTargetsMirror(t *testing.T) {
	tb := NewTable("c:1")
	tb.Bootstrap(1, time.Now())
	for _, a := range []string{"a:1", "b:1", "d:1", "e:1"} {
		tb.Apply(Record{Addr: a, Timestamp: 1, Type: MsgAnnounce}, time.Now())
	}
	g := &Gossiper{cfg: Config{Self: "c:1", Detector: fastDetector}, table: tb, suspects: newSuspectSet()}

	assert.Equal(t, []string{"d:1", "e:1", "a:1"}, g.SendTargets())
	assert.Equal(t, []string{"b:1", "a:1", "e:1"}, g.ListenTargets())
}

func TestScanSuspectsThenEvicts(t *testing.T) {
	t0 := time.Unix(1000, 0)
	tb := NewTable("b:1")
	tb.Bootstrap(1, t0)
	tb.Apply(Record{Addr: "a:1", Timestamp: 1, Type: MsgAnnounce}, t0)
	g := &Gossiper{cfg: Config{Self: "b:1", Detector: fastDetector}, table: tb, suspects: newSuspectSet()}

	s, e := g.scan(t0.Add(100 * time.Millisecond))
	assert.Empty(t, s)
	assert.Empty(t, e)

	t1 := t0.Add(200 * time.Millisecond)
	s, e = g.scan(t1)
	assert.Equal(t, []string{"a:1"}, s)
	assert.Empty(t, e)
	m, _ := tb.Get("a:1")
	assert.Equal(t, StateSuspect, m.State)

	s, e = g.scan(t1.Add(100 * time.Millisecond))
	assert.Empty(t, s, "already suspected")
	assert.Empty(t, e)

	_, e = g.scan(t1.Add(200 * time.Millisecond))
	assert.Equal(t, []string{"a:1"}, e)
	_, ok := tb.Get("a:1")
	assert.False(t, ok)
}
