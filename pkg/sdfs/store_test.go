package sdfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

type fakeMembers struct {
	mu    sync.Mutex
	alive []string
}

func (f *fakeMembers) Alive() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.alive)
}

func (f *fakeMembers) set(alive []string) {
	f.mu.Lock()
	f.alive = slices.Clone(alive)
	slices.Sort(f.alive)
	f.mu.Unlock()
}

type testCluster struct {
	t       *testing.T
	net     *wire.MemNetwork
	members *fakeMembers
	ring    *ring.Ring
	stores  map[string]*Store
	stops   map[string]func()
	scratch string
}

func newTestCluster(t *testing.T, n, replicas int, policy OverwritePolicy) (*testCluster, []string) {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("n%d:7000", i+1)
	}
	c := &testCluster{
		t:       t,
		net:     wire.NewMemNetwork(),
		members: &fakeMembers{},
		ring:    ring.New(addrs, nil),
		stores:  make(map[string]*Store),
		stops:   make(map[string]func()),
		scratch: t.TempDir(),
	}
	c.members.set(addrs)
	for _, a := range addrs {
		c.start(a, replicas, policy)
	}
	t.Cleanup(func() {
		for _, stop := range c.stops {
			stop()
		}
	})
	return c, addrs
}

func (c *testCluster) start(addr string, replicas int, policy OverwritePolicy) {
	ft, err := NewFileTable(filepath.Join(c.scratch, strings.ReplaceAll(addr, ":", "_")))
	require.NoError(c.t, err)
	s := New(Config{
		Self:           addr,
		Ring:           c.ring,
		Replicas:       replicas,
		Policy:         policy,
		ConfirmTimeout: 100 * time.Millisecond,
		RequestTimeout: time.Second,
		RetryBackoff:   20 * time.Millisecond,
	}, ft, c.members, c.net, zap.NewNop())

	ep, err := wire.Endpoint(addr, wire.Store)
	require.NoError(c.t, err)
	ln, err := c.net.Listen(ep)
	require.NoError(c.t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Serve(ctx, ln)
	}()
	c.stores[addr] = s
	c.stops[addr] = func() {
		cancel()
		<-done
	}
}

// kill stops serving addr and removes it from the membership view.
func (c *testCluster) kill(addr string) {
	c.stops[addr]()
	delete(c.stops, addr)
	delete(c.stores, addr)
	var rest []string
	for a := range c.stores {
		rest = append(rest, a)
	}
	c.members.set(rest)
}

func (c *testCluster) holders(name string) (held []string, primaries int) {
	for a, s := range c.stores {
		if rec, ok := s.Files().Stat(name); ok {
			held = append(held, a)
			if rec.Primary {
				primaries++
			}
		}
	}
	slices.Sort(held)
	return held, primaries
}

func (c *testCluster) localFile(name, content string) string {
	p := filepath.Join(c.scratch, "local", name)
	require.NoError(c.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(c.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPutReplicatesToAllAndGetReads(t *testing.T) {
	c, addrs := newTestCluster(t, 3, 4, nil)
	ctx := ctxT(t)
	src := c.localFile("localA.txt", "line one\nline two\n")

	coord := c.stores[addrs[1]]
	require.NoError(t, coord.Put(ctx, src, "dataA", nil))

	held, primaries := c.holders("dataA")
	assert.Equal(t, addrs, held, "R clamps to the 3 alive nodes")
	assert.Equal(t, 1, primaries)

	where, err := coord.Locate(ctx, "dataA")
	require.NoError(t, err)
	assert.ElementsMatch(t, addrs, where)

	out := filepath.Join(c.scratch, "fetched", "out.txt")
	require.NoError(t, c.stores[addrs[2]].Get(ctx, "dataA", out))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(b))
}

func TestGetAndDeleteMissing(t *testing.T) {
	c, addrs := newTestCluster(t, 3, 3, nil)
	ctx := ctxT(t)
	s := c.stores[addrs[0]]

	err := s.Get(ctx, "nope", filepath.Join(c.scratch, "x"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "nope"), ErrNotFound))
	_, err = s.Locate(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteRemovesEveryReplica(t *testing.T) {
	c, addrs := newTestCluster(t, 4, 3, nil)
	ctx := ctxT(t)
	s := c.stores[addrs[0]]
	require.NoError(t, s.Put(ctx, c.localFile("f", "x"), "doomed", nil))
	held, _ := c.holders("doomed")
	require.Len(t, held, 3)

	require.NoError(t, s.Delete(ctx, "doomed"))
	held, _ = c.holders("doomed")
	assert.Empty(t, held)
}

func TestGetSkipsDeadReplica(t *testing.T) {
	c, addrs := newTestCluster(t, 3, 3, nil)
	ctx := ctxT(t)
	require.NoError(t, c.stores[addrs[0]].Put(ctx, c.localFile("f", "payload"), "dataA", nil))

	primary := c.stores[addrs[0]].Replicas("dataA")[0]
	// Stop serving without telling the others, as before detection.
	c.stops[primary]()
	delete(c.stops, primary)

	var reader *Store
	for a, s := range c.stores {
		if a != primary {
			reader = s
			break
		}
	}
	out := filepath.Join(c.scratch, "got")
	require.NoError(t, reader.Get(ctx, "dataA", out))
	b, _ := os.ReadFile(out)
	assert.Equal(t, "payload", string(b))
}

func TestOverwriteWithinWindowNeedsConfirmation(t *testing.T) {
	c, addrs := newTestCluster(t, 3, 3, FreshnessWindow(time.Hour))
	ctx := ctxT(t)
	s := c.stores[addrs[0]]
	src := c.localFile("f", "v1")

	var asked atomic.Int32
	deny := ConfirmFunc(func(context.Context, string) (bool, error) {
		asked.Add(1)
		return false, nil
	})
	require.NoError(t, s.Put(ctx, src, "doc", deny), "first write has no holder to protect")
	assert.Zero(t, asked.Load())

	src2 := c.localFile("f2", "v2")
	err := s.Put(ctx, src2, "doc", deny)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Equal(t, int32(1), asked.Load())

	silent := ConfirmFunc(func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	start := time.Now()
	err = s.Put(ctx, src2, "doc", silent)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Less(t, time.Since(start), 2*time.Second, "confirmation wait is bounded")

	allow := ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })
	require.NoError(t, s.Put(ctx, src2, "doc", allow))
	out := filepath.Join(c.scratch, "doc")
	require.NoError(t, s.Get(ctx, "doc", out))
	b, _ := os.ReadFile(out)
	assert.Equal(t, "v2", string(b))
}

func TestOverwriteOutsideWindowProceeds(t *testing.T) {
	c, addrs := newTestCluster(t, 3, 3, FreshnessWindow(0))
	ctx := ctxT(t)
	s := c.stores[addrs[0]]

	called := false
	confirm := ConfirmFunc(func(context.Context, string) (bool, error) {
		called = true
		return false, nil
	})
	require.NoError(t, s.Put(ctx, c.localFile("a", "1"), "doc", confirm))
	require.NoError(t, s.Put(ctx, c.localFile("b", "2"), "doc", confirm))
	assert.False(t, called)
}

func TestReconcileRestoresReplicationAfterFailure(t *testing.T) {
	c, addrs := newTestCluster(t, 5, 3, nil)
	ctx := ctxT(t)
	names := []string{"dataA", "dataB", "input_1", "input_2"}
	for _, n := range names {
		require.NoError(t, c.stores[addrs[0]].Put(ctx, c.localFile(n, n+" content"), n, nil))
	}

	victim := c.stores[addrs[0]].Replicas("dataA")[1]
	prev := c.members.Alive()
	c.kill(victim)
	cur := c.members.Alive()

	for _, s := range c.stores {
		require.NoError(t, s.Reconcile(ctx, prev, cur))
	}

	for _, n := range names {
		held, primaries := c.holders(n)
		want := c.ring.Place(n, 3, setOf(cur))
		slices.Sort(want)
		assert.Equal(t, want, held, "file %s", n)
		assert.Equal(t, 1, primaries, "file %s", n)
	}
}

func TestReconcileMovesReplicasToJoiner(t *testing.T) {
	c, addrs := newTestCluster(t, 5, 3, nil)
	ctx := ctxT(t)
	joiner := addrs[2]
	prev := without(addrs, joiner)
	c.members.set(prev)

	names := []string{"dataA", "dataB", "input_1", "input_2", "wc_0_1"}
	for _, n := range names {
		require.NoError(t, c.stores[addrs[0]].Put(ctx, c.localFile(n, n), n, nil))
	}

	c.members.set(addrs)
	for _, s := range c.stores {
		require.NoError(t, s.Reconcile(ctx, prev, addrs))
	}
	for _, n := range names {
		held, primaries := c.holders(n)
		want := c.ring.Place(n, 3, nil)
		slices.Sort(want)
		assert.Equal(t, want, held, "file %s", n)
		assert.Equal(t, 1, primaries, "file %s", n)
	}
	assert.Len(t, c.stores[joiner].Slaves(), 2)
}

func TestObserveRunsReconciliation(t *testing.T) {
	c, addrs := newTestCluster(t, 4, 2, nil)
	ctx := ctxT(t)
	require.NoError(t, c.stores[addrs[0]].Put(ctx, c.localFile("f", "x"), "dataA", nil))

	prev := c.members.Alive()
	for _, s := range c.stores {
		go s.Run(ctx, prev)
	}
	victim := c.stores[addrs[0]].Replicas("dataA")[0]
	c.kill(victim)
	cur := c.members.Alive()
	for _, s := range c.stores {
		s.Observe(cur)
	}

	want := c.ring.Place("dataA", 2, setOf(cur))
	slices.Sort(want)
	require.Eventually(t, func() bool {
		held, primaries := c.holders("dataA")
		return slices.Equal(held, want) && primaries == 1
	}, 3*time.Second, 10*time.Millisecond)
}

// flakyNetwork refuses the first refuse dials to target.
type flakyNetwork struct {
	wire.Network
	target string
	refuse int32
	dials  atomic.Int32
}

func (f *flakyNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if addr == f.target && f.dials.Add(1) <= f.refuse {
		return nil, fmt.Errorf("dial %s: %w", addr, wire.ErrConnRefused)
	}
	return f.Network.Dial(ctx, addr)
}

func TestRunRetriesFailedPush(t *testing.T) {
	c, addrs := newTestCluster(t, 4, 2, nil)
	ctx := ctxT(t)
	require.NoError(t, c.stores[addrs[0]].Put(ctx, c.localFile("f", "x"), "dataA", nil))

	prev := c.members.Alive()
	c.kill(c.stores[addrs[0]].Replicas("dataA")[0])
	cur := c.members.Alive()
	want := c.ring.Place("dataA", 2, setOf(cur))
	slices.Sort(want)

	held, _ := c.holders("dataA")
	require.Len(t, held, 1)
	var newcomer string
	for _, a := range want {
		if !slices.Contains(held, a) {
			newcomer = a
		}
	}
	require.NotEmpty(t, newcomer)
	ep, err := wire.Endpoint(newcomer, wire.Store)
	require.NoError(t, err)

	flaky := &flakyNetwork{Network: c.net, target: ep, refuse: 1}
	for _, s := range c.stores {
		s.net = flaky
		go s.Run(ctx, prev)
	}
	for _, s := range c.stores {
		s.Observe(cur)
	}

	require.Eventually(t, func() bool {
		held, primaries := c.holders("dataA")
		return slices.Equal(held, want) && primaries == 1
	}, 3*time.Second, 10*time.Millisecond, "the refused push is retried without a new membership change")
	assert.GreaterOrEqual(t, flaky.dials.Load(), int32(2))
}

func TestPrefixFilesAndDelete(t *testing.T) {
	c, addrs := newTestCluster(t, 4, 2, nil)
	ctx := ctxT(t)
	s := c.stores[addrs[3]]
	for _, n := range []string{"wc_0_1", "wc_0_2", "wc_3_1", "keep"} {
		require.NoError(t, s.Put(ctx, c.localFile(n, n), n, nil))
	}

	names, err := s.PrefixFiles(ctx, "wc_")
	require.NoError(t, err)
	assert.Equal(t, []string{"wc_0_1", "wc_0_2", "wc_3_1"}, names)

	names, err = s.PrefixFiles(ctx, "wc_0_")
	require.NoError(t, err)
	assert.Equal(t, []string{"wc_0_1", "wc_0_2"}, names)

	require.NoError(t, s.PrefixDelete(ctx, "wc_"))
	names, err = s.PrefixFiles(ctx, "wc_")
	require.NoError(t, err)
	assert.Empty(t, names)
	held, _ := c.holders("keep")
	assert.Len(t, held, 2)
}
