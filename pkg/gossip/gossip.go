package gossip

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
)

type Config struct {
	Self       string
	Introducer string
	Detector   DetectorConfig
	Now        func() time.Time
}

// EventKind distinguishes membership changes delivered to subscribers.
type EventKind uint8

const (
	MemberJoined EventKind = iota
	MemberLeft
)

func (k EventKind) String() string {
	if k == MemberJoined {
		return "joined"
	}
	return "left"
}

// Event describes one change to the table. Members is the sorted address
// list right after the change.
type Event struct {
	Kind    EventKind
	Addr    string
	Members []string
}

var ErrNotJoined = errors.New("gossip: not joined")

// Gossiper runs the membership protocol for one node: it applies incoming
// records, sends heartbeats to its successors, watches its predecessors,
// and forwards accepted changes one hop.
type Gossiper struct {
	cfg      Config
	log      *zap.Logger
	tr       Transport
	table    *Table
	suspects *suspectSet

	subMu sync.RWMutex
	subs  []func(Event)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, tr Transport, log *zap.Logger) *Gossiper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector == (DetectorConfig{}) {
		cfg.Detector = DefaultDetectorConfig()
	}
	if cfg.Detector.ScanInterval == 0 {
		cfg.Detector.ScanInterval = cfg.Detector.HeartbeatInterval / 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gossiper{
		cfg:      cfg,
		log:      log.Named("gossip"),
		tr:       tr,
		table:    NewTable(cfg.Self),
		suspects: newSuspectSet(),
	}
}

// Subscribe registers fn for every membership change. fn runs on the
// goroutine that applied the change and must not block.
func (g *Gossiper) Subscribe(fn func(Event)) {
	g.subMu.Lock()
	g.subs = append(g.subs, fn)
	g.subMu.Unlock()
}

// Start launches the receive, heartbeat and detector loops.
func (g *Gossiper) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.wg.Add(3)
	go g.receiveLoop(ctx)
	go g.heartbeatLoop(ctx)
	go g.detectLoop(ctx)
}

// Stop halts all loops and closes the transport.
func (g *Gossiper) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	_ = g.tr.Close()
	g.wg.Wait()
}

// Join enters the group through the introducer and blocks until the
// JOIN_SUCCESS reply has been merged or ctx ends. The introducer joins a
// group of one immediately.
func (g *Gossiper) Join(ctx context.Context) error {
	if g.table.Joined() {
		return nil
	}
	now := g.cfg.Now()
	if g.cfg.Self == g.cfg.Introducer {
		g.table.Bootstrap(now.UnixMilli(), now)
		g.log.Info("started group as introducer", zap.String("addr", g.cfg.Self))
		g.changed(MemberJoined, g.cfg.Self)
		return nil
	}

	rec := Record{Addr: g.cfg.Self, Timestamp: now.UnixMilli(), Type: MsgJoin}
	t := time.NewTicker(g.cfg.Detector.HeartbeatInterval)
	defer t.Stop()
	for {
		g.send(ctx, g.cfg.Introducer, rec)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if g.table.Joined() {
				return nil
			}
		}
	}
}

// Leave announces departure to the send targets and forgets the group.
func (g *Gossiper) Leave(ctx context.Context) error {
	if !g.table.Joined() {
		return ErrNotJoined
	}
	rec := Record{Addr: g.cfg.Self, Timestamp: g.cfg.Now().UnixMilli(), Type: MsgLeave}
	g.fanout(ctx, rec)
	g.table.Clear()
	g.suspects.clear()
	telemetry.Members.Set(0)
	g.log.Info("left group", zap.String("addr", g.cfg.Self))
	return nil
}

func (g *Gossiper) Joined() bool { return g.table.Joined() }

func (g *Gossiper) Self() string { return g.cfg.Self }

func (g *Gossiper) Introducer() string { return g.cfg.Introducer }

// Members returns a copy of the table in ring order.
func (g *Gossiper) Members() []Member { return g.table.Snapshot() }

// Alive returns the sorted addresses currently in the table.
func (g *Gossiper) Alive() []string { return g.table.Addrs() }

func (g *Gossiper) Suspected(addr string) bool { return g.suspects.has(addr) }

// SendTargets are the k successors of self among the current members.
func (g *Gossiper) SendTargets() []string {
	return ring.Successors(g.table.Addrs(), g.cfg.Self, g.cfg.Detector.Fanout, nil)
}

// ListenTargets mirror SendTargets: the k predecessors of self.
func (g *Gossiper) ListenTargets() []string {
	return ring.Predecessors(g.table.Addrs(), g.cfg.Self, g.cfg.Detector.Fanout, nil)
}

func (g *Gossiper) receiveLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-g.tr.Recv():
			if !ok {
				return
			}
			g.handle(ctx, p)
		}
	}
}

func (g *Gossiper) handle(ctx context.Context, p Packet) {
	recs, err := Decode(p.Data)
	if err != nil {
		g.log.Debug("dropping malformed batch", zap.String("from", p.From), zap.Error(err))
		return
	}
	now := g.cfg.Now()
	batchType := recs[0].Type
	telemetry.GossipMessages.WithLabelValues("in", batchType.String()).Add(float64(len(recs)))

	if batchType == MsgJoinSuccess {
		var added []string
		for _, r := range recs {
			if g.table.Apply(r, now) == Added {
				added = append(added, r.Addr)
			}
		}
		g.table.SetJoined(true)
		g.log.Info("joined group", zap.Int("members", g.table.Len()))
		for _, a := range added {
			g.changed(MemberJoined, a)
		}
		return
	}

	for _, r := range recs {
		g.apply(ctx, r, now)
	}
}

func (g *Gossiper) apply(ctx context.Context, r Record, now time.Time) {
	out := g.table.Apply(r, now)
	switch out {
	case Dropped:
		return

	case Added:
		g.log.Info("member added", zap.String("addr", r.Addr), zap.Stringer("via", r.Type))
		if r.Type == MsgJoin {
			g.replyJoin(ctx, r.Addr)
		}
		g.fanout(ctx, Record{Addr: r.Addr, Timestamp: r.Timestamp, Type: MsgAnnounce})
		g.changed(MemberJoined, r.Addr)

	case Refreshed:
		switch r.Type {
		case MsgJoin:
			g.log.Info("member re-announced", zap.String("addr", r.Addr))
			g.suspects.remove(r.Addr)
			g.replyJoin(ctx, r.Addr)
			g.fanout(ctx, Record{Addr: r.Addr, Timestamp: r.Timestamp, Type: MsgAnnounce})
		case MsgAnnounce:
			g.suspects.remove(r.Addr)
			g.fanout(ctx, r)
		case MsgHeartbeat:
			if g.suspects.remove(r.Addr) {
				g.log.Info("member unsuspected", zap.String("addr", r.Addr))
				g.fanout(ctx, r)
			}
		}

	case Removed:
		g.suspects.remove(r.Addr)
		g.log.Info("member removed", zap.String("addr", r.Addr), zap.Stringer("via", r.Type))
		g.fanout(ctx, r)
		g.changed(MemberLeft, r.Addr)
	}
}

func (g *Gossiper) replyJoin(ctx context.Context, addr string) {
	g.send(ctx, addr, g.table.Records()...)
}

func (g *Gossiper) heartbeatLoop(ctx context.Context) {
	defer g.wg.Done()
	t := time.NewTicker(g.cfg.Detector.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !g.table.Joined() || g.table.Len() < 2 {
				continue
			}
			g.fanout(ctx, Record{Addr: g.cfg.Self, Timestamp: g.cfg.Now().UnixMilli(), Type: MsgHeartbeat})
		}
	}
}

func (g *Gossiper) detectLoop(ctx context.Context) {
	defer g.wg.Done()
	t := time.NewTicker(g.cfg.Detector.ScanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !g.table.Joined() {
				continue
			}
			now := g.cfg.Now()
			suspected, evicted := g.scan(now)
			for _, a := range suspected {
				telemetry.Suspicions.Inc()
				g.log.Warn("member suspected", zap.String("addr", a))
			}
			for _, a := range evicted {
				telemetry.Failures.Inc()
				g.log.Warn("member failed", zap.String("addr", a))
				g.fanout(ctx, Record{Addr: a, Timestamp: now.UnixMilli(), Type: MsgFailure})
				g.changed(MemberLeft, a)
			}
		}
	}
}

// fanout sends one record to every send target.
func (g *Gossiper) fanout(ctx context.Context, r Record) {
	for _, addr := range g.SendTargets() {
		g.send(ctx, addr, r)
	}
}

func (g *Gossiper) send(ctx context.Context, addr string, recs ...Record) {
	data, err := Encode(recs)
	if err != nil {
		g.log.Error("encode batch", zap.Error(err))
		return
	}
	if err := g.tr.Send(ctx, addr, data); err != nil {
		g.log.Debug("send failed", zap.String("to", addr), zap.Error(err))
		return
	}
	telemetry.GossipMessages.WithLabelValues("out", recs[0].Type.String()).Add(float64(len(recs)))
}

func (g *Gossiper) changed(kind EventKind, addr string) {
	members := g.table.Addrs()
	telemetry.Members.Set(float64(len(members)))
	g.log.Info("membership list is now", zap.String("members", strings.Join(members, " ")))

	ev := Event{Kind: kind, Addr: addr, Members: members}
	g.subMu.RLock()
	subs := g.subs
	g.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
