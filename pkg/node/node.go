// Package node assembles one cluster member: membership, the replicated
// file store, the job worker and, on the introducer, the job master. It
// serves client commands on the query port and health and metrics on the
// admin port.
package node

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/config"
	"github.com/ryandielhenn/zephyrcluster/pkg/gossip"
	"github.com/ryandielhenn/zephyrcluster/pkg/grep"
	"github.com/ryandielhenn/zephyrcluster/pkg/maplejuice"
	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/sdfs"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

type Node struct {
	cfg  config.Config
	log  *zap.Logger
	net  wire.Network
	ring *ring.Ring

	gsp    *gossip.Gossiper
	store  *sdfs.Store
	worker *maplejuice.Worker
	master *maplejuice.Master // nil unless this node is the introducer
	grep   grep.Runner

	regMu      sync.RWMutex
	registered []string // addresses in the etcd registry, if one is configured

	wg sync.WaitGroup
}

// Options carries the pieces that differ between a real node and one under
// test. Zero values select the production implementations.
type Options struct {
	Transport gossip.Transport
	Network   wire.Network
	Executor  maplejuice.Executor
	Logger    *zap.Logger
}

// New prepares the node's directories and components. Nothing is served
// until Run.
func New(cfg config.Config, opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Network == nil {
		opts.Network = wire.TCP{DialTimeout: 5 * time.Second}
	}
	if opts.Transport == nil {
		tr, err := gossip.ListenUDP(cfg.SelfAddr)
		if err != nil {
			return nil, err
		}
		opts.Transport = tr
	}

	if err := os.RemoveAll(cfg.FetchedDir()); err != nil {
		return nil, fmt.Errorf("reset %s: %w", cfg.FetchedDir(), err)
	}
	for _, dir := range []string{cfg.FetchedDir(), cfg.LocalDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	files, err := sdfs.NewFileTable(cfg.SDFSDir())
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:  cfg,
		log:  log.Named("node").With(zap.String("addr", cfg.SelfAddr)),
		net:  opts.Network,
		ring: ring.New(cfg.ClusterAddrs, nil),
		grep: grep.Runner{Dir: cfg.DataDir},
	}
	n.gsp = gossip.New(gossip.Config{
		Self:       cfg.SelfAddr,
		Introducer: cfg.IntroducerAddr,
		Detector: gossip.DetectorConfig{
			Fanout:            cfg.HeartbeatFanout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			SuspectTimeout:    cfg.SuspectTimeout,
			EraseTimeout:      cfg.EraseTimeout,
		},
	}, opts.Transport, log)

	n.store = sdfs.New(sdfs.Config{
		Self:           cfg.SelfAddr,
		Ring:           n.ring,
		Replicas:       cfg.ReplicationFactor,
		Policy:         sdfs.FreshnessWindow(cfg.WriteWait),
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, files, n.gsp, n.net, log)
	n.gsp.Subscribe(func(e gossip.Event) { n.store.Observe(e.Members) })

	n.worker = maplejuice.NewWorker(maplejuice.WorkerConfig{
		WorkDir:    cfg.FetchedDir(),
		NumBuckets: cfg.NumBuckets,
	}, n.store, opts.Executor, log)

	if cfg.IsMaster() {
		part, err := maplejuice.PartitionerByName(cfg.Partitioner)
		if err != nil {
			return nil, err
		}
		n.master = maplejuice.NewMaster(maplejuice.MasterConfig{
			Self:             cfg.SelfAddr,
			WorkDir:          cfg.FetchedDir(),
			Partitioner:      part,
			ReassignGrace:    cfg.ReassignGrace,
			MaxReassignments: cfg.MaxReassignments,
			FreeWorkerWait:   cfg.FreeWorkerWait,
		}, n.store, n.gsp, n.net, log)
	}
	return n, nil
}

// Run binds the node's ports and serves them until ctx ends. It does not
// join the group; call Join for that.
func (n *Node) Run(ctx context.Context) error {
	listeners := make(map[wire.Service]net.Listener)
	for _, svc := range []wire.Service{wire.Query, wire.Store, wire.Job, wire.Admin} {
		ep, err := wire.Endpoint(n.cfg.SelfAddr, svc)
		if err != nil {
			return err
		}
		ln, err := n.net.Listen(ep)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s: %w", svc, err)
		}
		listeners[svc] = ln
	}

	n.gsp.Start(ctx)
	n.goServe(func() { n.store.Run(ctx, n.gsp.Alive()) })
	n.goServe(func() { n.store.Serve(ctx, listeners[wire.Store]) })
	n.goServe(func() { n.worker.Serve(ctx, listeners[wire.Job]) })
	n.goServe(func() { wire.Serve(ctx, listeners[wire.Query], n.log, n.handleQuery) })
	n.goServe(func() { n.serveAdmin(ctx, listeners[wire.Admin]) })
	if n.master != nil {
		n.goServe(func() { n.master.Run(ctx) })
	}
	n.log.Info("node running", zap.Bool("master", n.master != nil), zap.Strings("cluster", n.cfg.ClusterAddrs))

	<-ctx.Done()
	n.gsp.Stop()
	n.wg.Wait()
	return nil
}

func (n *Node) goServe(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) serveAdmin(ctx context.Context, ln net.Listener) {
	srv := &http.Server{Handler: n.AdminHandler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		n.log.Warn("admin server stopped", zap.Error(err))
	}
}

func (n *Node) Join(ctx context.Context) error { return n.gsp.Join(ctx) }

func (n *Node) Leave(ctx context.Context) error { return n.gsp.Leave(ctx) }

func (n *Node) Addr() string { return n.cfg.SelfAddr }

func (n *Node) Membership() *gossip.Gossiper { return n.gsp }

func (n *Node) Store() *sdfs.Store { return n.store }

// SetRegistered replaces the registry view reported by /info.
func (n *Node) SetRegistered(peers map[string]string) {
	addrs := slices.Sorted(maps.Keys(peers))
	n.regMu.Lock()
	n.registered = addrs
	n.regMu.Unlock()
}

func (n *Node) Registered() []string {
	n.regMu.RLock()
	defer n.regMu.RUnlock()
	return slices.Clone(n.registered)
}
