package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrcluster/discovery"
	"github.com/ryandielhenn/zephyrcluster/internal/config"
	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/node"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	// 1. Load configuration and open the event log
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		panic(err)
	}
	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") != "" {
		level = zapcore.DebugLevel
	}
	log, closeLog, err := telemetry.NewLogger(cfg.LogFile, level)
	if err != nil {
		panic(err)
	}
	defer closeLog()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Optional etcd registry
	var cli *clientv3.Client
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("[Boot] creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err = discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			log.Fatal("etcd client", zap.Error(err))
		}
		defer cli.Close()

		if !cfg.IsMaster() && os.Getenv("INTRODUCER_ADDR") == "" {
			lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			intro, ok, err := discovery.Introducer(lctx, cli)
			cancel()
			if err != nil {
				log.Warn("introducer lookup failed", zap.Error(err))
			} else if ok {
				cfg.IntroducerAddr = node.NormalizeHostPort(intro, "8000")
				log.Info("[Boot] introducer from etcd", zap.String("introducer", cfg.IntroducerAddr))
			}
		}

		lease, cancelLease, err := discovery.RegisterNode(ctx, cli, cfg.SelfAddr, 10, cfg.IsMaster())
		if err != nil {
			log.Fatal("etcd register", zap.Error(err))
		}
		defer func() {
			cancelLease()
			_, _ = cli.Revoke(context.Background(), lease)
		}()
	}

	// 3. Build the node and serve its ports
	n, err := node.New(cfg, node.Options{Logger: log})
	if err != nil {
		log.Fatal("node init", zap.Error(err))
	}
	if cli != nil {
		discovery.WatchPeers(ctx, cli, func(peers map[string]string) {
			log.Info("[WatchPeers] registry changed", zap.Int("nodes", len(peers)))
			n.SetRegistered(peers)
		})
	}
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	// 4. Operator console; exit or EOF stops the node. HEADLESS nodes join
	// at once and run until signalled.
	console := make(chan error, 1)
	if os.Getenv("HEADLESS") != "" {
		jctx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := n.Join(jctx); err != nil {
			log.Error("join failed", zap.Error(err))
		}
		cancel()
	} else {
		go func() { console <- n.Console(ctx, os.Stdin, os.Stdout) }()
	}
	if err := awaitStop(ctx, stop, nodeMember{n}, done, console, log); err != nil {
		log.Error("node stopped", zap.Error(err))
	}
}

// member is the part of a node the shutdown sequence needs.
type member interface {
	Joined() bool
	Leave(ctx context.Context) error
}

type nodeMember struct{ *node.Node }

func (m nodeMember) Joined() bool { return m.Membership().Joined() }

// awaitStop blocks until the console ends, the node stops on its own, or
// ctx is cancelled. It then leaves the group if still joined, calls stop
// and returns the node's Run error.
func awaitStop(ctx context.Context, stop func(), n member, done, console <-chan error, log *zap.Logger) error {
	var (
		runErr  error
		stopped bool
	)
	select {
	case err := <-console:
		if err != nil && ctx.Err() == nil {
			log.Warn("console", zap.Error(err))
		}
	case runErr = <-done:
		stopped = true
		log.Warn("node stopped early", zap.Error(runErr))
	case <-ctx.Done():
	}
	if n.Joined() {
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.Leave(lctx); err != nil {
			log.Warn("leave", zap.Error(err))
		}
		cancel()
	}
	stop()
	if !stopped {
		runErr = <-done
	}
	return runErr
}
