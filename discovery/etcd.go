// Package discovery is the optional etcd registry. Nodes register their
// address under a lease so operators can see who is up, and the introducer
// publishes itself so that nodes started without INTRODUCER_ADDR can find
// it. Membership itself is never taken from etcd; gossip owns that.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	nodesPrefix   = "/zephyr/nodes/"
	introducerKey = "/zephyr/introducer"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func nodeKey(addr string) string { return nodesPrefix + addr }

// RegisterNode puts addr under a lease of ttl seconds and keeps the lease
// alive until the returned cancel is called. When introducer is true the
// node is also published as the introducer under the same lease.
func RegisterNode(ctx context.Context, cli *clientv3.Client, addr string, ttl int64, introducer bool) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, nodeKey(addr), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", addr, err)
	}
	if introducer {
		if _, err := cli.Put(ctx, introducerKey, addr, clientv3.WithLease(lease.ID)); err != nil {
			return 0, nil, fmt.Errorf("publish introducer: %w", err)
		}
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Introducer returns the published introducer address, if any.
func Introducer(ctx context.Context, cli *clientv3.Client) (string, bool, error) {
	resp, err := cli.Get(ctx, introducerKey)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// GetPeers returns every registered node, keyed by address.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	peers, _, err := loadPeers(ctx, cli)
	return peers, err
}

// loadPeers also returns the store revision the registry was read at.
func loadPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, nodesPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), nodesPrefix)] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers loads the registry, then applies each put and delete event to
// it and calls fn with the updated view, until ctx ends.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(map[string]string)) {
	go func() {
		peers, rev, err := loadPeers(ctx, cli)
		if err != nil {
			return
		}
		fn(maps.Clone(peers))

		wch := cli.Watch(ctx, nodesPrefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for wresp := range wch {
			if wresp.Err() != nil {
				continue
			}
			for _, ev := range wresp.Events {
				addr := strings.TrimPrefix(string(ev.Kv.Key), nodesPrefix)
				switch ev.Type {
				case mvccpb.PUT:
					peers[addr] = string(ev.Kv.Value)
				case mvccpb.DELETE:
					delete(peers, addr)
				}
			}
			fn(maps.Clone(peers))
		}
	}()
}
