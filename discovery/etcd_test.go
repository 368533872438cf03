package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeKey(t *testing.T) {
	assert.Equal(t, "/zephyr/nodes/10.0.0.1:8000", nodeKey("10.0.0.1:8000"))
}

// TestRegistry needs a live etcd; set ZEPHYR_TEST_ETCD to its endpoints.
func TestRegistry(t *testing.T) {
	eps := os.Getenv("ZEPHYR_TEST_ETCD")
	if eps == "" {
		t.Skip("ZEPHYR_TEST_ETCD not set")
	}
	cli, err := NewClient(strings.Split(eps, ","))
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changed := make(chan map[string]string, 16)
	WatchPeers(ctx, cli, func(p map[string]string) { changed <- p })

	lease, stop, err := RegisterNode(ctx, cli, "test-node:8000", 5, true)
	require.NoError(t, err)
	defer func() {
		stop()
		_, _ = cli.Revoke(context.Background(), lease)
	}()

	peers, err := GetPeers(ctx, cli)
	require.NoError(t, err)
	assert.Equal(t, "test-node:8000", peers["test-node:8000"])

	intro, ok, err := Introducer(ctx, cli)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "test-node:8000", intro)

	for {
		select {
		case p := <-changed:
			if _, ok := p["test-node:8000"]; ok {
				return
			}
		case <-ctx.Done():
			t.Fatal("registration never observed")
		}
	}
}
