package wire

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEndpoint(t *testing.T) {
	cases := []struct {
		addr string
		svc  Service
		want string
	}{
		{"10.0.0.1:8000", Query, "10.0.0.1:8000"},
		{"10.0.0.1:8000", Heartbeat, "10.0.0.1:8001"},
		{"10.0.0.1:8000", Store, "10.0.0.1:8002"},
		{"n3:9000", Job, "n3:9003"},
		{"n3:9000", Admin, "n3:9004"},
	}
	for _, c := range cases {
		got, err := Endpoint(c.addr, c.svc)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "%s %s", c.addr, c.svc)
	}

	_, err := Endpoint("no-port", Query)
	assert.Error(t, err)
	_, err = Endpoint("host:abc", Query)
	assert.Error(t, err)
}

func TestFields(t *testing.T) {
	verb, args := Fields("  put  local.txt   data  ")
	assert.Equal(t, "put", verb)
	assert.Equal(t, []string{"local.txt", "data"}, args)

	verb, args = Fields("")
	assert.Empty(t, verb)
	assert.Nil(t, args)
}

func startEcho(t *testing.T, n *MemNetwork, addr string) context.CancelFunc {
	t.Helper()
	ep, err := Endpoint(addr, Store)
	require.NoError(t, err)
	ln, err := n.Listen(ep)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, ln, zap.NewNop(), func(_ context.Context, c *Conn) {
			for {
				line, err := c.ReadLine()
				if err != nil {
					return
				}
				verb, args := Fields(line)
				switch verb {
				case "echo":
					_ = c.WriteLine(strings.Join(args, " "))
				case "blob":
					var buf bytes.Buffer
					if err := c.CopyIn(&buf, int64(len(args[0]))); err != nil {
						return
					}
					_ = c.WriteLine("got " + buf.String())
				case "panic":
					panic("boom")
				}
			}
		})
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMemNetworkRequestReply(t *testing.T) {
	n := NewMemNetwork()
	stop := startEcho(t, n, "n1:8000")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := Request(ctx, n, "n1:8000", Store, "echo hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply)
}

func TestRawBytesAfterLine(t *testing.T) {
	n := NewMemNetwork()
	stop := startEcho(t, n, "n1:8000")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := Dial(ctx, n, "n1:8000", Store)
	require.NoError(t, err)
	defer c.Close()

	payload := "abc\ndef"
	require.NoError(t, c.WriteLine("blob "+strings.ReplaceAll(payload, "\n", "_")))
	require.NoError(t, c.CopyOut(strings.NewReader(payload), int64(len(payload))))
	require.NoError(t, c.Expect("got "+payload))
}

func TestExpectMismatch(t *testing.T) {
	n := NewMemNetwork()
	stop := startEcho(t, n, "n1:8000")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := Dial(ctx, n, "n1:8000", Store)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteLine("echo nope"))
	err = c.Expect("yes")
	assert.True(t, errors.Is(err, ErrUnexpectedReply))
}

func TestHandlerPanicDoesNotStopServer(t *testing.T) {
	n := NewMemNetwork()
	stop := startEcho(t, n, "n1:8000")
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c, err := Dial(ctx, n, "n1:8000", Store)
	require.NoError(t, err)
	require.NoError(t, c.WriteLine("panic"))
	_, err = c.ReadLine()
	assert.Error(t, err)
	c.Close()

	reply, err := Request(ctx, n, "n1:8000", Store, "echo still up")
	require.NoError(t, err)
	assert.Equal(t, "still up", reply)
}

func TestDialUnboundRefused(t *testing.T) {
	n := NewMemNetwork()
	_, err := n.Dial(context.Background(), "nowhere:1")
	assert.True(t, errors.Is(err, ErrConnRefused))

	ln, err := n.Listen("n1:1")
	require.NoError(t, err)
	_, err = n.Listen("n1:1")
	assert.Error(t, err)
	require.NoError(t, ln.Close())

	_, err = n.Dial(context.Background(), "n1:1")
	assert.True(t, errors.Is(err, ErrConnRefused))
}
