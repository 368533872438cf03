package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Service selects one of the well-known ports derived from a node's base port.
type Service int

const (
	Query     Service = iota // client-facing commands
	Heartbeat                // UDP membership records
	Store                    // node-to-node file store verbs
	Job                      // scheduler missions
	Admin                    // HTTP healthz/info/metrics
)

func (s Service) String() string {
	switch s {
	case Query:
		return "query"
	case Heartbeat:
		return "heartbeat"
	case Store:
		return "store"
	case Job:
		return "job"
	case Admin:
		return "admin"
	default:
		return "service(" + strconv.Itoa(int(s)) + ")"
	}
}

// Endpoint derives the listen/dial address of svc on the node identified by
// addr (host:basePort).
func Endpoint(addr string, svc Service) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", addr, err)
	}
	base, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("endpoint %q: bad port: %w", addr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(base+int(svc))), nil
}

// Network opens stream connections between nodes. Production code uses TCP;
// tests run whole clusters in one process over MemNetwork.
type Network interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TCP is the production Network.
type TCP struct {
	DialTimeout time.Duration
}

func (t TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

func (TCP) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

var ErrConnRefused = errors.New("connection refused")

// MemNetwork is an in-process Network built on net.Pipe. Listening on an
// address that is already bound fails; dialing an unbound address returns
// ErrConnRefused, which is how tests simulate a crashed node.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memListener
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*memListener)}
}

func (m *MemNetwork) Listen(addr string) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listeners[addr]; ok {
		return nil, fmt.Errorf("listen %s: address already in use", addr)
	}
	l := &memListener{
		net:    m,
		addr:   memAddr(addr),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	m.listeners[addr] = l
	return l, nil
}

func (m *MemNetwork) Dial(ctx context.Context, addr string) (net.Conn, error) {
	m.mu.Lock()
	l, ok := m.listeners[addr]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnRefused)
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("dial %s: %w", addr, ErrConnRefused)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }

func (a memAddr) String() string { return string(a) }

type memListener struct {
	net    *MemNetwork
	addr   memAddr
	conns  chan net.Conn
	once   sync.Once
	closed chan struct{}
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, string(l.addr))
		l.net.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return l.addr }
