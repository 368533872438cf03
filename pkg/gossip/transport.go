package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

// Packet is one datagram received from a peer.
type Packet struct {
	From string
	Data []byte
}

// Transport moves membership batches between nodes. Addresses are node
// identifiers; each implementation decides how to reach them.
type Transport interface {
	Send(ctx context.Context, addr string, data []byte) error
	Recv() <-chan Packet
	Close() error
}

const maxDatagram = 64 << 10

// UDPTransport sends batches as single datagrams to the heartbeat port of
// the target node.
type UDPTransport struct {
	conn *net.UDPConn
	in   chan Packet
	once sync.Once
}

// ListenUDP binds the heartbeat port of self.
func ListenUDP(self string) (*UDPTransport, error) {
	ep, err := wire.Endpoint(self, wire.Heartbeat)
	if err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp", ep)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen heartbeat %s: %w", ep, err)
	}
	t := &UDPTransport{conn: conn, in: make(chan Packet, 256)}
	go t.readLoop()
	return t, nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.in)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.in <- Packet{From: from.String(), Data: data}:
		default:
		}
	}
}

func (t *UDPTransport) Send(_ context.Context, addr string, data []byte) error {
	ep, err := wire.Endpoint(addr, wire.Heartbeat)
	if err != nil {
		return err
	}
	raddr, err := net.ResolveUDPAddr("udp", ep)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(data, raddr)
	return err
}

func (t *UDPTransport) Recv() <-chan Packet { return t.in }

func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() { err = t.conn.Close() })
	return err
}

// ChannelNetwork connects ChannelTransports in one process. Packets to an
// unknown, closed, or blocked endpoint are dropped, like lost datagrams.
type ChannelNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*ChannelTransport
}

func NewChannelNetwork() *ChannelNetwork {
	return &ChannelNetwork{nodes: make(map[string]*ChannelTransport)}
}

// Transport registers and returns the endpoint for addr.
func (n *ChannelNetwork) Transport(addr string) *ChannelTransport {
	t := &ChannelTransport{net: n, addr: addr, in: make(chan Packet, 256)}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

type ChannelTransport struct {
	net    *ChannelNetwork
	addr   string
	in     chan Packet
	mu     sync.Mutex
	closed bool
}

func (t *ChannelTransport) Send(_ context.Context, addr string, data []byte) error {
	t.net.mu.RLock()
	dst, ok := t.net.nodes[addr]
	t.net.mu.RUnlock()
	if !ok {
		return nil
	}
	dst.deliver(Packet{From: t.addr, Data: append([]byte(nil), data...)})
	return nil
}

func (t *ChannelTransport) deliver(p Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.in <- p:
	default:
	}
}

func (t *ChannelTransport) Recv() <-chan Packet { return t.in }

func (t *ChannelTransport) Close() error {
	t.net.mu.Lock()
	if t.net.nodes[t.addr] == t {
		delete(t.net.nodes, t.addr)
	}
	t.net.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
	return nil
}
