// Package wire carries the line-oriented control protocol spoken between
// clients and nodes and between nodes. Every message is a single
// '\n'-terminated line whose first token selects the operation. Raw file
// bytes follow a header line and are delimited only by the advertised size.
package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrUnexpectedReply is returned when the peer answers with a line other than
// the one the protocol step requires.
var ErrUnexpectedReply = errors.New("unexpected reply")

// Conn is a connection with a buffered line reader. Raw byte reads after a
// line must go through the Conn, since the reader may already hold them.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, r: bufio.NewReader(c)}
}

// Dial opens a Conn to svc on the node addr.
func Dial(ctx context.Context, n Network, addr string, svc Service) (*Conn, error) {
	ep, err := Endpoint(addr, svc)
	if err != nil {
		return nil, err
	}
	c, err := n.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	return NewConn(c), nil
}

// WriteLine sends one line; a trailing newline is added.
func (c *Conn) WriteLine(line string) error {
	_, err := io.WriteString(c.Conn, line+"\n")
	return err
}

// Send formats and sends one line.
func (c *Conn) Send(format string, args ...any) error {
	return c.WriteLine(fmt.Sprintf(format, args...))
}

// ReadLine returns the next line without its terminator.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Expect reads a line and fails unless it equals want.
func (c *Conn) Expect(want string) error {
	got, err := c.ReadLine()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedReply, got, want)
	}
	return nil
}

// Call sends one line and returns the reply line.
func (c *Conn) Call(line string) (string, error) {
	if err := c.WriteLine(line); err != nil {
		return "", err
	}
	return c.ReadLine()
}

// CopyOut streams exactly n bytes from r to the peer.
func (c *Conn) CopyOut(r io.Reader, n int64) error {
	written, err := io.CopyN(c.Conn, r, n)
	if err != nil {
		return fmt.Errorf("sent %d of %d bytes: %w", written, n, err)
	}
	return nil
}

// CopyIn reads exactly n bytes from the peer into w.
func (c *Conn) CopyIn(w io.Writer, n int64) error {
	read, err := io.CopyN(w, c.r, n)
	if err != nil {
		return fmt.Errorf("received %d of %d bytes: %w", read, n, err)
	}
	return nil
}

// Request dials svc on addr, sends one line, and returns the single reply line.
func Request(ctx context.Context, n Network, addr string, svc Service, line string) (string, error) {
	c, err := Dial(ctx, n, addr, svc)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Call(line)
}

// Fields splits a command line into its verb and arguments.
func Fields(line string) (verb string, args []string) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}
	return f[0], f[1:]
}

// Handler serves one accepted connection. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, c *Conn)

// Serve accepts connections on ln until ctx is cancelled, running h on each
// in its own goroutine. It returns once the listener is closed and every
// handler has finished.
func Serve(ctx context.Context, ln net.Listener, log *zap.Logger, h Handler) {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Warn("accept failed", zap.String("listen", ln.Addr().String()), zap.Error(err))
				continue
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewConn(raw)
			defer c.Close()
			unblock := context.AfterFunc(ctx, func() { raw.Close() })
			defer unblock()
			defer func() {
				if p := recover(); p != nil {
					log.Error("handler panic", zap.Any("panic", p), zap.String("remote", raw.RemoteAddr().String()))
				}
			}()
			h(ctx, c)
		}()
	}
	wg.Wait()
}
