package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/sdfs"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

// Overwrite confirmation exchange on the query port. The node sends
// PromptConfirm and the client answers ReplyConfirm or ReplyCancel.
const (
	PromptConfirm = "Need confirm!!"
	ReplyConfirm  = "Confirm!"
	ReplyCancel   = "Cancelled!"
)

// handleQuery serves one client command. The reply is one or more lines
// and the connection is closed after it.
func (n *Node) handleQuery(ctx context.Context, c *wire.Conn) {
	line, err := c.ReadLine()
	if err != nil {
		return
	}
	verb, args := wire.Fields(line)
	n.log.Debug("query", zap.String("line", line))

	start := time.Now()
	var reply string
	switch verb {
	case "grep":
		reply, err = n.grep.Run(ctx, line)
	case "put":
		reply, err = n.put(ctx, c, args)
	case "get":
		reply, err = n.get(ctx, args)
	case "delete":
		reply, err = n.del(ctx, args)
	case "ls":
		reply, err = n.ls(ctx, args)
	case "store":
		reply = n.storeListing()
	case "maple", "juice":
		reply, err = n.submitJob(ctx, line)
	default:
		err = fmt.Errorf("unknown command %q", verb)
	}
	telemetry.RequestsTotal.WithLabelValues(verb, telemetry.Outcome(err)).Inc()
	telemetry.RequestDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())

	if err != nil {
		n.log.Info("query failed", zap.String("verb", verb), zap.Error(err))
		reply = "Error: " + err.Error() + "\n"
	}
	_ = c.WriteLine(strings.TrimSuffix(reply, "\n"))
}

func usage(format string) error { return errors.New("usage: " + format) }

func (n *Node) put(ctx context.Context, c *wire.Conn, args []string) (string, error) {
	if len(args) != 2 {
		return "", usage("put <localfilename> <sdfsfilename>")
	}
	local, name := n.localPath(n.cfg.LocalDir(), args[0]), args[1]
	confirm := sdfs.ConfirmFunc(func(ctx context.Context, name string) (bool, error) {
		if dl, ok := ctx.Deadline(); ok {
			_ = c.SetReadDeadline(dl)
			defer c.SetReadDeadline(time.Time{})
		}
		answer, err := c.Call(PromptConfirm)
		if err != nil {
			return false, err
		}
		return answer == ReplyConfirm, nil
	})
	if err := n.store.Put(ctx, local, name, confirm); err != nil {
		if errors.Is(err, sdfs.ErrCancelled) {
			return "Write to " + name + " is cancelled.", nil
		}
		return "", err
	}
	return "Put file " + name + " success!", nil
}

func (n *Node) get(ctx context.Context, args []string) (string, error) {
	if len(args) != 2 {
		return "", usage("get <sdfsfilename> <localfilename>")
	}
	local := n.localPath(n.cfg.FetchedDir(), args[1])
	if err := n.store.Get(ctx, args[0], local); err != nil {
		if errors.Is(err, sdfs.ErrNotFound) {
			return "No such file: " + args[0], nil
		}
		return "", err
	}
	return "Get file success! Stored in " + local, nil
}

func (n *Node) del(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("delete <sdfsfilename>")
	}
	if err := n.store.Delete(ctx, args[0]); err != nil {
		if errors.Is(err, sdfs.ErrNotFound) {
			return "No such file: " + args[0], nil
		}
		return "", err
	}
	return "Delete file " + args[0] + " success!", nil
}

func (n *Node) ls(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", usage("ls <sdfsfilename>")
	}
	holders, err := n.store.Locate(ctx, args[0])
	if errors.Is(err, sdfs.ErrNotFound) {
		return "File " + args[0] + " doesn't exist!", nil
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Here are the addresses of file: " + args[0] + "\n")
	for _, a := range holders {
		b.WriteString(a + "\n")
	}
	return b.String(), nil
}

func (n *Node) storeListing() string {
	var b strings.Builder
	b.WriteString("Here are the SDFS files stored on this machine:\n")
	for _, rec := range n.store.Files().List() {
		b.WriteString(rec.Name + "\n")
	}
	return b.String()
}

func (n *Node) submitJob(ctx context.Context, line string) (string, error) {
	if n.master == nil {
		return "", fmt.Errorf("jobs run on the master %s", n.cfg.IntroducerAddr)
	}
	return n.master.Submit(ctx, line)
}

// AdminHandler serves /healthz, /info and /metrics.
func (n *Node) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing this node's view of the cluster.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Address string    `json:"address"`
		PID     int       `json:"pid"`
		Now     time.Time `json:"now"`
		Joined  bool      `json:"joined"`
		Master  bool      `json:"master"`
		Members []string  `json:"members"`
		Files   []string  `json:"files"`
		Slaves  []string  `json:"slaves"`

		Registered []string `json:"registered,omitempty"`
	}
	var files []string
	for _, rec := range n.store.Files().List() {
		files = append(files, rec.Name)
	}
	data, _ := json.Marshal(resp{
		Address: n.cfg.SelfAddr,
		PID:     os.Getpid(),
		Now:     time.Now(),
		Joined:  n.gsp.Joined(),
		Master:  n.master != nil,
		Members: n.gsp.Alive(),
		Files:   files,
		Slaves:  n.store.Slaves(),

		Registered: n.Registered(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
