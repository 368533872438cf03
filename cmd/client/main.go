package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/pkg/node"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

const usage = `>>> Please enter the following command:
grep <args>
put <localfilename> <sdfsfilename>
get <sdfsfilename> <localfilename>
delete <sdfsfilename>
ls <sdfsfilename>
store
maple <maple_exe> <num_maples> <sdfs_src_prefix> <sdfs_intermediate_prefix>
juice <juice_exe> <num_juices> <sdfs_intermediate_prefix> <sdfs_dest> <delete_input:0|1>
help
exit`

func main() {
	addr := flag.String("addr", envOr("SELF_ADDR", "127.0.0.1:8000"), "node to send commands to (host:basePort)")
	cluster := flag.String("cluster", os.Getenv("CLUSTER_ADDRS"), "comma separated nodes grep fans out to")
	timeout := flag.Duration("timeout", 10*time.Minute, "per command timeout")
	flag.Parse()

	c := &client{
		net:     wire.TCP{DialTimeout: 5 * time.Second},
		addr:    node.NormalizeHostPort(*addr, "8000"),
		timeout: *timeout,
		in:      bufio.NewScanner(os.Stdin),
		out:     os.Stdout,
	}
	for _, a := range strings.Split(*cluster, ",") {
		if a = strings.TrimSpace(a); a != "" {
			c.cluster = append(c.cluster, node.NormalizeHostPort(a, "8000"))
		}
	}

	if flag.NArg() > 0 {
		if err := c.run(strings.Join(flag.Args(), " ")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintln(c.out, usage)
	for c.in.Scan() {
		line := strings.TrimSpace(c.in.Text())
		switch line {
		case "":
			continue
		case "exit":
			return
		case "help":
			fmt.Fprintln(c.out, usage)
			continue
		}
		if err := c.run(line); err != nil {
			fmt.Fprintln(c.out, err)
		}
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

type client struct {
	net     wire.Network
	addr    string
	cluster []string
	timeout time.Duration
	in      *bufio.Scanner
	out     io.Writer
}

func (c *client) run(line string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	verb, _ := wire.Fields(line)
	if verb == "grep" && len(c.cluster) > 0 {
		return c.grepAll(ctx, line)
	}
	return c.send(ctx, c.addr, line, c.out)
}

// send runs one command against addr, answering an overwrite prompt from
// stdin, and copies the reply to out.
func (c *client) send(ctx context.Context, addr, line string, out io.Writer) error {
	conn, err := wire.Dial(ctx, c.net, addr, wire.Query)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.WriteLine(line); err != nil {
		return err
	}
	for {
		reply, err := conn.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if reply == node.PromptConfirm {
			if err := conn.WriteLine(c.confirm(line)); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func (c *client) confirm(line string) string {
	_, args := wire.Fields(line)
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	fmt.Fprintf(c.out, "Please confirm write to file: %s [yes/no]\n", name)
	if c.in.Scan() && strings.TrimSpace(c.in.Text()) == "yes" {
		return node.ReplyConfirm
	}
	return node.ReplyCancel
}

// grepAll runs grep on every node and prints each node's matches under
// its address. Unreachable nodes are reported and skipped.
func (c *client) grepAll(ctx context.Context, line string) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range c.cluster {
		g.Go(func() error {
			var buf strings.Builder
			err := c.send(gctx, addr, line, &buf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintf(c.out, "== %s: down (%v)\n", addr, err)
				return nil
			}
			n := strings.Count(buf.String(), "\n")
			fmt.Fprintf(c.out, "== %s: %d lines\n%s", addr, n, buf.String())
			return nil
		})
	}
	return g.Wait()
}
