package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

const consoleHelp = `>>> Commands:
join    join the group through the introducer
leave   leave the group
print   show membership, stored files and ring neighbours
exit    stop the node
help    show this message`

// Console reads operator commands from in until "exit" or EOF.
func (n *Node) Console(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, consoleHelp)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		cmd := strings.TrimSpace(sc.Text())
		switch cmd {
		case "":
		case "join":
			jctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := n.Join(jctx)
			cancel()
			if err != nil {
				fmt.Fprintln(out, "join failed:", err)
			} else {
				fmt.Fprintln(out, "joined")
			}
		case "leave":
			if err := n.Leave(ctx); err != nil {
				fmt.Fprintln(out, "leave failed:", err)
			} else {
				fmt.Fprintln(out, "left")
			}
		case "print":
			n.Print(out)
		case "exit":
			return nil
		case "help":
			fmt.Fprintln(out, consoleHelp)
		default:
			fmt.Fprintf(out, "unknown command %q, try help\n", cmd)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

// Print writes this node's view: membership table, local replicas with
// their primary flag, slaves, and heartbeat targets.
func (n *Node) Print(out io.Writer) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "self\t%s\tjoined=%v\tmaster=%v\n", n.cfg.SelfAddr, n.gsp.Joined(), n.master != nil)

	fmt.Fprintln(tw, "\nMEMBER\tSTATE\tINCARNATION\tLAST UPDATED")
	for _, m := range n.gsp.Members() {
		state := m.State.String()
		if n.gsp.Suspected(m.Addr) {
			state = "suspect"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", m.Addr, state, m.Incarnation, m.LastUpdated.Format(time.StampMilli))
	}

	fmt.Fprintln(tw, "\nFILE\tSIZE\tPRIMARY\tWRITTEN")
	for _, rec := range n.store.Files().List() {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%s\n", rec.Name, rec.Size, rec.Primary, rec.Written.Format(time.StampMilli))
	}

	fmt.Fprintf(tw, "\nslaves\t%s\n", strings.Join(n.store.Slaves(), " "))
	fmt.Fprintf(tw, "send to\t%s\n", strings.Join(n.gsp.SendTargets(), " "))
	fmt.Fprintf(tw, "listen to\t%s\n", strings.Join(n.gsp.ListenTargets(), " "))
	tw.Flush()
}
