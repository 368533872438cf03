// Package grep answers "grep <args>" queries by running the system grep
// binary over the node's local files.
package grep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrNotGrep = errors.New("not a grep command")

// Runner runs grep in Dir. Arguments are passed straight to the binary,
// never through a shell.
type Runner struct {
	Bin string // defaults to "grep"
	Dir string
}

// Run executes a "grep <args>" line and returns its standard output. No
// match is not an error: grep's exit status 1 yields empty output.
func (r Runner) Run(ctx context.Context, line string) (string, error) {
	f := strings.Fields(line)
	if len(f) == 0 || f[0] != "grep" {
		return "", ErrNotGrep
	}
	bin := r.Bin
	if bin == "" {
		bin = "grep"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, f[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() == 1 {
		return stdout.String(), nil
	}
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("grep: %w: %s", err, msg)
		}
		return "", fmt.Errorf("grep: %w", err)
	}
	return stdout.String(), nil
}
