package maplejuice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
)

// Executor runs a user executable with stdin as input, writing its output
// to stdout.
type Executor interface {
	Run(ctx context.Context, path string, stdin io.Reader, stdout io.Writer) error
}

// ProcessExecutor runs the executable as a child process.
type ProcessExecutor struct{}

func (ProcessExecutor) Run(ctx context.Context, path string, stdin io.Reader, stdout io.Writer) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("run %s: %w: %s", filepath.Base(path), err, msg)
		}
		return fmt.Errorf("run %s: %w", filepath.Base(path), err)
	}
	return nil
}

// FuncExecutor runs in-process functions keyed by executable file name.
// Tests use it in place of real binaries.
type FuncExecutor map[string]func(stdin io.Reader, stdout io.Writer) error

func (f FuncExecutor) Run(_ context.Context, path string, stdin io.Reader, stdout io.Writer) error {
	fn, ok := f[filepath.Base(path)]
	if !ok {
		return fmt.Errorf("run %s: no such function", filepath.Base(path))
	}
	return fn(stdin, stdout)
}
