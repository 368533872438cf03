package maplejuice

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

type WorkerConfig struct {
	WorkDir    string
	NumBuckets int
}

// Worker executes missions sent by the master on the job port.
type Worker struct {
	cfg   WorkerConfig
	store Store
	exec  Executor
	log   *zap.Logger
}

func NewWorker(cfg WorkerConfig, store Store, exec Executor, log *zap.Logger) *Worker {
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = 10
	}
	if exec == nil {
		exec = ProcessExecutor{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{cfg: cfg, store: store, exec: exec, log: log.Named("worker")}
}

func (w *Worker) Serve(ctx context.Context, ln net.Listener) {
	wire.Serve(ctx, ln, w.log, w.handle)
}

// handle runs one mission. Any failure closes the connection without a
// reply, which the master treats as a failed handshake.
func (w *Worker) handle(ctx context.Context, c *wire.Conn) {
	line, err := c.ReadLine()
	if err != nil {
		return
	}
	kind, exe, dest, id, inputs, err := parseMission(line)
	if err != nil {
		w.log.Warn("bad mission", zap.String("line", line), zap.Error(err))
		return
	}
	log := w.log.With(zap.Stringer("kind", kind), zap.Int("mission", id))
	if err := c.WriteLine(replyReceived(kind)); err != nil {
		return
	}

	dir, err := os.MkdirTemp(w.cfg.WorkDir, kind.String()+"-*")
	if err != nil {
		log.Error("workdir", zap.Error(err))
		return
	}
	defer os.RemoveAll(dir)

	var outputs []string
	switch kind {
	case KindMaple:
		outputs, err = w.maple(ctx, dir, exe, dest, id, inputs)
	case KindJuice:
		outputs, err = w.juice(ctx, dir, exe, dest, id, inputs)
	}
	if err != nil {
		log.Warn("mission failed", zap.Error(err))
		return
	}
	if err := c.WriteLine(replyFinished(kind)); err != nil {
		return
	}

	for _, name := range outputs {
		if err := w.store.Put(ctx, filepath.Join(dir, name), name, nil); err != nil {
			log.Warn("upload failed", zap.String("file", name), zap.Error(err))
			return
		}
	}
	log.Info("mission uploaded", zap.Int("files", len(outputs)))
	c.WriteLine(replyUploaded(kind))
}

func (w *Worker) fetchExe(ctx context.Context, dir, exe string) (string, error) {
	path := filepath.Join(dir, "bin", exe)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := w.store.Get(ctx, exe, path); err != nil {
		return "", fmt.Errorf("fetch %s: %w", exe, err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// maple runs exe over each input file and splits the emitted lines into
// bucket files by the hash of their first whitespace-separated token.
func (w *Worker) maple(ctx context.Context, dir, exe, dest string, id int, inputs []string) ([]string, error) {
	bin, err := w.fetchExe(ctx, dir, exe)
	if err != nil {
		return nil, err
	}
	buckets := make(map[int]*bytes.Buffer)
	for _, in := range inputs {
		path := filepath.Join(dir, "in", in)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := w.store.Get(ctx, in, path); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", in, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		err = w.exec.Run(ctx, bin, f, &out)
		f.Close()
		if err != nil {
			return nil, err
		}

		sc := bufio.NewScanner(&out)
		sc.Buffer(make([]byte, 64<<10), 16<<20)
		for sc.Scan() {
			line := sc.Text()
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			b := ring.Bucket(fields[0], w.cfg.NumBuckets)
			if buckets[b] == nil {
				buckets[b] = new(bytes.Buffer)
			}
			buckets[b].WriteString(line)
			buckets[b].WriteByte('\n')
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}

	var names []string
	for b, buf := range buckets {
		name := bucketFile(dest, b, id)
		if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// juice gathers every intermediate file under the assigned bucket
// prefixes, sorts their lines and pipes them through exe into a single
// partial result.
func (w *Worker) juice(ctx context.Context, dir, exe, dest string, id int, prefixes []string) ([]string, error) {
	bin, err := w.fetchExe(ctx, dir, exe)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, p := range prefixes {
		files, err := w.store.PrefixFiles(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, name := range files {
			path := filepath.Join(dir, "in", name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, err
			}
			if err := w.store.Get(ctx, name, path); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", name, err)
			}
			got, err := readLines(path)
			if err != nil {
				return nil, err
			}
			lines = append(lines, got...)
		}
	}
	slices.Sort(lines)

	pr, pw := io.Pipe()
	go func() {
		bw := bufio.NewWriter(pw)
		for _, l := range lines {
			bw.WriteString(l)
			bw.WriteByte('\n')
		}
		pw.CloseWithError(bw.Flush())
	}()

	name := partialFile(dest, id)
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		pr.Close()
		return nil, err
	}
	err = w.exec.Run(ctx, bin, pr, out)
	pr.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return []string{name}, nil
}
