package maplejuice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/sdfs"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

// Store is the file store jobs read inputs from and write results to.
type Store interface {
	Put(ctx context.Context, path, name string, confirm sdfs.Confirmer) error
	Get(ctx context.Context, name, path string) error
	Delete(ctx context.Context, name string) error
	Locate(ctx context.Context, name string) ([]string, error)
	PrefixFiles(ctx context.Context, prefix string) ([]string, error)
	PrefixDelete(ctx context.Context, prefix string) error
}

type Membership interface {
	Alive() []string
}

type MasterConfig struct {
	Self             string
	WorkDir          string
	Partitioner      Partitioner
	ReassignGrace    time.Duration
	MaxReassignments int
	FreeWorkerWait   time.Duration
	LivenessInterval time.Duration // how often a monitor checks its worker is still a member
}

type jobRequest struct {
	job   Job
	reply chan error
}

// Master accepts jobs on the designated node and runs them one at a time.
type Master struct {
	cfg     MasterConfig
	store   Store
	members Membership
	net     wire.Network
	log     *zap.Logger

	intake chan jobRequest
	seq    atomic.Int64
}

func NewMaster(cfg MasterConfig, store Store, members Membership, n wire.Network, log *zap.Logger) *Master {
	if cfg.Partitioner == nil {
		cfg.Partitioner = RangePartition
	}
	if cfg.ReassignGrace == 0 {
		cfg.ReassignGrace = 12 * time.Second
	}
	if cfg.MaxReassignments == 0 {
		cfg.MaxReassignments = 3
	}
	if cfg.FreeWorkerWait == 0 {
		cfg.FreeWorkerWait = time.Minute
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Master{
		cfg:     cfg,
		store:   store,
		members: members,
		net:     n,
		log:     log.Named("maplejuice"),
		intake:  make(chan jobRequest, 16),
	}
}

// Submit queues a job command and waits for it to finish. The returned
// string is the reply for the client.
func (m *Master) Submit(ctx context.Context, line string) (string, error) {
	job, err := ParseJob(line)
	if err != nil {
		return "", err
	}
	req := jobRequest{job: job, reply: make(chan error, 1)}
	select {
	case m.intake <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case err := <-req.reply:
		if err != nil {
			return "", err
		}
		return job.Done(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run is the dispatcher loop. Jobs run strictly one after another.
func (m *Master) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.intake:
			id := m.seq.Inc()
			log := m.log.With(zap.Int64("job", id), zap.Stringer("kind", req.job.Kind))
			log.Info("job started", zap.String("command", req.job.Command))
			start := time.Now()
			err := m.run(ctx, req.job, log)
			telemetry.Jobs.WithLabelValues(req.job.Kind.String(), telemetry.Outcome(err)).Inc()
			if err != nil {
				log.Warn("job failed", zap.Error(err))
			} else {
				log.Info("job finished", zap.Duration("took", time.Since(start)))
			}
			req.reply <- err
		}
	}
}

func (m *Master) run(ctx context.Context, job Job, log *zap.Logger) error {
	workers := SelectWorkers(m.members.Alive(), m.cfg.Self, job.NumWorkers)
	if len(workers) == 0 {
		return ErrNoWorkers
	}
	if _, err := m.store.Locate(ctx, job.Exe); err != nil {
		return fmt.Errorf("%w: %s", ErrNoExecutable, job.Exe)
	}

	var assignments []Assignment
	switch job.Kind {
	case KindMaple:
		files, err := m.store.PrefixFiles(ctx, job.Prefix)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("%w: %s", ErrNoInput, job.Prefix)
		}
		assignments = m.cfg.Partitioner(files, workers)
	case KindJuice:
		files, err := m.store.PrefixFiles(ctx, job.Prefix+"_")
		if err != nil {
			return err
		}
		buckets := BucketPrefixes(job.Prefix, files)
		if len(buckets) == 0 {
			return fmt.Errorf("%w: %s", ErrNoInput, job.Prefix)
		}
		assignments = RangePartition(buckets, workers)
	}

	missions := make([]*Mission, len(assignments))
	for i, a := range assignments {
		missions[i] = newMission(i, job.Kind, a.Inputs)
		log.Info("mission assigned", zap.Int("mission", i), zap.String("worker", a.Worker), zap.Strings("inputs", a.Inputs))
	}
	if err := m.dispatch(ctx, job, missions, assignments, log); err != nil {
		return err
	}
	if job.Kind == KindJuice {
		return m.mergeJuice(ctx, job, missions)
	}
	return nil
}

// dispatch runs one monitor per mission and blocks until every mission is
// uploaded or one of them gives up.
func (m *Master) dispatch(ctx context.Context, job Job, missions []*Mission, assignments []Assignment, log *zap.Logger) error {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := newGate(len(missions))
	free := newFreeWorkers(len(missions))
	abort := make(chan error, len(missions))
	var wg sync.WaitGroup
	for i, ms := range missions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.monitor(jctx, job, ms, assignments[i].Worker, g, free, log); err != nil {
				abort <- err
			}
		}()
	}

	var err error
	select {
	case <-g.Done():
	case err = <-abort:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	wg.Wait()
	return err
}

// monitor drives one mission to completion, moving it to a free worker
// each time the handshake with its current worker fails.
func (m *Master) monitor(ctx context.Context, job Job, ms *Mission, worker string, g *gate, free *freeWorkers, log *zap.Logger) error {
	log = log.With(zap.Int("mission", ms.ID))
	for attempt := 0; ; attempt++ {
		ms.assign(worker)
		err := m.runMission(ctx, job, ms, worker)
		if err == nil {
			g.complete()
			free.put(worker)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ms.assign("")
		log.Warn("mission failed", zap.String("worker", worker), zap.Error(err))
		if attempt >= m.cfg.MaxReassignments {
			return fmt.Errorf("%w: mission %d failed %d times: %v", ErrJobAborted, ms.ID, attempt+1, err)
		}

		select {
		case <-time.After(m.cfg.ReassignGrace):
		case <-ctx.Done():
			return ctx.Err()
		}
		next, ok := free.take(ctx, m.cfg.FreeWorkerWait)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w: no free worker for mission %d", ErrJobAborted, ErrNoWorkers, ms.ID)
		}
		telemetry.Reassignments.Inc()
		log.Info("mission reassigned", zap.String("from", worker), zap.String("to", next))
		worker = next
	}
}

// runMission sends the mission and walks the three-step handshake. The
// connection is dropped as soon as the worker leaves the membership.
func (m *Master) runMission(ctx context.Context, job Job, ms *Mission, worker string) error {
	c, err := wire.Dial(ctx, m.net, worker, wire.Job)
	if err != nil {
		return err
	}
	defer c.Close()

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	go m.watchWorker(wctx, worker, c)

	if err := c.WriteLine(missionLine(job, ms)); err != nil {
		return err
	}
	steps := []struct {
		reply string
		phase Phase
	}{
		{replyReceived(ms.Kind), PhaseAcked},
		{replyFinished(ms.Kind), PhaseComputed},
		{replyUploaded(ms.Kind), PhaseUploaded},
	}
	for _, st := range steps {
		if err := c.Expect(st.reply); err != nil {
			return fmt.Errorf("%s -> %s: %w", ms.Phase(), st.phase, err)
		}
		ms.advance(st.phase)
		telemetry.MissionPhases.WithLabelValues(ms.Kind.String(), st.phase.String()).Inc()
	}
	return nil
}

func (m *Master) watchWorker(ctx context.Context, worker string, c *wire.Conn) {
	t := time.NewTicker(m.cfg.LivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-t.C:
			if !slices.Contains(m.members.Alive(), worker) {
				c.Close()
				return
			}
		}
	}
}

// mergeJuice gathers the per-mission results, sorts them into the
// destination file, and cleans up partials and, if asked, the inputs.
func (m *Master) mergeJuice(ctx context.Context, job Job, missions []*Mission) error {
	dir, err := os.MkdirTemp(m.cfg.WorkDir, "merge-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	var lines []string
	for _, ms := range missions {
		name := partialFile(job.Dest, ms.ID)
		path := filepath.Join(dir, name)
		if err := m.store.Get(ctx, name, path); err != nil {
			return fmt.Errorf("fetch %s: %w", name, err)
		}
		got, err := readLines(path)
		if err != nil {
			return err
		}
		lines = append(lines, got...)
	}
	slices.Sort(lines)

	out := filepath.Join(dir, job.Dest)
	if err := writeLines(out, lines); err != nil {
		return err
	}
	if err := m.store.Put(ctx, out, job.Dest, nil); err != nil {
		return fmt.Errorf("store %s: %w", job.Dest, err)
	}

	var errs []error
	for _, ms := range missions {
		if err := m.store.Delete(ctx, partialFile(job.Dest, ms.ID)); err != nil && !errors.Is(err, sdfs.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if job.DeleteInput {
		errs = append(errs, m.store.PrefixDelete(ctx, job.Prefix+"_"))
	}
	return errors.Join(errs...)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		w.WriteString(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
