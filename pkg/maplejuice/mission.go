package maplejuice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Phase is how far a worker has taken a mission.
type Phase int32

const (
	PhaseAssigned Phase = iota
	PhaseAcked
	PhaseComputed
	PhaseUploaded
)

func (p Phase) String() string {
	switch p {
	case PhaseAssigned:
		return "assigned"
	case PhaseAcked:
		return "acked"
	case PhaseComputed:
		return "computed"
	case PhaseUploaded:
		return "uploaded"
	default:
		return "unknown"
	}
}

// Mission is one unit of work. Its id and inputs never change; only the
// worker executing it does.
type Mission struct {
	ID     int
	Kind   Kind
	Inputs []string // source files for maple, bucket prefixes for juice

	phase  atomic.Int32
	worker atomic.String
}

func newMission(id int, kind Kind, inputs []string) *Mission {
	return &Mission{ID: id, Kind: kind, Inputs: inputs}
}

func (m *Mission) Phase() Phase { return Phase(m.phase.Load()) }

func (m *Mission) Worker() string { return m.worker.Load() }

func (m *Mission) advance(p Phase) { m.phase.Store(int32(p)) }

// assign hands the mission to w and resets it to the first phase.
func (m *Mission) assign(w string) {
	m.worker.Store(w)
	m.phase.Store(int32(PhaseAssigned))
}

// gate releases the dispatcher once every mission of a job has finished.
type gate struct {
	total     int64
	completed atomic.Int64
	done      chan struct{}
	once      sync.Once
}

func newGate(total int) *gate {
	g := &gate{total: int64(total), done: make(chan struct{})}
	if total == 0 {
		close(g.done)
	}
	return g
}

func (g *gate) complete() {
	if g.completed.Inc() == g.total {
		g.once.Do(func() { close(g.done) })
	}
}

func (g *gate) Done() <-chan struct{} { return g.done }

// freeWorkers queues workers that finished a mission and can take over a
// failed one.
type freeWorkers struct {
	ch chan string
}

func newFreeWorkers(capacity int) *freeWorkers {
	return &freeWorkers{ch: make(chan string, capacity)}
}

func (f *freeWorkers) put(addr string) {
	select {
	case f.ch <- addr:
	default:
	}
}

// take waits up to wait for a free worker.
func (f *freeWorkers) take(ctx context.Context, wait time.Duration) (string, bool) {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case w := <-f.ch:
		return w, true
	case <-t.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}
