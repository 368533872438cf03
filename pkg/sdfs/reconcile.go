package sdfs

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
)

// Observe queues a membership snapshot for reconciliation. Snapshots that
// arrive while a pass is running collapse into the latest one.
func (s *Store) Observe(members []string) {
	s.pendMu.Lock()
	s.pending = slices.Clone(members)
	s.pendMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run reconciles replicas after each observed membership change until ctx
// ends. initial is the membership the local replicas were placed under. A
// pass that fails is repeated from the same starting membership after
// RetryBackoff, or sooner if a newer snapshot arrives.
func (s *Store) Run(ctx context.Context, initial []string) {
	prev := slices.Clone(initial)
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-retry:
		}
		retry = nil
		s.pendMu.Lock()
		cur := s.pending
		s.pendMu.Unlock()

		if !slices.Contains(cur, s.cfg.Self) {
			continue
		}
		if err := s.Reconcile(ctx, prev, cur); err != nil {
			s.log.Warn("reconcile incomplete, retrying", zap.Duration("backoff", s.cfg.RetryBackoff), zap.Error(err))
			retry = time.After(s.cfg.RetryBackoff)
			continue
		}
		prev = cur
	}
}

// Reconcile runs one pass from the placement under prev to the placement
// under cur. The plan is computed with the file table and the slave list
// both locked; pushes then run concurrently and drops happen once every
// push has finished. A copy whose push failed is kept.
func (s *Store) Reconcile(ctx context.Context, prev, cur []string) error {
	start := time.Now()
	defer func() { telemetry.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	var plan Plan
	s.slaveMu.Lock()
	s.files.Retag(func(held []string) map[string]bool {
		plan = PlanReconcile(s.cfg.Self, held, prev, cur, s.cfg.Ring, s.cfg.Replicas)
		return plan.Primary
	})
	s.slaves = Slaves(s.cfg.Self, cur, s.cfg.Replicas)
	s.slaveMu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]bool)
	)
	for name, targets := range plan.Push {
		for _, addr := range targets {
			g.Go(func() error {
				f, rec, err := s.files.Open(name)
				if err != nil {
					return nil
				}
				defer f.Close()
				if err := s.pushReader(tctx, addr, name, f, rec.Size); err != nil {
					s.log.Warn("re-replication failed", zap.String("file", name), zap.String("to", addr), zap.Error(err))
					mu.Lock()
					failed[name] = true
					mu.Unlock()
					return err
				}
				s.log.Info("re-replicated", zap.String("file", name), zap.String("to", addr))
				return nil
			})
		}
	}
	err := g.Wait()

	for _, name := range plan.Drop {
		if failed[name] {
			continue
		}
		if s.files.Delete(name) {
			s.log.Info("dropped replica outside replica set", zap.String("file", name))
		}
	}
	return err
}
