package sdfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

var (
	ErrNotFound  = errors.New("sdfs: no such file")
	ErrCancelled = errors.New("sdfs: overwrite cancelled")
	ErrNoMembers = errors.New("sdfs: no alive members")
)

// Membership is the view of the group the store places files on.
type Membership interface {
	Alive() []string
}

type Config struct {
	Self            string
	Ring            *ring.Ring // the fixed, sorted cluster addresses
	Replicas        int
	Policy          OverwritePolicy
	ConfirmTimeout  time.Duration
	RequestTimeout  time.Duration // one control round trip
	TransferTimeout time.Duration // one whole file transfer
	RetryBackoff    time.Duration // wait before repeating a failed reconcile pass
}

// Store is one node's part of the replicated file store: the local replica
// table, the coordinator for client operations, and the reconciler.
type Store struct {
	cfg     Config
	net     wire.Network
	members Membership
	files   *FileTable
	log     *zap.Logger

	slaveMu sync.Mutex
	slaves  []string

	pendMu  sync.Mutex
	pending []string
	wake    chan struct{}
}

func New(cfg Config, files *FileTable, members Membership, n wire.Network, log *zap.Logger) *Store {
	if cfg.Policy == nil {
		cfg.Policy = FreshnessWindow(0)
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = 5 * time.Minute
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		net:     n,
		members: members,
		files:   files,
		log:     log.Named("sdfs"),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Store) Files() *FileTable { return s.files }

// Replicas returns the replica set of name under the current membership,
// primary first.
func (s *Store) Replicas(name string) []string {
	return s.cfg.Ring.Place(name, s.cfg.Replicas, setOf(s.members.Alive()))
}

// Slaves returns the nodes this node currently serves as replica successors.
func (s *Store) Slaves() []string {
	s.slaveMu.Lock()
	defer s.slaveMu.Unlock()
	return slices.Clone(s.slaves)
}

// Put writes the local file at path into the store under name, on every
// replica. If the current primary copy is fresh enough that the overwrite
// policy objects, confirm is asked first; a nil confirm proceeds.
func (s *Store) Put(ctx context.Context, path, name string, confirm Confirmer) (err error) {
	defer func() { telemetry.StoreOps.WithLabelValues("put", telemetry.Outcome(err)).Inc() }()

	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	if fi.IsDir() {
		return fmt.Errorf("local file %s is a directory", path)
	}
	targets := s.Replicas(name)
	if len(targets) == 0 {
		return ErrNoMembers
	}

	if confirm != nil {
		if holder, ok := s.firstHolder(ctx, targets, name); ok {
			need, err := s.checkTime(ctx, holder, name)
			if err != nil {
				return err
			}
			if need {
				cctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
				ok, err := confirm.Confirm(cctx, name)
				cancel()
				if err != nil || !ok {
					s.log.Info("overwrite cancelled", zap.String("file", name), zap.Error(err))
					return ErrCancelled
				}
			}
		}
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(tctx)
	for _, addr := range targets {
		g.Go(func() error {
			if err := s.push(gctx, addr, name, path); err != nil {
				return fmt.Errorf("put %s to %s: %w", name, addr, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.log.Info("put complete", zap.String("file", name), zap.Strings("replicas", targets))
	return nil
}

// Get copies name from the first candidate replica that holds it into the
// local file at path.
func (s *Store) Get(ctx context.Context, name, path string) (err error) {
	defer func() { telemetry.StoreOps.WithLabelValues("get", telemetry.Outcome(err)).Inc() }()

	for _, addr := range s.Replicas(name) {
		has, err := s.exists(ctx, addr, name)
		if err != nil {
			s.log.Debug("exist check failed", zap.String("addr", addr), zap.Error(err))
			continue
		}
		if !has {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, s.cfg.TransferTimeout)
		err = s.fetch(tctx, addr, name, path)
		cancel()
		if err == nil {
			return nil
		}
		s.log.Warn("fetch failed, trying next replica", zap.String("file", name), zap.String("addr", addr), zap.Error(err))
	}
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Delete removes name from every candidate replica that holds it.
func (s *Store) Delete(ctx context.Context, name string) (err error) {
	defer func() { telemetry.StoreOps.WithLabelValues("delete", telemetry.Outcome(err)).Inc() }()

	var (
		mu      sync.Mutex
		deleted int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range s.Replicas(name) {
		g.Go(func() error {
			has, err := s.exists(gctx, addr, name)
			if err != nil || !has {
				return nil
			}
			ok, err := s.remoteDelete(gctx, addr, name)
			if err != nil {
				return fmt.Errorf("delete %s on %s: %w", name, addr, err)
			}
			if ok {
				mu.Lock()
				deleted++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// Locate returns the candidate replicas that currently hold name.
func (s *Store) Locate(ctx context.Context, name string) ([]string, error) {
	candidates := s.Replicas(name)
	has := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range candidates {
		g.Go(func() error {
			ok, err := s.exists(gctx, addr, name)
			if err == nil {
				has[i] = ok
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, addr := range candidates {
		if has[i] {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return out, nil
}

// PrefixFiles asks every alive node which files it holds starting with
// prefix and returns the sorted, de-duplicated union.
func (s *Store) PrefixFiles(ctx context.Context, prefix string) ([]string, error) {
	var (
		mu  sync.Mutex
		all []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range s.members.Alive() {
		g.Go(func() error {
			names, err := s.prefixExist(gctx, addr, prefix)
			if err != nil {
				s.log.Warn("prefix query failed", zap.String("addr", addr), zap.Error(err))
				return nil
			}
			mu.Lock()
			all = append(all, names...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(all)
	return slices.Compact(all), nil
}

// PrefixDelete removes every file starting with prefix on every alive node.
func (s *Store) PrefixDelete(ctx context.Context, prefix string) (err error) {
	defer func() { telemetry.StoreOps.WithLabelValues("prefix_delete", telemetry.Outcome(err)).Inc() }()

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range s.members.Alive() {
		g.Go(func() error {
			if err := s.prefixDelete(gctx, addr, prefix); err != nil {
				s.log.Warn("prefix delete failed", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) firstHolder(ctx context.Context, candidates []string, name string) (string, bool) {
	for _, addr := range candidates {
		if has, err := s.exists(ctx, addr, name); err == nil && has {
			return addr, true
		}
	}
	return "", false
}

// Serve answers store verbs from other nodes on ln until ctx ends.
func (s *Store) Serve(ctx context.Context, ln net.Listener) {
	wire.Serve(ctx, ln, s.log, s.handle)
}
