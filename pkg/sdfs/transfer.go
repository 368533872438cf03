package sdfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

func (s *Store) call(ctx context.Context, addr, line string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	return wire.Request(ctx, s.net, addr, wire.Store, line)
}

func (s *Store) exists(ctx context.Context, addr, name string) (bool, error) {
	reply, err := s.call(ctx, addr, verbExist+" "+name)
	if err != nil {
		return false, err
	}
	switch reply {
	case replyExist:
		return true, nil
	case replyNotExist:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
}

func (s *Store) checkTime(ctx context.Context, addr, name string) (bool, error) {
	reply, err := s.call(ctx, addr, verbCheckTime+" "+name)
	if err != nil {
		return false, err
	}
	switch reply {
	case replyNeedConfirm:
		return true, nil
	case replyNoConfirm:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
}

func (s *Store) remoteDelete(ctx context.Context, addr, name string) (bool, error) {
	reply, err := s.call(ctx, addr, verbDelete+" "+name)
	if err != nil {
		return false, err
	}
	switch reply {
	case replyDeleted:
		return true, nil
	case replyNoFile:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
}

func (s *Store) prefixExist(ctx context.Context, addr, prefix string) ([]string, error) {
	reply, err := s.call(ctx, addr, verbPrefixExist+" "+prefix)
	if err != nil {
		return nil, err
	}
	verb, names := wire.Fields(reply)
	switch verb {
	case replyPrefixExist:
		return names, nil
	case replyPrefixNone:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
}

func (s *Store) prefixDelete(ctx context.Context, addr, prefix string) error {
	reply, err := s.call(ctx, addr, verbPrefixDelete+" "+prefix)
	if err != nil {
		return err
	}
	if reply != replyPrefixDeleted {
		return fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
	}
	return nil
}

// push sends the local file at path to addr as replica name.
func (s *Store) push(ctx context.Context, addr, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	return s.pushReader(ctx, addr, name, f, fi.Size())
}

func (s *Store) pushReader(ctx context.Context, addr, name string, r io.Reader, size int64) error {
	c, err := wire.Dial(ctx, s.net, addr, wire.Store)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Send("%s %s %d", verbPut, name, size); err != nil {
		return err
	}
	if err := c.Expect(replyHeaderOK); err != nil {
		return err
	}
	if err := c.CopyOut(r, size); err != nil {
		return err
	}
	if err := c.Expect(replyPutOK); err != nil {
		return err
	}
	telemetry.TransferBytes.WithLabelValues("out").Add(float64(size))
	return nil
}

// fetch copies replica name from addr into the local file at path.
func (s *Store) fetch(ctx context.Context, addr, name, path string) error {
	c, err := wire.Dial(ctx, s.net, addr, wire.Store)
	if err != nil {
		return err
	}
	defer c.Close()

	reply, err := c.Call(verbGet + " " + name)
	if err != nil {
		return err
	}
	if reply == replyNoFile {
		return ErrNotFound
	}
	sizeStr, ok := strings.CutPrefix(reply, replyFileSize+" ")
	if !ok {
		return fmt.Errorf("%w: %q", wire.ErrUnexpectedReply, reply)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: bad size %q", wire.ErrUnexpectedReply, sizeStr)
	}
	if err := c.WriteLine(replySizeOK); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := c.CopyIn(tmp, size); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	telemetry.TransferBytes.WithLabelValues("in").Add(float64(size))
	return os.Rename(tmp.Name(), path)
}
