package sdfs

import (
	"context"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrcluster/internal/telemetry"
	"github.com/ryandielhenn/zephyrcluster/pkg/wire"
)

// handle serves one store verb per connection.
func (s *Store) handle(_ context.Context, c *wire.Conn) {
	line, err := c.ReadLine()
	if err != nil {
		return
	}
	verb, args := wire.Fields(line)
	if len(args) == 0 {
		_ = c.WriteLine(replyBadRequest)
		return
	}

	switch verb {
	case verbPut:
		s.servePut(c, args)
	case verbGet:
		s.serveGet(c, args[0])
	case verbDelete:
		if s.files.Delete(args[0]) {
			s.log.Info("replica deleted", zap.String("file", args[0]))
			_ = c.WriteLine(replyDeleted)
			return
		}
		_ = c.WriteLine(replyNoFile)
	case verbExist:
		if _, ok := s.files.Stat(args[0]); ok {
			_ = c.WriteLine(replyExist)
			return
		}
		_ = c.WriteLine(replyNotExist)
	case verbCheckTime:
		rec, ok := s.files.Stat(args[0])
		if ok && s.cfg.Policy.NeedsConfirm(rec, time.Now()) {
			_ = c.WriteLine(replyNeedConfirm)
			return
		}
		_ = c.WriteLine(replyNoConfirm)
	case verbPrefixExist:
		names := s.files.Names(args[0])
		if len(names) == 0 {
			_ = c.WriteLine(replyPrefixNone)
			return
		}
		_ = c.WriteLine(replyPrefixExist + " " + strings.Join(names, " "))
	case verbPrefixDelete:
		gone := s.files.DeletePrefix(args[0])
		if len(gone) > 0 {
			s.log.Info("prefix deleted", zap.String("prefix", args[0]), zap.Int("files", len(gone)))
		}
		_ = c.WriteLine(replyPrefixDeleted)
	default:
		_ = c.WriteLine(replyBadRequest)
	}
}

func (s *Store) servePut(c *wire.Conn, args []string) {
	if len(args) != 2 {
		_ = c.WriteLine(replyBadRequest)
		return
	}
	name := args[0]
	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || size < 0 || !ValidName(name) {
		_ = c.WriteLine(replyBadRequest)
		return
	}
	if err := c.WriteLine(replyHeaderOK); err != nil {
		return
	}
	_, err = s.files.Write(name, func(w io.Writer) error { return c.CopyIn(w, size) })
	if err != nil {
		s.log.Warn("receive replica failed", zap.String("file", name), zap.Error(err))
		return
	}
	primary, _ := s.cfg.Ring.Primary(name, setOf(s.members.Alive()))
	s.files.SetPrimary(name, primary == s.cfg.Self)
	telemetry.TransferBytes.WithLabelValues("in").Add(float64(size))
	s.log.Info("replica stored", zap.String("file", name), zap.Int64("size", size), zap.Bool("primary", primary == s.cfg.Self))
	_ = c.WriteLine(replyPutOK)
}

func (s *Store) serveGet(c *wire.Conn, name string) {
	f, rec, err := s.files.Open(name)
	if err != nil {
		_ = c.WriteLine(replyNoFile)
		return
	}
	defer f.Close()
	if err := c.Send("%s %d", replyFileSize, rec.Size); err != nil {
		return
	}
	if err := c.Expect(replySizeOK); err != nil {
		return
	}
	if err := c.CopyOut(f, rec.Size); err != nil {
		s.log.Warn("serve replica failed", zap.String("file", name), zap.Error(err))
		return
	}
	telemetry.TransferBytes.WithLabelValues("out").Add(float64(rec.Size))
}
