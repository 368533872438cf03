package sdfs

import (
	"context"
	"time"
)

// OverwritePolicy decides, on the node holding the primary replica, whether
// overwriting that replica needs the client's confirmation.
type OverwritePolicy interface {
	NeedsConfirm(rec FileRecord, now time.Time) bool
}

// FreshnessWindow asks for confirmation when the replica was written less
// than the window ago. A zero window never asks.
type FreshnessWindow time.Duration

func (w FreshnessWindow) NeedsConfirm(rec FileRecord, now time.Time) bool {
	return w > 0 && now.Sub(rec.Written) < time.Duration(w)
}

// Confirmer asks the client whether to overwrite name. It must give up when
// ctx ends.
type Confirmer interface {
	Confirm(ctx context.Context, name string) (bool, error)
}

type ConfirmFunc func(ctx context.Context, name string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, name string) (bool, error) { return f(ctx, name) }
