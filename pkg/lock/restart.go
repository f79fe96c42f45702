package lock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/clock"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstore"
)

// DefaultRestartTTL is recorded in restart locks that do not set ttl_sec.
const DefaultRestartTTL = 300 * time.Second

// RestartLock serializes restarts of one run.
type RestartLock struct {
	lock  *Lock
	clock clock.Clock
	ttl   time.Duration
}

// NewRestartLock returns the restart lock of runID.
func NewRestartLock(objects objstore.Store, runID string, clk clock.Clock, logger *zap.Logger) *RestartLock {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RestartLock{
		lock:  New(objects, runstore.Run{ID: runID}.RestartLockKey(), logger),
		clock: clk,
		ttl:   DefaultRestartTTL,
	}
}

// Acquire takes the lock. When it is held, a holder whose acquired_at plus
// ttl_sec lies in the past is reclaimed through a generation-conditioned
// delete followed by a fresh create. Losing either step yields ErrContended.
func (r *RestartLock) Acquire(ctx context.Context, p Payload) (*Handle, error) {
	if p.TTLSec == 0 {
		p.TTLSec = int(r.ttl / time.Second)
	}

	h, err := r.lock.Acquire(ctx, p)
	if !errors.Is(err, ErrContended) {
		return h, err
	}

	existing, gen, err := r.lock.Read(ctx)
	switch {
	case errors.Is(err, ErrCorrupt):
		r.lock.logger.Warn("Restart lock unreadable; treating as held", zap.Error(err))
		return nil, ErrContended
	case err != nil:
		return nil, err
	case existing == nil:
		// Released between our create and read.
		return r.lock.Acquire(ctx, p)
	}

	age := r.clock.Now().Sub(existing.AcquiredAt)
	if existing.AcquiredAt.IsZero() || age <= r.expiry(existing) {
		return nil, ErrContended
	}

	if err := r.lock.deleteAt(ctx, gen); err != nil {
		if errors.Is(err, ErrLockLost) {
			r.lock.logger.Info("Restart lock reclaim race lost")
			return nil, ErrContended
		}
		return nil, err
	}
	h, err = r.lock.Acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	r.lock.logger.Info("Reclaimed stale restart lock",
		zap.Duration("age", age),
		zap.String("previous_holder", existing.Holder))
	return h, nil
}

// Release frees the lock acquired by h.
func (r *RestartLock) Release(ctx context.Context, h *Handle) error {
	return r.lock.Release(ctx, h)
}

// Read returns the current holder, if any.
func (r *RestartLock) Read(ctx context.Context) (*Payload, objstore.Generation, error) {
	return r.lock.Read(ctx)
}

// Remove deletes whatever lock is present, conditioned on the generation it
// observes. A missing lock is not an error.
func (r *RestartLock) Remove(ctx context.Context) error {
	_, gen, err := r.lock.Read(ctx)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	if gen == objstore.Absent {
		return nil
	}
	return r.lock.deleteAt(ctx, gen)
}

func (r *RestartLock) expiry(p *Payload) time.Duration {
	if p.TTLSec > 0 {
		return time.Duration(p.TTLSec) * time.Second
	}
	return r.ttl
}
