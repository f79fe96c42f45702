package lock

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstore"
)

// InstanceChecker reports whether a compute instance still exists.
type InstanceChecker interface {
	InstanceExists(ctx context.Context, instanceID, zone string) (bool, error)
}

// ClearResult is the outcome of ClearPreconditioned.
type ClearResult int

const (
	// ClearNoLock means no owner lock was present.
	ClearNoLock ClearResult = iota
	// ClearStillExists means the claimed instance is alive; nothing was deleted.
	ClearStillExists
	// ClearCleared means the lock was deleted.
	ClearCleared
)

func (r ClearResult) String() string {
	switch r {
	case ClearNoLock:
		return "no_lock"
	case ClearStillExists:
		return "still_exists"
	case ClearCleared:
		return "cleared"
	}
	return fmt.Sprintf("ClearResult(%d)", int(r))
}

// OwnerLock records which worker instance currently owns a run.
type OwnerLock struct {
	lock *Lock
}

// NewOwnerLock returns the owner lock of runID.
func NewOwnerLock(objects objstore.Store, runID string, logger *zap.Logger) *OwnerLock {
	return &OwnerLock{lock: New(objects, runstore.Run{ID: runID}.OwnerLockKey(), logger)}
}

// Read returns the current owner, if any.
func (o *OwnerLock) Read(ctx context.Context) (*Payload, objstore.Generation, error) {
	return o.lock.Read(ctx)
}

// Claim takes ownership for the instance named in p.
//
// A lock left by the same instance is replaced. A lock held by another
// instance is replaced only when checker confirms that instance is gone;
// otherwise ErrContended is returned.
func (o *OwnerLock) Claim(ctx context.Context, p Payload, checker InstanceChecker) (*Handle, error) {
	h, err := o.lock.Acquire(ctx, p)
	if !errors.Is(err, ErrContended) {
		return h, err
	}

	existing, gen, err := o.lock.Read(ctx)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	if gen == objstore.Absent {
		return o.lock.Acquire(ctx, p)
	}

	if existing != nil && existing.Instance != "" && existing.Instance != p.Instance {
		if alive := o.instanceAlive(ctx, checker, existing); alive {
			return nil, ErrContended
		}
	}

	if err := o.lock.deleteAt(ctx, gen); err != nil {
		if errors.Is(err, ErrLockLost) {
			return nil, ErrContended
		}
		return nil, err
	}
	h, err = o.lock.Acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	o.lock.logger.Info("Owner lock taken over", zap.String("instance", p.Instance))
	return h, nil
}

// Release frees the lock on clean worker exit.
func (o *OwnerLock) Release(ctx context.Context, h *Handle) error {
	return o.lock.Release(ctx, h)
}

// ClearPreconditioned removes the owner lock ahead of a restart, but only
// when the claimed instance is gone. The delete is conditioned on the
// generation read here; if it moved, ErrLockLost is returned.
//
// A lock that names no instance, or cannot be decoded, carries no claim to
// verify and is cleared.
func (o *OwnerLock) ClearPreconditioned(ctx context.Context, checker InstanceChecker) (ClearResult, error) {
	existing, gen, err := o.lock.Read(ctx)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return ClearNoLock, err
	}
	if gen == objstore.Absent {
		return ClearNoLock, nil
	}

	if existing != nil && existing.Instance != "" {
		if o.instanceAlive(ctx, checker, existing) {
			o.lock.logger.Warn("Owner instance still exists",
				zap.String("instance", existing.Instance),
				zap.String("zone", existing.Zone))
			return ClearStillExists, nil
		}
	}

	if err := o.lock.deleteAt(ctx, gen); err != nil {
		return ClearNoLock, err
	}
	o.lock.logger.Info("Owner lock cleared")
	return ClearCleared, nil
}

// instanceAlive treats lookup failures as alive.
func (o *OwnerLock) instanceAlive(ctx context.Context, checker InstanceChecker, p *Payload) bool {
	if checker == nil {
		return true
	}
	exists, err := checker.InstanceExists(ctx, p.Instance, p.Zone)
	if err != nil {
		o.lock.logger.Warn("Instance lookup failed; assuming alive",
			zap.String("instance", p.Instance),
			zap.Error(err))
		return true
	}
	return exists
}
