// Package lock implements advisory locks on top of single-object
// preconditions: acquire is create-if-absent, release is a delete conditioned
// on the generation observed at acquisition.
//
// Locks never expire by themselves. The restart lock can be reclaimed once
// its recorded TTL has passed; the owner lock is cleared only after the
// claimed instance is confirmed gone.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/runstate"
)

var (
	// ErrContended indicates another holder owns the lock. It is control
	// flow, not a failure.
	ErrContended = errors.New("lock held by another party")

	// ErrLockLost indicates the lock generation moved since it was observed.
	ErrLockLost = errors.New("lock generation changed")

	// ErrCorrupt indicates the lock object could not be decoded.
	ErrCorrupt = errors.New("lock payload unreadable")
)

// Payload is the JSON body of a lock object.
type Payload struct {
	Holder     string         `json:"holder"`
	Actor      runstate.Actor `json:"actor"`
	Hostname   string         `json:"hostname"`
	AcquiredAt time.Time      `json:"acquired_at"`
	Attempt    int            `json:"attempt"`
	TTLSec     int            `json:"ttl_sec,omitempty"`
	Instance   string         `json:"instance,omitempty"`
	Zone       string         `json:"zone,omitempty"`
}

// NewPayload fills holder and hostname for the calling process.
func NewPayload(actor runstate.Actor, attempt int, now time.Time) Payload {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return Payload{
		Holder:     uuid.NewString(),
		Actor:      actor,
		Hostname:   host,
		AcquiredAt: now.UTC(),
		Attempt:    attempt,
	}
}

// Handle proves ownership of an acquired lock.
type Handle struct {
	Key        string
	Generation objstore.Generation
	Payload    Payload
}

// Lock is a single lock object.
type Lock struct {
	objects objstore.Store
	key     string
	logger  *zap.Logger
}

// New returns the lock stored at key.
func New(objects objstore.Store, key string, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{objects: objects, key: key, logger: logger.With(zap.String("lock", key))}
}

// Key returns the lock's object key.
func (l *Lock) Key() string {
	return l.key
}

// Acquire creates the lock object if absent. An existing lock yields ErrContended.
func (l *Lock) Acquire(ctx context.Context, p Payload) (*Handle, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode lock payload: %w", err)
	}
	gen, err := l.objects.Put(ctx, l.key, data, objstore.IfAbsent())
	if err != nil {
		if objstore.IsPreconditionFailed(err) {
			return nil, ErrContended
		}
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	l.logger.Debug("Lock acquired", zap.String("holder", p.Holder), zap.String("generation", string(gen)))
	return &Handle{Key: l.key, Generation: gen, Payload: p}, nil
}

// Release deletes the lock if it still carries the handle's generation.
func (l *Lock) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := l.deleteAt(ctx, h.Generation); err != nil {
		return err
	}
	l.logger.Debug("Lock released", zap.String("holder", h.Payload.Holder))
	return nil
}

// Read returns the current payload and generation, or (nil, Absent, nil)
// when no lock exists. An undecodable payload returns ErrCorrupt together
// with the observed generation.
func (l *Lock) Read(ctx context.Context) (*Payload, objstore.Generation, error) {
	obj, err := l.objects.Get(ctx, l.key)
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, objstore.Absent, nil
		}
		return nil, objstore.Absent, fmt.Errorf("read %s: %w", l.key, err)
	}
	var p Payload
	if err := json.Unmarshal(obj.Data, &p); err != nil {
		return nil, obj.Generation, fmt.Errorf("%w: %s: %v", ErrCorrupt, l.key, err)
	}
	return &p, obj.Generation, nil
}

func (l *Lock) deleteAt(ctx context.Context, gen objstore.Generation) error {
	err := l.objects.Delete(ctx, l.key, objstore.IfGenerationMatch(gen))
	if err == nil {
		return nil
	}
	if objstore.IsPreconditionFailed(err) || objstore.IsNotFound(err) {
		return fmt.Errorf("%s: %w", l.key, ErrLockLost)
	}
	return fmt.Errorf("delete %s: %w", l.key, err)
}
