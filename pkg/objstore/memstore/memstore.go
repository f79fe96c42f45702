// Package memstore implements objstore.Store in process memory.
//
// Generations are drawn from a store-wide counter, so a key that is deleted
// and recreated never reuses an earlier generation. Hooks and faults let tests
// interleave writers deterministically and simulate store outages.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3leaps/spotguard/pkg/objstore"
)

// Op names a store operation for hooks and faults.
type Op string

const (
	OpGet    Op = "Get"
	OpPut    Op = "Put"
	OpDelete Op = "Delete"
	OpList   Op = "List"
)

// FaultFunc returns a non-nil error to fail an operation before it runs.
type FaultFunc func(op Op, key string) error

// HookFunc runs before an operation is applied, outside the store lock.
// A hook may call back into the store.
type HookFunc func(op Op, key string)

type entry struct {
	data    []byte
	gen     int64
	modTime time.Time
}

// Store is an in-memory objstore.Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]entry
	nextGen int64
	now     func() time.Time

	fault FaultFunc
	hook  HookFunc
	calls map[Op]int
}

var _ objstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		objects: make(map[string]entry),
		now:     time.Now,
		calls:   make(map[Op]int),
	}
}

// SetFault installs fn; nil clears it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetHook installs fn; nil clears it.
func (s *Store) SetHook(fn HookFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// BeforePut runs fn exactly once, just before the next Put to key is applied.
// fn may itself Put to key; that nested Put does not re-trigger fn.
func (s *Store) BeforePut(key string, fn func()) {
	var fired atomic.Bool
	s.SetHook(func(op Op, k string) {
		if op == OpPut && k == key && fired.CompareAndSwap(false, true) {
			fn()
		}
	})
}

// Calls returns how many times op was attempted.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Keys returns a snapshot of stored keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) enter(ctx context.Context, op Op, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.calls[op]++
	fault, hook := s.fault, s.hook
	s.mu.Unlock()

	if fault != nil {
		if err := fault(op, key); err != nil {
			return &objstore.ProviderError{Op: string(op), Provider: objstore.ProviderMemory, Key: key, Err: err}
		}
	}
	if hook != nil {
		hook(op, key)
	}
	return nil
}

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, key string) (*objstore.Object, error) {
	if err := s.enter(ctx, OpGet, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[key]
	if !ok {
		return nil, s.notFound(OpGet, key)
	}
	data := make([]byte, len(e.data))
	copy(data, e.data)
	return &objstore.Object{Key: key, Data: data, Generation: genOf(e), LastModified: e.modTime}, nil
}

// Put implements objstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, cond objstore.Condition) (objstore.Generation, error) {
	if err := s.enter(ctx, OpPut, key); err != nil {
		return objstore.Absent, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := objstore.Absent
	if e, ok := s.objects[key]; ok {
		current = genOf(e)
	}
	if !cond.Matches(current) {
		return objstore.Absent, &objstore.ProviderError{
			Op: string(OpPut), Provider: objstore.ProviderMemory, Key: key, Err: objstore.ErrPreconditionFailed,
		}
	}

	s.nextGen++
	buf := make([]byte, len(data))
	copy(buf, data)
	e := entry{data: buf, gen: s.nextGen, modTime: s.now()}
	s.objects[key] = e
	return genOf(e), nil
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, key string, cond objstore.Condition) error {
	if err := s.enter(ctx, OpDelete, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[key]
	if !ok {
		if cond.Conditional() {
			return s.notFound(OpDelete, key)
		}
		return nil
	}
	if !cond.Matches(genOf(e)) {
		return &objstore.ProviderError{
			Op: string(OpDelete), Provider: objstore.ProviderMemory, Key: key, Err: objstore.ErrPreconditionFailed,
		}
	}
	delete(s.objects, key)
	return nil
}

// ListWithDelimiter implements objstore.Store.
func (s *Store) ListWithDelimiter(ctx context.Context, opts objstore.ListOptions) (*objstore.ListResult, error) {
	if err := s.enter(ctx, OpList, opts.Prefix); err != nil {
		return nil, err
	}

	s.mu.Lock()
	summaries := make([]objstore.ObjectSummary, 0, len(s.objects))
	for k, e := range s.objects {
		summaries = append(summaries, objstore.ObjectSummary{
			Key:          k,
			Size:         int64(len(e.data)),
			Generation:   genOf(e),
			LastModified: e.modTime,
		})
	}
	s.mu.Unlock()

	return objstore.Paginate(summaries, opts), nil
}

// Close implements objstore.Store.
func (s *Store) Close() error { return nil }

func (s *Store) notFound(op Op, key string) error {
	return &objstore.ProviderError{Op: string(op), Provider: objstore.ProviderMemory, Key: key, Err: objstore.ErrNotFound}
}

func genOf(e entry) objstore.Generation {
	return objstore.Generation(strconv.FormatInt(e.gen, 10))
}
