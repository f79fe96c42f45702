// Package objstore defines the object storage port shared by workers, the
// reconciler, and operator tooling.
//
// The store is the only coordination medium between those parties. Every
// mutation is a single-object write that may be conditioned on the object's
// generation; there are no multi-object transactions.
package objstore

import (
	"context"
	"time"
)

// Generation is an opaque, store-assigned version of an object.
//
// The empty Generation means "object absent". Implementations choose their
// own representation (S3 ETag, content digest, counter); callers only ever
// compare generations for equality and hand them back as preconditions.
type Generation string

// Absent is the generation of an object that does not exist.
const Absent Generation = ""

// Condition constrains a Put or Delete.
//
// The zero Condition is unconditional.
type Condition struct {
	set bool
	gen Generation
}

// IfGenerationMatch succeeds only if the object's current generation equals
// gen. IfGenerationMatch(Absent) means create-if-absent.
func IfGenerationMatch(gen Generation) Condition {
	return Condition{set: true, gen: gen}
}

// IfAbsent succeeds only if the object does not exist.
func IfAbsent() Condition {
	return IfGenerationMatch(Absent)
}

// Conditional reports whether c carries a precondition.
func (c Condition) Conditional() bool {
	return c.set
}

// Generation returns the expected generation. Only meaningful when Conditional.
func (c Condition) Generation() Generation {
	return c.gen
}

// Matches reports whether an object at current satisfies c.
func (c Condition) Matches(current Generation) bool {
	return !c.set || c.gen == current
}

// Object is the content and metadata of a stored object.
type Object struct {
	Key          string
	Data         []byte
	Generation   Generation
	LastModified time.Time
}

// Store abstracts the object operations the coordination protocol needs.
//
// Implementations should:
//   - Use SDK default credential chains where applicable
//   - Report a failed precondition as ErrPreconditionFailed
//   - Be safe for concurrent use
type Store interface {
	// Get returns the object and its current generation.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (*Object, error)

	// Put writes data, subject to cond, and returns the new generation.
	Put(ctx context.Context, key string, data []byte, cond Condition) (Generation, error)

	// Delete removes the object, subject to cond.
	// An unconditional delete of a missing object succeeds. A conditional
	// delete of a missing object returns ErrNotFound.
	Delete(ctx context.Context, key string, cond Condition) error

	// ListWithDelimiter returns one page of keys under a prefix.
	ListWithDelimiter(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Close releases any resources held by the store.
	Close() error
}

// ProviderType identifies a store implementation.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local directory, used for single-host runs.
	ProviderFile ProviderType = "file"

	// ProviderMemory represents the in-process store used in tests and dry runs.
	ProviderMemory ProviderType = "memory"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
