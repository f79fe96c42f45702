// Package file implements objstore.Store on a local directory.
//
// Keys are treated as relative paths under BaseDir. Conditional writes are
// serialized per key with an O_EXCL guard file, so several processes on one
// host (worker, reconciler, operator CLI) can share a run directory.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/3leaps/spotguard/pkg/objstore"
)

const (
	guardSuffix  = ".spotguard-lck"
	guardStale   = 10 * time.Second
	guardBackoff = 5 * time.Millisecond
)

// Store implements objstore.Store for local filesystem paths.
type Store struct {
	baseDir string
}

var _ objstore.Store = (*Store)(nil)

// Config configures a file store.
type Config struct {
	BaseDir string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

// New creates the store, creating BaseDir if needed.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &objstore.ProviderError{Op: "New", Provider: objstore.ProviderFile, Bucket: base, Err: err}
	}
	return &Store{baseDir: base}, nil
}

// Close implements objstore.Store.
func (s *Store) Close() error { return nil }

// Get implements objstore.Store.
func (s *Store) Get(ctx context.Context, key string) (*objstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.fullPath(key)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	data, st, err := readFile(full)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return &objstore.Object{Key: key, Data: data, Generation: generation(data, st), LastModified: st.ModTime()}, nil
}

// Put implements objstore.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, cond objstore.Condition) (objstore.Generation, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}

	release, err := acquireGuard(ctx, full)
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	defer release()

	current, err := currentGeneration(full)
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	if !cond.Matches(current) {
		return objstore.Absent, s.wrapError("Put", key, objstore.ErrPreconditionFailed)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "spotguard-put-*")
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}

	st, err := os.Stat(full)
	if err != nil {
		return objstore.Absent, s.wrapError("Put", key, err)
	}
	return generation(data, st), nil
}

// Delete implements objstore.Store.
func (s *Store) Delete(ctx context.Context, key string, cond objstore.Condition) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}

	if !cond.Conditional() {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return s.wrapError("Delete", key, err)
		}
		return nil
	}

	if _, err := os.Stat(filepath.Dir(full)); os.IsNotExist(err) {
		return s.wrapError("Delete", key, objstore.ErrNotFound)
	}
	release, err := acquireGuard(ctx, full)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	defer release()

	current, err := currentGeneration(full)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if current == objstore.Absent {
		return s.wrapError("Delete", key, objstore.ErrNotFound)
	}
	if !cond.Matches(current) {
		return s.wrapError("Delete", key, objstore.ErrPreconditionFailed)
	}
	if err := os.Remove(full); err != nil {
		return s.wrapError("Delete", key, err)
	}
	return nil
}

// ListWithDelimiter implements objstore.Store.
func (s *Store) ListWithDelimiter(ctx context.Context, opts objstore.ListOptions) (*objstore.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summaries, err := s.collect()
	if err != nil {
		return nil, s.wrapError("List", opts.Prefix, err)
	}
	return objstore.Paginate(summaries, opts), nil
}

func (s *Store) collect() ([]objstore.ObjectSummary, error) {
	var out []objstore.ObjectSummary
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, guardSuffix) || strings.HasPrefix(name, "spotguard-put-") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, objstore.ObjectSummary{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	return out, err
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key path %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &objstore.ProviderError{Op: op, Provider: objstore.ProviderFile, Bucket: s.baseDir, Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Err = objstore.ErrNotFound
	case os.IsPermission(err):
		wrapped.Err = objstore.ErrAccessDenied
	}
	return wrapped
}

func readFile(full string) ([]byte, os.FileInfo, error) {
	st, err := os.Stat(full)
	if err != nil {
		return nil, nil, err
	}
	if st.IsDir() {
		return nil, nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, nil, err
	}
	return data, st, nil
}

func currentGeneration(full string) (objstore.Generation, error) {
	data, st, err := readFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return objstore.Absent, nil
		}
		return objstore.Absent, err
	}
	return generation(data, st), nil
}

// generation combines content digest and modification time so a deleted and
// recreated object with identical content still gets a new generation.
func generation(data []byte, st os.FileInfo) objstore.Generation {
	sum := sha256.Sum256(data)
	return objstore.Generation(strconv.FormatInt(st.ModTime().UnixNano(), 36) + "-" + hex.EncodeToString(sum[:8]))
}

func acquireGuard(ctx context.Context, full string) (func(), error) {
	guard := full + guardSuffix
	for {
		f, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(guard) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if st, statErr := os.Stat(guard); statErr == nil && time.Since(st.ModTime()) > guardStale {
			_ = os.Remove(guard)
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(guardBackoff):
		}
	}
}
