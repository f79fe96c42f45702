package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/objstore"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{BaseDir: "  "}.Validate())
	assert.NoError(t, Config{BaseDir: "/tmp/x"}.Validate())
}

func TestStore_PutGetConditional(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gen, err := s.Put(ctx, "runs/r1/state.json", []byte(`{"state":"RUNNING"}`), objstore.IfAbsent())
	require.NoError(t, err)

	obj, err := s.Get(ctx, "runs/r1/state.json")
	require.NoError(t, err)
	assert.Equal(t, gen, obj.Generation)
	assert.JSONEq(t, `{"state":"RUNNING"}`, string(obj.Data))

	_, err = s.Put(ctx, "runs/r1/state.json", []byte(`{}`), objstore.IfAbsent())
	assert.True(t, objstore.IsPreconditionFailed(err))

	gen2, err := s.Put(ctx, "runs/r1/state.json", []byte(`{"state":"COMPLETE"}`), objstore.IfGenerationMatch(gen))
	require.NoError(t, err)
	assert.NotEqual(t, gen, gen2)

	_, err = s.Put(ctx, "runs/r1/state.json", []byte(`{}`), objstore.IfGenerationMatch(gen))
	assert.True(t, objstore.IsPreconditionFailed(err))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	gen, err := s.Put(ctx, "runs/r1/restart.lock", []byte("x"), objstore.IfAbsent())
	require.NoError(t, err)

	err = s.Delete(ctx, "runs/r1/restart.lock", objstore.IfGenerationMatch("other"))
	assert.True(t, objstore.IsPreconditionFailed(err))

	require.NoError(t, s.Delete(ctx, "runs/r1/restart.lock", objstore.IfGenerationMatch(gen)))

	err = s.Delete(ctx, "runs/r1/restart.lock", objstore.IfGenerationMatch(gen))
	assert.True(t, objstore.IsNotFound(err))

	assert.NoError(t, s.Delete(ctx, "runs/r1/restart.lock", objstore.Condition{}))

	_, err = s.Get(ctx, "runs/r1/restart.lock")
	assert.True(t, objstore.IsNotFound(err))
}

func TestStore_ConcurrentCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, "runs/r1/.owner.lock", []byte("claim"), objstore.IfAbsent())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, objstore.IsPreconditionFailed(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)
}

func TestStore_ListSkipsInternalFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, k := range []string{"runs/a/state.json", "runs/b/state.json", "runs/b/events/e1.json"} {
		_, err := s.Put(ctx, k, []byte("{}"), objstore.Condition{})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.baseDir, "runs", "a", "state.json"+guardSuffix), nil, 0o644))

	res, err := s.ListWithDelimiter(ctx, objstore.ListOptions{Prefix: "runs/", Delimiter: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/a/", "runs/b/"}, res.CommonPrefixes)

	res, err = s.ListWithDelimiter(ctx, objstore.ListOptions{Prefix: "runs/a/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)
	assert.Equal(t, "runs/a/state.json", res.Objects[0].Key)
}

func TestStore_RejectsTraversal(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "../../etc/passwd")
	assert.Error(t, err)
}
