package preflight_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
	"github.com/3leaps/spotguard/pkg/preflight"
)

// unconditionalStore drops every precondition, like a store without
// conditional write support.
type unconditionalStore struct {
	*memstore.Store
}

func (s unconditionalStore) Put(ctx context.Context, key string, data []byte, _ objstore.Condition) (objstore.Generation, error) {
	return s.Store.Put(ctx, key, data, objstore.Condition{})
}

func TestRun_ReadSafe(t *testing.T) {
	store := memstore.New()
	rep, err := preflight.Run(context.Background(), store, preflight.Spec{})
	require.NoError(t, err)

	assert.Equal(t, string(preflight.ModeReadSafe), rep.Mode)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, preflight.CapList, rep.Results[0].Capability)
	assert.True(t, rep.Results[0].Allowed)
	assert.Zero(t, store.Calls(memstore.OpPut))
}

func TestRun_WriteProbe(t *testing.T) {
	store := memstore.New()
	rep, err := preflight.Run(context.Background(), store, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.NoError(t, err)
	assert.Nil(t, rep.Failed())

	var caps []string
	for _, r := range rep.Results {
		caps = append(caps, r.Capability)
	}
	assert.Equal(t, []string{
		preflight.CapList,
		preflight.CapCreateIfAbsent,
		preflight.CapCompareSwap,
		preflight.CapDelete,
	}, caps)
	assert.Equal(t, preflight.DefaultProbePrefix, rep.ProbePrefix)
	assert.Empty(t, store.Keys(), "probe object must be removed")
}

func TestRun_WriteProbeDetectsMissingPreconditions(t *testing.T) {
	store := unconditionalStore{memstore.New()}
	rep, err := preflight.Run(context.Background(), store, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)

	failed := rep.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, preflight.CapCreateIfAbsent, failed.Capability)
	assert.Equal(t, preflight.ErrCodeUnsupported, failed.ErrorCode)
	assert.Empty(t, store.Keys())
}

func TestRun_ListDenied(t *testing.T) {
	store := memstore.New()
	store.SetFault(func(op memstore.Op, _ string) error {
		if op == memstore.OpList {
			return objstore.ErrAccessDenied
		}
		return nil
	})

	rep, err := preflight.Run(context.Background(), store, preflight.Spec{Mode: preflight.ModeWriteProbe})
	require.Error(t, err)
	require.Len(t, rep.Results, 1)
	assert.False(t, rep.Results[0].Allowed)
	assert.Equal(t, preflight.ErrCodeAccessDenied, rep.Results[0].ErrorCode)
}
