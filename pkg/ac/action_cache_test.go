package ac_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/ac"
	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"

	"github.com/stretchr/testify/require"
)

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not a valid object info string"), 0o644)
}

func newActionCache(t *testing.T) *ac.ActionCache {
	root := t.TempDir()
	cas := localcas.New(filepath.Join(root, "cas"), digest.Compatible)
	return ac.New(filepath.Join(root, "ac"), cas)
}

func TestActionCacheMiss(t *testing.T) {
	cache := newActionCache(t)

	result, info, found, err := cache.CachedResult("deadbeef")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, result)
	require.Equal(t, digest.ObjectInfo{}, info)
}

func TestActionCacheStoreAndRetrieve(t *testing.T) {
	cache := newActionCache(t)
	result := &casmodel.ActionResult{
		ExitCode: 0,
		OutputFiles: []casmodel.OutputFile{
			{Path: "out.txt", Hash: "", SizeBytes: 0},
		},
	}

	require.NoError(t, cache.StoreResult("action-1", result))

	got, _, found, err := cache.CachedResult("action-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, result.ExitCode, got.ExitCode)
	require.Equal(t, result.OutputFiles, got.OutputFiles)
}

func TestActionCacheLastWinsOverwrite(t *testing.T) {
	cache := newActionCache(t)

	failed := &casmodel.ActionResult{ExitCode: 1}
	require.NoError(t, cache.StoreResult("action-2", failed))

	succeeded := &casmodel.ActionResult{ExitCode: 0}
	require.NoError(t, cache.StoreResult("action-2", succeeded))

	got, _, found, err := cache.CachedResult("action-2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int32(0), got.ExitCode)
}

func TestActionCacheCorruptEntryIsUnlinked(t *testing.T) {
	cache := newActionCache(t)

	require.NoError(t, cache.StoreResult("action-3", &casmodel.ActionResult{ExitCode: 0}))
	require.True(t, cache.Exists("action-3"))

	require.NoError(t, writeGarbage(cache.EntryPath("action-3")))

	result, _, found, err := cache.CachedResult("action-3")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, result)
	require.False(t, cache.Exists("action-3"))
}
