package tc_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/tc"

	"github.com/stretchr/testify/require"
)

func newTargetCache(t *testing.T) *tc.TargetCache {
	root := t.TempDir()
	cas := localcas.New(filepath.Join(root, "cas"), digest.Compatible)
	return tc.New(filepath.Join(root, "tc"), cas)
}

func testKey(name string) casmodel.TargetCacheKey {
	return casmodel.TargetCacheKey{
		RepositoryContentID: "repo-abc",
		Module:              "mod",
		Name:                name,
		EffectiveConfig:     "opt=release",
	}
}

func TestTargetCacheMiss(t *testing.T) {
	cache := newTargetCache(t)
	result, info, found, err := cache.Read(testKey("missing"), "shard-a")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, result)
	require.Equal(t, digest.ObjectInfo{}, info)
}

func TestTargetCacheStoreAndRead(t *testing.T) {
	cache := newTargetCache(t)
	key := testKey("//foo:bar")
	entry := &casmodel.TargetResult{
		Artifacts: map[string]casmodel.ArtifactReference{
			"out": {Hash: "", SizeBytes: 0, Type: digest.File},
		},
		Provides: json.RawMessage(`{"foo":"bar"}`),
	}
	// An empty hash fails the decoding invariant; use a real digest.
	entry.Artifacts["out"] = casmodel.ArtifactReference{Hash: "deadbeefcafebabedeadbeefcafebabedeadbeefcafebabedeadbeefcafebabe", SizeBytes: 4, Type: digest.File}

	_, err := cache.Store(key, "shard-a", entry, nil)
	require.NoError(t, err)

	got, _, found, err := cache.Read(key, "shard-a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.Artifacts, got.Artifacts)
}

func TestTargetCacheShardIsolation(t *testing.T) {
	cache := newTargetCache(t)
	key := testKey("//foo:baz")
	entry := &casmodel.TargetResult{Artifacts: map[string]casmodel.ArtifactReference{}}

	_, err := cache.Store(key, "shard-a", entry, nil)
	require.NoError(t, err)

	_, _, found, err := cache.Read(key, "shard-b")
	require.NoError(t, err)
	require.False(t, found, "an entry stored under one shard must not be visible under another")
}

type fakeSyncer struct {
	called [][]digest.ObjectInfo
	err    error
}

func (f *fakeSyncer) SyncFromRemote(artifacts []digest.ObjectInfo) error {
	f.called = append(f.called, artifacts)
	return f.err
}

func TestTargetCacheStorePullsArtifactsFirst(t *testing.T) {
	cache := newTargetCache(t)
	key := testKey("//foo:qux")
	entry := &casmodel.TargetResult{
		Artifacts: map[string]casmodel.ArtifactReference{
			"out": {Hash: "deadbeefcafebabedeadbeefcafebabedeadbeefcafebabedeadbeefcafebabe", SizeBytes: 4, Type: digest.File},
		},
	}
	syncer := &fakeSyncer{}

	_, err := cache.Store(key, "shard-a", entry, syncer)
	require.NoError(t, err)
	require.Len(t, syncer.called, 1)
	require.Len(t, syncer.called[0], 1)
}
