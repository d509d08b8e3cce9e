package uplink_test

import (
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/ac"
	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/tc"
	"github.com/justcached/justcached/pkg/uplink"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (youngest, older *localcas.LocalCAS) {
	root := t.TempDir()
	youngest = localcas.New(filepath.Join(root, "gen0"), digest.Compatible)
	older = localcas.New(filepath.Join(root, "gen1"), digest.Compatible)
	return
}

func TestUplinkBlobLinksFromOlderGeneration(t *testing.T) {
	youngest, older := newPair(t)
	u := uplink.New()

	d, err := older.StoreBlob([]byte("hello"), false)
	require.NoError(t, err)

	_, ok, err := youngest.BlobPath(d, false)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, u.UplinkBlob(youngest, []*localcas.LocalCAS{older}, d, false))

	_, ok, err = youngest.BlobPath(d, false)
	require.NoError(t, err)
	require.True(t, ok, "uplink must leave the blob reachable in the youngest generation")
}

func TestUplinkBlobMissingEverywhere(t *testing.T) {
	youngest, older := newPair(t)
	u := uplink.New()

	d := digest.MustNew(digest.Compatible, digest.File, "0000000000000000000000000000000000000000000000000000000000000000", 0)
	err := u.UplinkBlob(youngest, []*localcas.LocalCAS{older}, d, false)
	require.Error(t, err)
}

func TestUplinkTreeUplinksChildrenBeforeParent(t *testing.T) {
	youngest, older := newPair(t)
	u := uplink.New()

	childDigest, err := older.StoreBlob([]byte("child contents"), false)
	require.NoError(t, err)

	treeDigest, err := older.StoreTreeFromEntries(casmodel.Tree{
		Entries: []casmodel.TreeEntry{
			{Name: "child.txt", Type: digest.File, Digest: childDigest},
		},
	})
	require.NoError(t, err)

	require.NoError(t, u.UplinkTree(youngest, []*localcas.LocalCAS{older}, treeDigest))

	_, ok := youngest.TreePath(treeDigest)
	require.True(t, ok)
	_, ok, err = youngest.BlobPath(childDigest, false)
	require.NoError(t, err)
	require.True(t, ok, "uplinking a tree must also uplink its children")
}

func TestUplinkActionCacheEntryUplinksArtifactsAndEntry(t *testing.T) {
	root := t.TempDir()
	youngestCAS := localcas.New(filepath.Join(root, "gen0", "cas"), digest.Compatible)
	olderCAS := localcas.New(filepath.Join(root, "gen1", "cas"), digest.Compatible)
	youngestAC := ac.New(filepath.Join(root, "gen0", "ac"), youngestCAS)
	olderAC := ac.New(filepath.Join(root, "gen1", "ac"), olderCAS)
	u := uplink.New()

	outputDigest, err := olderCAS.StoreBlob([]byte("build output"), false)
	require.NoError(t, err)

	result := &casmodel.ActionResult{
		ExitCode: 0,
		OutputFiles: []casmodel.OutputFile{
			{Path: "out.bin", Hash: outputDigest.GetHashString(), SizeBytes: outputDigest.GetSizeBytes()},
		},
	}
	require.NoError(t, olderAC.StoreResult("action-xyz", result))

	require.NoError(t, u.UplinkActionCacheEntry(
		youngestAC, []*ac.ActionCache{olderAC}, youngestCAS, []*localcas.LocalCAS{olderCAS}, "action-xyz"))

	got, _, found, err := youngestAC.CachedResult("action-xyz")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, result.OutputFiles, got.OutputFiles)

	_, ok, err := youngestCAS.BlobPath(outputDigest, false)
	require.NoError(t, err)
	require.True(t, ok, "uplinking an AC entry must also uplink every artifact it names")
}

func TestUplinkTargetCacheEntryUplinksArtifactsAndEntry(t *testing.T) {
	root := t.TempDir()
	youngestCAS := localcas.New(filepath.Join(root, "gen0", "cas"), digest.Compatible)
	olderCAS := localcas.New(filepath.Join(root, "gen1", "cas"), digest.Compatible)
	youngestTC := tc.New(filepath.Join(root, "gen0", "tc"), youngestCAS)
	olderTC := tc.New(filepath.Join(root, "gen1", "tc"), olderCAS)
	u := uplink.New()

	artifactDigest, err := olderCAS.StoreBlob([]byte("artifact bytes"), false)
	require.NoError(t, err)

	key := casmodel.TargetCacheKey{RepositoryContentID: "repo", Module: "m", Name: "//x:y", EffectiveConfig: "c"}
	entry := &casmodel.TargetResult{
		Artifacts: map[string]casmodel.ArtifactReference{
			"out": {Hash: artifactDigest.GetHashString(), SizeBytes: artifactDigest.GetSizeBytes(), Type: digest.File},
		},
	}
	info, err := olderTC.Store(key, "shard-a", entry, nil)
	require.NoError(t, err)

	keyDigest, err := olderTC.KeyDigest(key)
	require.NoError(t, err)

	require.NoError(t, u.UplinkTargetCacheEntry(
		youngestTC, []*tc.TargetCache{olderTC}, youngestCAS, []*localcas.LocalCAS{olderCAS}, keyDigest.GetHashString(), "shard-a"))

	got, gotInfo, found, err := youngestTC.ReadByHash(keyDigest.GetHashString(), "shard-a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.Artifacts, got.Artifacts)
	require.Equal(t, info.Digest, gotInfo.Digest)

	_, ok, err := youngestCAS.BlobPath(artifactDigest, false)
	require.NoError(t, err)
	require.True(t, ok, "uplinking a TC entry must also uplink every artifact it names")
}
