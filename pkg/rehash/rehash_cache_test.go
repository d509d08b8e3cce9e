package rehash_test

import (
	"path/filepath"
	"testing"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/rehash"

	"github.com/stretchr/testify/require"
)

func TestRehashCacheMiss(t *testing.T) {
	root := t.TempDir()
	c := rehash.New(root, digest.Native, digest.Compatible, 2)

	info, found, err := c.Read("deadbeef")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, digest.ObjectInfo{}, info)
}

func TestRehashCacheWriteAndRead(t *testing.T) {
	root := t.TempDir()
	c := rehash.New(root, digest.Native, digest.Compatible, 2)

	nativeFn := digest.NewFunction(digest.Native)
	compatFn := digest.NewFunction(digest.Compatible)
	srcDigest, err := nativeFn.SumBytes(digest.File, []byte("test"))
	require.NoError(t, err)
	tgtDigest, err := compatFn.SumBytes(digest.File, []byte("test"))
	require.NoError(t, err)
	tgtInfo := digest.NewObjectInfo(tgtDigest, digest.File)

	require.NoError(t, c.Write(srcDigest.GetHashString(), tgtInfo))

	got, found, err := c.Read(srcDigest.GetHashString())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tgtInfo.Digest.GetHashString(), got.Digest.GetHashString())
}

func TestRehashDigestBlobRoundTrip(t *testing.T) {
	root := t.TempDir()
	native := localcas.New(filepath.Join(root, "native"), digest.Native)
	compat := localcas.New(filepath.Join(root, "compat"), digest.Compatible)
	toCompat := rehash.New(root, digest.Native, digest.Compatible, 1)
	toNative := rehash.New(root, digest.Compatible, digest.Native, 1)

	nativeDigest, err := native.StoreBlob([]byte("test"), false)
	require.NoError(t, err)

	compatInfos, err := rehash.RehashDigest(
		[]digest.ObjectInfo{digest.NewObjectInfo(nativeDigest, digest.File)},
		native, compat, toCompat)
	require.NoError(t, err)
	require.Len(t, compatInfos, 1)

	backInfos, err := rehash.RehashDigest(compatInfos, compat, native, toNative)
	require.NoError(t, err)
	require.Len(t, backInfos, 1)
	require.Equal(t, nativeDigest.GetHashString(), backInfos[0].Digest.GetHashString())
}

// TestRehashDigestTreeRoundTrip mirrors spec.md's scenario S7: a tree
// with one file and one symlink survives a native -> compatible ->
// native round trip with an identical digest.
func TestRehashDigestTreeRoundTrip(t *testing.T) {
	root := t.TempDir()
	native := localcas.New(filepath.Join(root, "native"), digest.Native)
	compat := localcas.New(filepath.Join(root, "compat"), digest.Compatible)
	toCompat := rehash.New(root, digest.Native, digest.Compatible, 1)
	toNative := rehash.New(root, digest.Compatible, digest.Native, 1)

	fooDigest, err := native.StoreBlob([]byte("foo"), false)
	require.NoError(t, err)
	linkTargetDigest, err := native.StoreBlob([]byte("baz"), false)
	require.NoError(t, err)

	treeDigest, err := native.StoreTreeFromEntries(casmodel.Tree{Entries: []casmodel.TreeEntry{
		{Name: "foo", Type: digest.File, Digest: fooDigest},
		{Name: "bar", Type: digest.Symlink, Digest: linkTargetDigest, Target: "baz"},
	}})
	require.NoError(t, err)

	compatInfos, err := rehash.RehashDigest(
		[]digest.ObjectInfo{digest.NewObjectInfo(treeDigest, digest.Tree)},
		native, compat, toCompat)
	require.NoError(t, err)
	require.Len(t, compatInfos, 1)

	backInfos, err := rehash.RehashDigest(compatInfos, compat, native, toNative)
	require.NoError(t, err)
	require.Len(t, backInfos, 1)
	require.Equal(t, treeDigest.GetHashString(), backInfos[0].Digest.GetHashString())
}
