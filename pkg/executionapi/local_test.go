package executionapi_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/executionapi"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/generationset"

	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *executionapi.Local {
	root := t.TempDir()
	set := generationset.New([]*generation.Generation{generation.New(root, digest.Compatible, 0)})
	return executionapi.NewLocal(set)
}

func sumBytes(t *testing.T, data []byte) digest.Digest {
	d, err := digest.NewFunction(digest.Compatible).SumBytes(digest.File, data)
	require.NoError(t, err)
	return d
}

func TestIsAvailable(t *testing.T) {
	local := newLocal(t)

	present, err := local.IsAvailable(nil)
	require.NoError(t, err)
	require.Empty(t, present)
}

func TestUploadInstallsAndDeduplicates(t *testing.T) {
	local := newLocal(t)
	d := sumBytes(t, []byte("hello"))

	require.NoError(t, local.Upload([]executionapi.Blob{{Digest: d, Data: []byte("hello")}}, false))

	missing, err := local.IsAvailable([]digest.Digest{d})
	require.NoError(t, err)
	require.Empty(t, missing)

	// Uploading again with skipFindMissing must not error.
	require.NoError(t, local.Upload([]executionapi.Blob{{Digest: d, Data: []byte("hello")}}, true))
}

func TestUploadRejectsDigestMismatch(t *testing.T) {
	local := newLocal(t)
	bogus := digest.MustNew(digest.Compatible, digest.File, strings.Repeat("0", 64), 5)

	err := local.Upload([]executionapi.Blob{{Digest: bogus, Data: []byte("hello")}}, true)
	require.Error(t, err)
}

func TestUploadTreeRejectsMissingChild(t *testing.T) {
	local := newLocal(t)
	bogus := digest.MustNew(digest.Compatible, digest.File, strings.Repeat("1", 64), 3)

	_, err := local.UploadTree([]executionapi.TreeEntry{
		{Name: "missing.txt", Type: digest.File, Digest: bogus},
	})
	require.Error(t, err)
}

func TestUploadTreeAcceptsKnownChild(t *testing.T) {
	local := newLocal(t)
	d := sumBytes(t, []byte("child"))
	require.NoError(t, local.Upload([]executionapi.Blob{{Digest: d, Data: []byte("child")}}, true))

	treeDigest, err := local.UploadTree([]executionapi.TreeEntry{
		{Name: "child.txt", Type: digest.File, Digest: d},
	})
	require.NoError(t, err)
	require.True(t, treeDigest.IsValid())
}

func TestRetrieveToCasBlob(t *testing.T) {
	source := newLocal(t)
	dest := newLocal(t)

	d := sumBytes(t, []byte("payload"))
	require.NoError(t, source.Upload([]executionapi.Blob{{Digest: d, Data: []byte("payload")}}, true))

	missing, err := dest.IsAvailable([]digest.Digest{d})
	require.NoError(t, err)
	require.Len(t, missing, 1)

	info := digest.NewObjectInfo(d, digest.File)
	require.NoError(t, source.RetrieveToCas([]digest.ObjectInfo{info}, dest))

	missing, err = dest.IsAvailable([]digest.Digest{d})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestRetrieveToCasTreeRecursesIntoChildren(t *testing.T) {
	source := newLocal(t)
	dest := newLocal(t)

	childDigest := sumBytes(t, []byte("child contents"))
	require.NoError(t, source.Upload([]executionapi.Blob{{Digest: childDigest, Data: []byte("child contents")}}, true))

	treeDigest, err := source.UploadTree([]executionapi.TreeEntry{
		{Name: "child.txt", Type: digest.File, Digest: childDigest},
	})
	require.NoError(t, err)

	treeInfo := digest.NewObjectInfo(treeDigest, digest.Tree)
	require.NoError(t, source.RetrieveToCas([]digest.ObjectInfo{treeInfo}, dest))

	missing, err := dest.IsAvailable([]digest.Digest{treeDigest, childDigest})
	require.NoError(t, err)
	require.Empty(t, missing, "retrieving a tree must also retrieve its children")
}

func TestRetrieveToCasIsNoOpWhenAlreadyPresent(t *testing.T) {
	local := newLocal(t)
	d := sumBytes(t, []byte("x"))
	require.NoError(t, local.Upload([]executionapi.Blob{{Digest: d, Data: []byte("x")}}, true))

	info := digest.NewObjectInfo(d, digest.File)
	require.NoError(t, local.RetrieveToCas([]digest.ObjectInfo{info}, local))
}

func TestRetrieveToPathsMaterializesTree(t *testing.T) {
	source := newLocal(t)

	fileDigest := sumBytes(t, []byte("foo"))
	require.NoError(t, source.Upload([]executionapi.Blob{{Digest: fileDigest, Data: []byte("foo")}}, true))

	treeDigest, err := source.UploadTree([]executionapi.TreeEntry{
		{Name: "bar", Type: digest.Symlink, Target: "foo"},
		{Name: "foo", Type: digest.File, Digest: fileDigest},
	})
	require.NoError(t, err)

	dest := t.TempDir()
	out := filepath.Join(dest, "workspace")
	treeInfo := digest.NewObjectInfo(treeDigest, digest.Tree)
	require.NoError(t, source.RetrieveToPaths([]digest.ObjectInfo{treeInfo}, []string{out}))

	data, err := os.ReadFile(filepath.Join(out, "foo"))
	require.NoError(t, err)
	require.Equal(t, "foo", string(data))

	link, err := os.Readlink(filepath.Join(out, "bar"))
	require.NoError(t, err)
	require.Equal(t, "foo", link)
}

func TestRetrieveToPathsMaterializesBlob(t *testing.T) {
	source := newLocal(t)
	d := sumBytes(t, []byte("lone"))
	require.NoError(t, source.Upload([]executionapi.Blob{{Digest: d, Data: []byte("lone")}}, true))

	dest := filepath.Join(t.TempDir(), "lone.txt")
	info := digest.NewObjectInfo(d, digest.File)
	require.NoError(t, source.RetrieveToPaths([]digest.ObjectInfo{info}, []string{dest}))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "lone", string(data))
}

func TestGetHashType(t *testing.T) {
	local := newLocal(t)
	require.Equal(t, digest.Compatible, local.GetHashType())
}

func TestRemoteSyncPullsArtifactsBeforeTargetCacheCommit(t *testing.T) {
	remote := newLocal(t)
	localSide := newLocal(t)

	d := sumBytes(t, []byte("artifact"))
	require.NoError(t, remote.Upload([]executionapi.Blob{{Digest: d, Data: []byte("artifact")}}, true))

	syncer := executionapi.RemoteSync{Remote: remote, Local: localSide}
	require.NoError(t, syncer.SyncFromRemote([]digest.ObjectInfo{digest.NewObjectInfo(d, digest.File)}))

	missing, err := localSide.IsAvailable([]digest.Digest{d})
	require.NoError(t, err)
	require.Empty(t, missing)
}
