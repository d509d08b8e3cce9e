package executionapi_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/executionapi"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/generationset"
	"github.com/justcached/justcached/pkg/grpcservers"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/stretchr/testify/require"
)

// dialRemote starts a gRPC server fronting a fresh single-generation
// set and returns a Remote client connected to it over an in-memory
// bufconn listener, mirroring how a real peer's GRPCAddress would be
// dialed.
func dialRemote(t *testing.T) (*executionapi.Remote, *generationset.GenerationSet) {
	t.Helper()

	root := t.TempDir()
	set := generationset.New([]*generation.Generation{generation.New(root, digest.Compatible, 0)})

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	remoteexecution.RegisterContentAddressableStorageServer(server, grpcservers.NewCASServer(set, digest.Compatible, 1<<20))
	bytestream.RegisterByteStreamServer(server, grpcservers.NewByteStreamServer(set, digest.Compatible, 64))
	go server.Serve(listener)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return executionapi.NewRemote(conn, digest.Compatible, "", 64), set
}

func TestRemoteUploadThenIsAvailable(t *testing.T) {
	remote, _ := dialRemote(t)

	d, err := digest.NewFunction(digest.Compatible).SumBytes(digest.File, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, remote.Upload([]executionapi.Blob{{Digest: d, Data: []byte("hello")}}, false))

	missing, err := remote.IsAvailable([]digest.Digest{d})
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestRemoteUploadRejectsDigestMismatch(t *testing.T) {
	remote, _ := dialRemote(t)

	bogus := digest.MustNew(digest.Compatible, digest.File, "1111111111111111111111111111111111111111111111111111111111111111"[:64], 5)
	err := remote.Upload([]executionapi.Blob{{Digest: bogus, Data: []byte("hello")}}, true)
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRemoteRetrieveToCasPullsIntoLocal(t *testing.T) {
	remote, remoteSet := dialRemote(t)

	d, err := remoteSet.StoreBlob([]byte("payload"), false)
	require.NoError(t, err)

	localRoot := t.TempDir()
	localSet := generationset.New([]*generation.Generation{generation.New(localRoot, digest.Compatible, 0)})
	local := executionapi.NewLocal(localSet)

	info := digest.ObjectInfo{Digest: d, Type: digest.File}
	require.NoError(t, remote.RetrieveToCas([]digest.ObjectInfo{info}, local))

	data, ok, err := localSet.GetBlob(d, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), data)
}

func TestRemoteRetrieveToPathsMaterializesBlob(t *testing.T) {
	remote, remoteSet := dialRemote(t)

	d, err := remoteSet.StoreBlob([]byte("payload"), false)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.bin")
	info := digest.ObjectInfo{Digest: d, Type: digest.File}
	require.NoError(t, remote.RetrieveToPaths([]digest.ObjectInfo{info}, []string{dest}))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestRemoteRejectsTreeObjects(t *testing.T) {
	remote, _ := dialRemote(t)

	treeDigest := digest.MustNew(digest.Compatible, digest.Tree, "2222222222222222222222222222222222222222222222222222222222222222"[:64], 3)

	_, err := remote.IsAvailable([]digest.Digest{treeDigest})
	require.Equal(t, codes.Unimplemented, status.Code(err))

	_, err = remote.UploadTree(nil)
	require.Equal(t, codes.Unimplemented, status.Code(err))

	err = remote.RetrieveToCas([]digest.ObjectInfo{{Digest: treeDigest, Type: digest.Tree}}, executionapi.NewLocal(generationset.New([]*generation.Generation{generation.New(t.TempDir(), digest.Compatible, 0)})))
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
