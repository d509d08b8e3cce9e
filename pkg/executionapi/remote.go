package executionapi

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Remote is the client-side counterpart of grpcservers.CASServer/
// ByteStreamServer: an API backed by a gRPC connection to another
// ContentAddressableStorage/ByteStream endpoint speaking the Remote
// Execution API v2, typically another instance of this same server
// acting as the "remote" half of a sync (spec.md §4.11).
//
// REv2's wire CAS is a single flat blob space; it has no notion of the
// File/Tree lane split this repository's local storage keeps on disk.
// Because of that, Tree artifacts never cross this transport directly:
// UploadTree always fails here, and RetrieveToCas/RetrieveToPaths
// reject Tree infos rather than silently mishandling them. As a result,
// RemoteSync (a Remote source against a Local destination) fails with
// codes.Unimplemented for any Tree artifact; only File and Executable
// artifacts can be pulled from a Remote.
type Remote struct {
	cas           remoteexecution.ContentAddressableStorageClient
	byteStream    bytestream.ByteStreamClient
	protocol      digest.Protocol
	instanceName  string
	readChunkSize int
}

// NewRemote constructs a Remote over an established gRPC connection.
func NewRemote(conn grpc.ClientConnInterface, protocol digest.Protocol, instanceName string, readChunkSize int) *Remote {
	return &Remote{
		cas:           remoteexecution.NewContentAddressableStorageClient(conn),
		byteStream:    bytestream.NewByteStreamClient(conn),
		protocol:      protocol,
		instanceName:  instanceName,
		readChunkSize: readChunkSize,
	}
}

// GetHashType reports the protocol this endpoint was configured to
// speak. Remote doesn't ask the server to confirm this; a mismatch
// surfaces at call time as an InvalidArgument from the peer.
func (r *Remote) GetHashType() digest.Protocol {
	return r.protocol
}

// IsAvailable reports which of digests are missing on the remote side,
// via a single FindMissingBlobs call.
func (r *Remote) IsAvailable(digests []digest.Digest) ([]digest.Digest, error) {
	if err := rejectTrees(digests); err != nil {
		return nil, err
	}
	pbs := make([]*remoteexecution.Digest, len(digests))
	for i, d := range digests {
		pbs[i] = d.ToProto()
	}

	resp, err := r.cas.FindMissingBlobs(context.Background(), &remoteexecution.FindMissingBlobsRequest{
		InstanceName:   r.instanceName,
		BlobDigests:    pbs,
		DigestFunction: r.protocol.ToDigestFunctionValue(),
	})
	if err != nil {
		return nil, err
	}

	missing := make([]digest.Digest, 0, len(resp.MissingBlobDigests))
	for _, pb := range resp.MissingBlobDigests {
		d, err := digest.NewFromProto(r.protocol, digest.File, pb)
		if err != nil {
			return nil, err
		}
		missing = append(missing, d)
	}
	return missing, nil
}

// Upload installs blobs on the remote side via BatchUpdateBlobs.
func (r *Remote) Upload(blobs []Blob, skipFindMissing bool) error {
	toUpload := blobs
	if !skipFindMissing {
		digests := make([]digest.Digest, len(blobs))
		for i, b := range blobs {
			digests[i] = b.Digest
		}
		missing, err := r.IsAvailable(digests)
		if err != nil {
			return err
		}
		missingSet := make(map[string]struct{}, len(missing))
		for _, d := range missing {
			missingSet[d.GetHashString()] = struct{}{}
		}
		toUpload = toUpload[:0]
		for _, b := range blobs {
			if _, need := missingSet[b.Digest.GetHashString()]; need {
				toUpload = append(toUpload, b)
			}
		}
	}

	for _, b := range toUpload {
		if err := r.uploadOne(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) uploadOne(b Blob) error {
	data := b.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(b.SourcePath)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to read blob source")
		}
	}

	// A single blob is always uploaded through a dedicated
	// BatchUpdateBlobs call rather than a streamed ByteStream.Write:
	// simpler to reason about, and the batch request's per-digest
	// status report is what surfaces a digest mismatch cleanly.
	resp, err := r.cas.BatchUpdateBlobs(context.Background(), &remoteexecution.BatchUpdateBlobsRequest{
		InstanceName: r.instanceName,
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{
			{Digest: b.Digest.ToProto(), Data: data},
		},
		DigestFunction: r.protocol.ToDigestFunctionValue(),
	})
	if err != nil {
		return err
	}
	if len(resp.Responses) != 1 {
		return status.Error(codes.Internal, "BatchUpdateBlobs returned an unexpected number of responses")
	}
	if c := codes.Code(resp.Responses[0].Status.Code); c != codes.OK {
		return status.Error(c, resp.Responses[0].Status.Message)
	}
	return nil
}

// UploadTree is not supported over this transport; see the type doc.
func (r *Remote) UploadTree(entries []TreeEntry) (digest.Digest, error) {
	return digest.BadDigest, status.Error(codes.Unimplemented, "This transport does not support uploading tree objects; sync a Local destination instead")
}

// RetrieveToCas pulls every blob artifact named by infos from the
// remote side into other. Any Tree info is rejected outright.
func (r *Remote) RetrieveToCas(infos []digest.ObjectInfo, other API) error {
	digests := make([]digest.Digest, len(infos))
	byHash := make(map[string]digest.ObjectInfo, len(infos))
	for i, info := range infos {
		if info.Type == digest.Tree {
			return status.Error(codes.Unimplemented, "This transport cannot retrieve tree objects directly; retrieve their children as blobs instead")
		}
		digests[i] = info.Digest
		byHash[info.Digest.GetHashString()] = info
	}

	missing, err := other.IsAvailable(digests)
	if err != nil {
		return err
	}

	for _, d := range missing {
		info := byHash[d.GetHashString()]
		data, err := r.readBlob(d)
		if err != nil {
			return err
		}
		if err := other.Upload([]Blob{{Digest: d, Data: data, Executable: info.Type == digest.Executable}}, true); err != nil {
			return err
		}
	}
	return nil
}

// RetrieveToPaths materializes blob artifacts named by infos onto the
// local filesystem. Any Tree info is rejected outright.
func (r *Remote) RetrieveToPaths(infos []digest.ObjectInfo, paths []string) error {
	if len(infos) != len(paths) {
		return status.Error(codes.InvalidArgument, "infos and paths must have equal length")
	}
	for i, info := range infos {
		if info.Type == digest.Tree {
			return status.Error(codes.Unimplemented, "This transport cannot materialize tree objects directly")
		}
		data, err := r.readBlob(info.Digest)
		if err != nil {
			return err
		}
		if err := writeBlobFile(paths[i], data, info.Type == digest.Executable); err != nil {
			return err
		}
	}
	return nil
}

func writeBlobFile(path string, data []byte, executable bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create parent directory")
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write file")
	}
	return nil
}

func (r *Remote) readBlob(d digest.Digest) ([]byte, error) {
	resourceName := "blobs/" + d.GetHashString() + "/" + strconv.FormatInt(d.GetSizeBytes(), 10)
	if r.instanceName != "" {
		resourceName = r.instanceName + "/" + resourceName
	}
	stream, err := r.byteStream.Read(context.Background(), &bytestream.ReadRequest{ResourceName: resourceName})
	if err != nil {
		return nil, err
	}

	var data []byte
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data = append(data, chunk.Data...)
	}
	return data, nil
}

func rejectTrees(digests []digest.Digest) error {
	for _, d := range digests {
		if d.GetKind() == digest.Tree {
			return status.Error(codes.Unimplemented, "This transport does not carry tree digests")
		}
	}
	return nil
}
