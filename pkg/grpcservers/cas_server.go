// Package grpcservers is the gRPC front door (spec.md §4.12,
// SPEC_FULL.md component C13): thin adapters translating Remote
// Execution API v2 wire messages into calls against a GenerationSet.
//
// Grounded in
// _examples/buildbarn-bb-storage/pkg/cas/content_addressable_storage_server.go,
// byte_stream_server.go and
// _examples/buildbarn-bb-storage/pkg/ac/action_cache_server.go, adapted
// from bb-storage's BlobAccess abstraction onto this repository's
// GenerationSet.
package grpcservers

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generationset"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CASServer adapts a GenerationSet to
// remoteexecution.ContentAddressableStorageServer.
type CASServer struct {
	remoteexecution.UnimplementedContentAddressableStorageServer

	set                     *generationset.GenerationSet
	protocol                digest.Protocol
	maximumMessageSizeBytes int64
}

// NewCASServer constructs a CASServer over set, bound to protocol (the
// hash space this gRPC endpoint is reachable under).
func NewCASServer(set *generationset.GenerationSet, protocol digest.Protocol, maximumMessageSizeBytes int64) *CASServer {
	return &CASServer{set: set, protocol: protocol, maximumMessageSizeBytes: maximumMessageSizeBytes}
}

func (s *CASServer) checkDigestFunction(v remoteexecution.DigestFunction_Value) error {
	if v == remoteexecution.DigestFunction_UNKNOWN {
		return nil
	}
	want, err := digest.NewProtocolFromDigestFunctionValue(v)
	if err != nil {
		return err
	}
	if want != s.protocol {
		return status.Errorf(codes.InvalidArgument, "This endpoint only serves digest function %s", s.protocol.ToDigestFunctionValue())
	}
	return nil
}

// FindMissingBlobs reports which of the requested digests are absent.
func (s *CASServer) FindMissingBlobs(ctx context.Context, in *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	if err := s.checkDigestFunction(in.DigestFunction); err != nil {
		return nil, err
	}

	var response remoteexecution.FindMissingBlobsResponse
	for _, pb := range in.BlobDigests {
		d, err := digest.NewFromProto(s.protocol, digest.File, pb)
		if err != nil {
			return nil, err
		}
		if _, ok, err := s.set.BlobPath(d, false); err != nil {
			return nil, err
		} else if !ok {
			if _, ok, err := s.set.BlobPath(d, true); err != nil {
				return nil, err
			} else if !ok {
				response.MissingBlobDigests = append(response.MissingBlobDigests, pb)
			}
		}
	}
	return &response, nil
}

// BatchReadBlobs returns the contents of every requested digest, up to
// the configured total-size limit.
func (s *CASServer) BatchReadBlobs(ctx context.Context, in *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	if err := s.checkDigestFunction(in.DigestFunction); err != nil {
		return nil, err
	}

	var totalSize int64
	for _, pb := range in.Digests {
		totalSize += pb.SizeBytes
	}
	if totalSize > s.maximumMessageSizeBytes {
		return nil, status.Errorf(codes.InvalidArgument, "Attempted to read a total of %d bytes, while a maximum of %d bytes is permitted", totalSize, s.maximumMessageSizeBytes)
	}

	var response remoteexecution.BatchReadBlobsResponse
	for _, pb := range in.Digests {
		d, err := digest.NewFromProto(s.protocol, digest.File, pb)
		var data []byte
		if err == nil {
			var ok bool
			data, ok, err = s.set.GetBlob(d, false)
			if err == nil && !ok {
				err = status.Error(codes.NotFound, "Blob not found")
			}
		}
		response.Responses = append(response.Responses, &remoteexecution.BatchReadBlobsResponse_Response{
			Digest: pb,
			Data:   data,
			Status: status.Convert(err).Proto(),
		})
	}
	return &response, nil
}

// BatchUpdateBlobs installs the contents of every request, reporting a
// per-digest status rather than failing the whole batch on one bad
// entry.
func (s *CASServer) BatchUpdateBlobs(ctx context.Context, in *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	if err := s.checkDigestFunction(in.DigestFunction); err != nil {
		return nil, err
	}

	var response remoteexecution.BatchUpdateBlobsResponse
	for _, req := range in.Requests {
		want, err := digest.NewFromProto(s.protocol, digest.File, req.Digest)
		if err == nil {
			var actual digest.Digest
			actual, err = s.set.StoreBlob(req.Data, false)
			if err == nil && actual.GetHashString() != want.GetHashString() {
				err = status.Errorf(codes.InvalidArgument, "Declared digest %s does not match the digest of the supplied data", req.Digest)
			}
		}
		response.Responses = append(response.Responses, &remoteexecution.BatchUpdateBlobsResponse_Response{
			Digest: req.Digest,
			Status: status.Convert(err).Proto(),
		})
	}
	return &response, nil
}

// GetTree is not supported: tree traversal in this storage core goes
// through the executionapi.API RetrieveToCas/RetrieveToPaths path, not
// a streamed listing RPC.
func (s *CASServer) GetTree(in *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "This service does not support downloading directory trees")
}
