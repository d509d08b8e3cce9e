package grpcservers

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generationset"

	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ByteStreamServer adapts a GenerationSet to bytestream.ByteStreamServer,
// the RPC Bazel uses to stream blob contents into and out of the CAS.
type ByteStreamServer struct {
	bytestream.UnimplementedByteStreamServer

	set           *generationset.GenerationSet
	protocol      digest.Protocol
	readChunkSize int
}

// NewByteStreamServer constructs a ByteStreamServer over set.
func NewByteStreamServer(set *generationset.GenerationSet, protocol digest.Protocol, readChunkSize int) *ByteStreamServer {
	return &ByteStreamServer{set: set, protocol: protocol, readChunkSize: readChunkSize}
}

// parseReadResourceName parses "[${instance}/]blobs/${hash}/${size}".
func (s *ByteStreamServer) parseReadResourceName(resourceName string) (digest.Digest, error) {
	fields := strings.FieldsFunc(resourceName, func(r rune) bool { return r == '/' })
	l := len(fields)
	if l < 3 || fields[l-3] != "blobs" {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "Invalid resource naming scheme")
	}
	return s.parseHashSize(fields[l-2], fields[l-1])
}

// parseWriteResourceName parses
// "[${instance}/]uploads/${uuid}/blobs/${hash}/${size}".
func (s *ByteStreamServer) parseWriteResourceName(resourceName string) (digest.Digest, error) {
	fields := strings.FieldsFunc(resourceName, func(r rune) bool { return r == '/' })
	l := len(fields)
	if l < 5 || fields[l-5] != "uploads" || fields[l-3] != "blobs" {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "Invalid resource naming scheme")
	}
	return s.parseHashSize(fields[l-2], fields[l-1])
}

func (s *ByteStreamServer) parseHashSize(hash, sizeField string) (digest.Digest, error) {
	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "Invalid resource naming scheme")
	}
	return digest.New(s.protocol, digest.File, hash, size)
}

// Read streams a blob's contents to the client. Partial reads are not
// supported, matching the bb-storage behavior this is grounded on.
func (s *ByteStreamServer) Read(in *bytestream.ReadRequest, out bytestream.ByteStream_ReadServer) error {
	if in.ReadOffset != 0 || in.ReadLimit != 0 {
		return status.Error(codes.Unimplemented, "This service does not support downloading partial files")
	}

	d, err := s.parseReadResourceName(in.ResourceName)
	if err != nil {
		return err
	}
	data, ok, err := s.set.GetBlob(d, false)
	if err != nil {
		return err
	}
	if !ok {
		return status.Error(codes.NotFound, "Blob not found")
	}

	for len(data) > 0 {
		n := s.readChunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := out.Send(&bytestream.ReadResponse{Data: data[:n]}); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

type byteStreamWriteReader struct {
	stream        bytestream.ByteStream_WriteServer
	writeOffset   int64
	data          []byte
	finishedWrite bool
}

func (r *byteStreamWriteReader) setRequest(request *bytestream.WriteRequest) error {
	if r.finishedWrite {
		return status.Error(codes.InvalidArgument, "Client closed stream twice")
	}
	if request.WriteOffset != r.writeOffset {
		return status.Errorf(codes.InvalidArgument, "Attempted to write at offset %d, while %d was expected", request.WriteOffset, r.writeOffset)
	}
	r.writeOffset += int64(len(request.Data))
	r.data = request.Data
	r.finishedWrite = request.FinishWrite
	return nil
}

func (r *byteStreamWriteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		if r.finishedWrite {
			return 0, io.EOF
		}
		request, err := r.stream.Recv()
		if err != nil {
			if err == io.EOF && !r.finishedWrite {
				return 0, status.Error(codes.InvalidArgument, "Client closed stream without finishing write")
			}
			return 0, err
		}
		if err := r.setRequest(request); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// Write receives a blob's contents and installs it into generation 0.
func (s *ByteStreamServer) Write(stream bytestream.ByteStream_WriteServer) error {
	request, err := stream.Recv()
	if err != nil {
		return err
	}
	d, err := s.parseWriteResourceName(request.ResourceName)
	if err != nil {
		return err
	}
	r := &byteStreamWriteReader{stream: stream}
	if err := r.setRequest(request); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	actual, err := s.set.StoreBlob(data, false)
	if err != nil {
		return err
	}
	if actual.GetHashString() != d.GetHashString() {
		return status.Errorf(codes.InvalidArgument, "Declared digest %s does not match the digest of the supplied data", d)
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
}

// QueryWriteStatus is not supported: writes in this server always
// complete in a single streamed call, so there is never partial
// progress to report.
func (s *ByteStreamServer) QueryWriteStatus(ctx context.Context, in *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "This service does not support querying write status")
}
