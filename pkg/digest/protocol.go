package digest

import (
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Protocol identifies one of the two hash spaces the storage core
// understands. Objects hashed under one Protocol are never directly
// comparable to objects hashed under the other; crossing between them
// requires going through a RehashCache (see package rehash).
type Protocol int

const (
	// Native is the Git-style hash space: plaintext SHA-1 for
	// arbitrary blobs, and a "blob "/"tree " tagged SHA-1 for File
	// and Tree objects respectively.
	Native Protocol = iota
	// Compatible is the flat SHA-256 hash space used by the Remote
	// Execution API: every object kind is hashed as SHA-256 over its
	// raw bytes, with no tagging.
	Compatible
)

// String returns the on-disk directory name used to namespace a
// generation by protocol (e.g. "generation_root/<protocol>/...").
func (p Protocol) String() string {
	switch p {
	case Native:
		return "git-sha1"
	case Compatible:
		return "compatible-sha256"
	default:
		return "unknown"
	}
}

// ToDigestFunctionValue converts the Protocol to the equivalent REv2
// digest function enumeration value, so that code talking to an
// ExecutionApi can announce which hash space it expects.
func (p Protocol) ToDigestFunctionValue() remoteexecution.DigestFunction_Value {
	switch p {
	case Native:
		return remoteexecution.DigestFunction_SHA1
	case Compatible:
		return remoteexecution.DigestFunction_SHA256
	default:
		return remoteexecution.DigestFunction_UNKNOWN
	}
}

// NewProtocolFromDigestFunctionValue maps an REv2 digest function value
// back onto a Protocol understood by this storage core.
func NewProtocolFromDigestFunctionValue(v remoteexecution.DigestFunction_Value) (Protocol, error) {
	switch v {
	case remoteexecution.DigestFunction_SHA1:
		return Native, nil
	case remoteexecution.DigestFunction_SHA256:
		return Compatible, nil
	default:
		return Native, status.Errorf(codes.InvalidArgument, "Digest function %s is not supported by this storage core", v)
	}
}
