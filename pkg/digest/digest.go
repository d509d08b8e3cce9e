package digest

import (
	"encoding/hex"
	"fmt"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Digest identifies content stored in the CAS. It is immutable and
// comparable, so it may be used directly as a map key.
//
// Unlike a bare hash string, a Digest also carries the protocol it was
// computed under and whether it names a File or a Tree object. Two
// Digests computed under different Protocols are never considered
// equal, even if their raw hash bytes happen to collide; operations
// that need to cross protocols must go through a RehashCache.
type Digest struct {
	protocol  Protocol
	kind      ObjectType
	hash      string
	sizeBytes int64
}

// BadDigest is the zero value of Digest. It is never a valid digest and
// may be used as an error-case return value.
var BadDigest Digest

// New constructs a Digest from a precomputed hash. kind must be either
// File or Tree; Executable objects share the File hash and should be
// constructed with kind == File.
func New(protocol Protocol, kind ObjectType, hash string, sizeBytes int64) (Digest, error) {
	if kind != File && kind != Tree {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Digest kind must be File or Tree, not %d", kind)
	}
	if sizeBytes < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Invalid digest size: %d bytes", sizeBytes)
	}
	expectedLen := expectedHashLength(protocol)
	if l := len(hash); l != expectedLen {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Expected a %d character hash for this protocol, got %d characters", expectedLen, l)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return BadDigest, status.Errorf(codes.InvalidArgument, "Non-hexadecimal character in digest hash: %#U", c)
		}
	}
	return Digest{
		protocol:  protocol,
		kind:      kind,
		hash:      hash,
		sizeBytes: sizeBytes,
	}, nil
}

// MustNew is like New, but panics on error. Useful in tests and
// initialization code where the inputs are known to be well-formed.
func MustNew(protocol Protocol, kind ObjectType, hash string, sizeBytes int64) Digest {
	d, err := New(protocol, kind, hash, sizeBytes)
	if err != nil {
		panic(err)
	}
	return d
}

func expectedHashLength(p Protocol) int {
	switch p {
	case Native:
		return 40 // SHA-1 hex
	case Compatible:
		return 64 // SHA-256 hex
	default:
		return 0
	}
}

// IsValid reports whether this Digest was produced by New/NewGenerator,
// as opposed to being a zero-valued BadDigest.
func (d Digest) IsValid() bool {
	return d.hash != ""
}

// GetProtocol returns the hash space this digest belongs to.
func (d Digest) GetProtocol() Protocol {
	return d.protocol
}

// GetKind returns File or Tree, indicating which CAS lane family this
// digest's hash tag was computed against.
func (d Digest) GetKind() ObjectType {
	return d.kind
}

// GetHashString returns the hexadecimal hash.
func (d Digest) GetHashString() string {
	return d.hash
}

// GetHashBytes returns the raw hash bytes.
func (d Digest) GetHashBytes() []byte {
	b, err := hex.DecodeString(d.hash)
	if err != nil {
		panic("digest hash was validated at construction time but is not valid hex")
	}
	return b
}

// GetSizeBytes returns the size, in bytes, of the referenced object.
func (d Digest) GetSizeBytes() int64 {
	return d.sizeBytes
}

// String returns a human-readable representation, primarily for use in
// log messages and error strings.
func (d Digest) String() string {
	return fmt.Sprintf("%s-%d-%s-%d", d.hash, d.sizeBytes, d.protocol, d.kind)
}

// ToProto renders this Digest as the wire Digest message the Remote
// Execution API uses, dropping the protocol and kind tags that only
// have meaning inside this storage core.
func (d Digest) ToProto() *remoteexecution.Digest {
	return &remoteexecution.Digest{
		Hash:      d.hash,
		SizeBytes: d.sizeBytes,
	}
}

// NewFromProto constructs a Digest from a wire Digest message, binding
// it to protocol and kind. kind must be File or Tree, exactly as New
// requires.
func NewFromProto(protocol Protocol, kind ObjectType, pb *remoteexecution.Digest) (Digest, error) {
	if pb == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "Request is missing a digest")
	}
	return New(protocol, kind, pb.Hash, pb.SizeBytes)
}
