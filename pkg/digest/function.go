package digest

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
)

// Function is bound to a single Protocol and is used to compute
// Digests of newly created blobs and trees. It mirrors the teacher
// repository's digest.Function/Generator split: a Function is a cheap,
// reusable value, while a Generator is a one-shot streaming hasher.
type Function struct {
	protocol Protocol
}

// NewFunction returns a Function bound to the given Protocol.
func NewFunction(protocol Protocol) Function {
	return Function{protocol: protocol}
}

// GetProtocol returns the hash space this Function computes digests in.
func (f Function) GetProtocol() Protocol {
	return f.protocol
}

// tagPrefix returns the Git-style object header ("blob <size>\0" or
// "tree <size>\0") used by the Native protocol. The Compatible protocol
// never tags; every kind hashes its raw bytes directly (see spec.md
// §3, scenario S3).
func tagPrefix(protocol Protocol, kind ObjectType, sizeBytes int64) []byte {
	if protocol != Native {
		return nil
	}
	switch kind {
	case Tree:
		return []byte(fmt.Sprintf("tree %d\x00", sizeBytes))
	default:
		return []byte(fmt.Sprintf("blob %d\x00", sizeBytes))
	}
}

func (f Function) newHasher() hash.Hash {
	if f.protocol == Native {
		return sha1.New()
	}
	return sha256.New()
}

// Generator incrementally computes the digest of a File or Executable
// blob whose final size is known up front, exactly as
// digest.Function.NewGenerator() does in the teacher repository.
type Generator struct {
	protocol  Protocol
	kind      ObjectType
	sizeBytes int64
	written   int64
	hasher    hash.Hash
}

// NewGenerator creates a Generator for an object of the given kind
// (File or Tree) and expected size. The expected size MUST be known up
// front because the Native protocol's Git-style tag embeds it.
func (f Function) NewGenerator(kind ObjectType, expectedSizeBytes int64) *Generator {
	if kind == Executable {
		kind = File
	}
	g := &Generator{
		protocol:  f.protocol,
		kind:      kind,
		sizeBytes: expectedSizeBytes,
		hasher:    f.newHasher(),
	}
	g.hasher.Write(tagPrefix(f.protocol, kind, expectedSizeBytes))
	return g
}

// Write feeds bytes into the digest computation. It implements
// io.Writer so that a Generator may be used as the target of io.Copy.
func (g *Generator) Write(p []byte) (int, error) {
	n, err := g.hasher.Write(p)
	g.written += int64(n)
	return n, err
}

// Sum finalizes the computation and returns the resulting Digest. The
// caller must have written exactly the number of bytes declared at
// construction time.
func (g *Generator) Sum() (Digest, error) {
	if g.written != g.sizeBytes {
		return BadDigest, fmt.Errorf("generator was constructed for %d bytes, but %d bytes were written", g.sizeBytes, g.written)
	}
	hash := fmt.Sprintf("%x", g.hasher.Sum(nil))
	return New(g.protocol, g.kind, hash, g.sizeBytes)
}

// SumBytes computes the Digest of an in-memory byte slice in one call.
func (f Function) SumBytes(kind ObjectType, data []byte) (Digest, error) {
	g := f.NewGenerator(kind, int64(len(data)))
	if _, err := g.Write(data); err != nil {
		return BadDigest, err
	}
	return g.Sum()
}

// SumBytesPlain computes a plain (untagged) hash of data under this
// Function's protocol. It is used for values that are not themselves
// stored as CAS entries, such as action fingerprints and target-cache
// keys, which only need a collision-resistant name, not a blob/tree
// tag. Under the Compatible protocol this is identical to SumBytes,
// since that protocol never tags.
func (f Function) SumBytesPlain(data []byte) string {
	h := f.newHasher()
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SumReader streams sizeBytes from r to compute a Digest, without
// requiring the caller to buffer the entire object in memory. This is
// used by FileStore-backed stores when installing from a source file.
func (f Function) SumReader(kind ObjectType, r io.Reader, sizeBytes int64) (Digest, error) {
	g := f.NewGenerator(kind, sizeBytes)
	if _, err := io.Copy(g, io.LimitReader(r, sizeBytes)); err != nil {
		return BadDigest, err
	}
	return g.Sum()
}
