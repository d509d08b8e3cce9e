// Package objectcas implements one storage lane of the CAS (spec.md
// §4.2, component C2): a single object kind (File, Executable or
// Tree), layered on a filestore.FileStore, hashing inputs under one
// digest.Function and enforcing the hash↔path contract (Invariant 1).
package objectcas

import (
	"io"
	"os"

	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/filestore"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
)

// ObjectCAS is one lane of content-addressed storage: it always
// installs and looks up objects of a single digest.ObjectType.
type ObjectCAS struct {
	store      *filestore.FileStore
	function   digest.Function
	kind       digest.ObjectType
	executable bool
}

// New creates an ObjectCAS for one lane. kind must be File, Executable
// or Tree; the lane is executable iff kind == Executable (this governs
// the permission bits FileStore installs with).
func New(store *filestore.FileStore, function digest.Function, kind digest.ObjectType) *ObjectCAS {
	return &ObjectCAS{
		store:      store,
		function:   function,
		kind:       kind,
		executable: kind == digest.Executable,
	}
}

// StoreBlob hashes data and installs it in this lane, returning its
// digest. kind is assumed to already match the lane this ObjectCAS was
// constructed for.
func (o *ObjectCAS) StoreBlob(data []byte) (digest.Digest, error) {
	hashKind := o.kind
	if hashKind == digest.Executable {
		hashKind = digest.File
	}
	d, err := o.function.SumBytes(hashKind, data)
	if err != nil {
		return digest.BadDigest, err
	}
	if _, err := o.store.AddFromBytes(d.GetHashString(), data, o.executable); err != nil {
		return digest.BadDigest, err
	}
	return d, nil
}

// StoreBlobFromFile hashes and installs the file at sourcePath. When
// isOwner is true the caller asserts exclusive ownership of the file,
// permitting a zero-copy hard-link install (spec.md §4.1).
func (o *ObjectCAS) StoreBlobFromFile(sourcePath string, sizeBytes int64, isOwner bool) (digest.Digest, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.Internal, "Failed to open source file")
	}
	hashKind := o.kind
	if hashKind == digest.Executable {
		hashKind = digest.File
	}
	d, err := o.function.SumReader(hashKind, f, sizeBytes)
	f.Close()
	if err != nil {
		return digest.BadDigest, err
	}
	if _, err := o.store.AddFromFile(d.GetHashString(), sourcePath, isOwner, o.executable); err != nil {
		return digest.BadDigest, err
	}
	return d, nil
}

// StoreTree installs tree-encoded bytes under this lane (used only by
// the Tree lane). The caller is responsible for verifying the tree
// satisfies Invariants 2 before calling this; ObjectCAS enforces
// Invariant 1 only.
func (o *ObjectCAS) StoreTree(data []byte) (digest.Digest, error) {
	d, err := o.function.SumBytes(digest.Tree, data)
	if err != nil {
		return digest.BadDigest, err
	}
	if _, err := o.store.AddFromBytes(d.GetHashString(), data, false); err != nil {
		return digest.BadDigest, err
	}
	return d, nil
}

// Path returns the on-disk path for d if present in this lane, or
// ("", false) on a miss.
func (o *ObjectCAS) Path(d digest.Digest) (string, bool) {
	if !o.store.Exists(d.GetHashString()) {
		return "", false
	}
	return o.store.GetPath(d.GetHashString()), true
}

// Get reads the full contents of d from this lane.
func (o *ObjectCAS) Get(d digest.Digest) ([]byte, bool, error) {
	path, ok := o.Path(d)
	if !ok {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, util.StatusWrapWithCode(err, codes.Internal, "Failed to read CAS entry")
	}
	return data, true, nil
}

// Open returns a reader for d's bytes without buffering them in
// memory, used by DumpToStream.
func (o *ObjectCAS) Open(d digest.Digest) (io.ReadCloser, bool, error) {
	path, ok := o.Path(d)
	if !ok {
		return nil, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, util.StatusWrapWithCode(err, codes.Internal, "Failed to open CAS entry")
	}
	return f, true, nil
}

// Exists reports whether d is present in this lane, without reading
// its contents.
func (o *ObjectCAS) Exists(d digest.Digest) bool {
	return o.store.Exists(d.GetHashString())
}

// AdoptFromFile installs the file at sourcePath under a digest already
// known by the caller, without recomputing it. The Uplinker does not
// use it; it hard-links through AdoptHardLink.
func (o *ObjectCAS) AdoptFromFile(d digest.Digest, sourcePath string, isOwner bool) error {
	_, err := o.store.AddFromFile(d.GetHashString(), sourcePath, isOwner, o.executable)
	return err
}

// AdoptHardLink hard-links an already-installed entry at sourcePath
// (typically an older generation's copy of the same digest) into this
// lane, without copying or re-hashing. Used by the Uplinker to satisfy
// Invariant 5 in O(1) time regardless of object size.
func (o *ObjectCAS) AdoptHardLink(d digest.Digest, sourcePath string) (bool, error) {
	return o.store.LinkFrom(d.GetHashString(), sourcePath)
}

// AdoptFromBytes installs data under an already-known digest, skipping
// re-hashing. Used by LocalCAS.TrySync, where the digest was already
// validated by the source lane.
func (o *ObjectCAS) AdoptFromBytes(d digest.Digest, data []byte) error {
	_, err := o.store.AddFromBytes(d.GetHashString(), data, o.executable)
	return err
}
