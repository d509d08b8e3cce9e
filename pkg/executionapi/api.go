// Package executionapi defines the ExecutionApi capability (spec.md
// §4.11, component C11): the abstract interface through which the
// storage core both consumes a remote CAS (for sync and availability
// checks) and exposes its own LocalCAS as a capability usable by
// another instance of this same code acting as "remote".
//
// Grounded in
// original_source/src/buildtool/execution_api/common/execution_api.hpp
// (IExecutionApi), trimmed to the subset spec.md §4.11 names: action
// creation/scheduling is explicitly out of scope (spec.md §1).
package executionapi

import (
	"github.com/justcached/justcached/pkg/digest"
)

// API is the capability consumed by the sync path and exposed to
// remote callers. Implementations are immutable, shared-ownership
// values (spec.md §9: "Reference-counted shared pointers ... become
// shared ownership of an immutable capability value").
type API interface {
	// IsAvailable reports, for each of digests, whether it is already
	// present on this API's side.
	IsAvailable(digests []digest.Digest) (missing []digest.Digest, err error)

	// Upload installs blobs that are not yet present (unless
	// skipFindMissing is set, in which case every blob is written
	// unconditionally). Each blob's declared digest is checked against
	// the digest actually computed over its bytes; a mismatch is
	// refused rather than silently accepted (spec.md §4.11).
	Upload(blobs []Blob, skipFindMissing bool) error

	// UploadTree verifies and stores a tree built from entries,
	// running the same tree-invariant verifier LocalCAS.StoreTree
	// does, and returns its digest.
	UploadTree(entries []TreeEntry) (digest.Digest, error)

	// RetrieveToCas pulls every artifact named by infos from this API
	// into other, resolving trees recursively. When the two sides
	// speak different hash protocols, this is the dual of
	// rehash.RehashDigest (spec.md §4.11).
	RetrieveToCas(infos []digest.ObjectInfo, other API) error

	// RetrieveToPaths materializes every artifact named by infos onto
	// the local filesystem at the corresponding entry of paths,
	// resolving tree artifacts into their full directory structure.
	RetrieveToPaths(infos []digest.ObjectInfo, paths []string) error

	// GetHashType reports which hash protocol this API's backing CAS
	// speaks.
	GetHashType() digest.Protocol
}

// Blob is one object offered to Upload: either its full bytes (for
// small objects) or a path to a file already on disk (sourcePath,
// avoiding a redundant read for large ones). Exactly one of Data or
// SourcePath should be set.
type Blob struct {
	Digest     digest.Digest
	Data       []byte
	SourcePath string
	Executable bool
}

// TreeEntry is the wire-agnostic shape UploadTree builds a tree from;
// it mirrors casmodel.TreeEntry but lives in this package to avoid
// executionapi depending on the tree-verification internals of
// localcas for anything beyond the public StoreTree contract.
type TreeEntry struct {
	Name   string
	Type   digest.ObjectType
	Digest digest.Digest
	Target string
}
