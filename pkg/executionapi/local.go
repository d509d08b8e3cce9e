package executionapi

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generationset"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxConcurrentRetrievals bounds how many sibling artifacts
// RetrieveToCas pulls at once. This layer offers no cancellation
// (spec.md §5), so the bound exists purely to cap fan-out, not to
// allow a caller to abort in flight.
const maxConcurrentRetrievals = 8

// Local is the ExecutionApi implementation exposing a GenerationSet as
// a capability, used by RemoteSync as its local side and by tests
// that exercise a "remote" made of a second in-process Local instance
// (spec.md §4.11). The gRPC front door (C13) does not go through it; it
// calls the GenerationSet directly.
type Local struct {
	set *generationset.GenerationSet
}

// NewLocal wraps set as an API.
func NewLocal(set *generationset.GenerationSet) *Local {
	return &Local{set: set}
}

// GetHashType reports the protocol this Local's backing CAS speaks.
func (l *Local) GetHashType() digest.Protocol {
	return l.set.Latest().CAS.GetProtocol()
}

// IsAvailable reports which of digests are absent from this CAS.
func (l *Local) IsAvailable(digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range digests {
		var ok bool
		var err error
		if d.GetKind() == digest.Tree {
			_, ok, err = l.set.TreePath(d)
		} else {
			_, ok, err = l.set.BlobPath(d, false)
			if err == nil && !ok {
				_, ok, err = l.set.BlobPath(d, true)
			}
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Upload installs blobs, verifying each one's declared digest against
// the actual hash and size of its bytes. A blob handed over by
// sourcePath is read into memory and verified the same way.
func (l *Local) Upload(blobs []Blob, skipFindMissing bool) error {
	digests := make([]digest.Digest, 0, len(blobs))
	for _, b := range blobs {
		digests = append(digests, b.Digest)
	}

	toUpload := blobs
	if !skipFindMissing {
		missing, err := l.IsAvailable(digests)
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
		if err := l.uploadOne(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) uploadOne(b Blob) error {
	data := b.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(b.SourcePath)
		if err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to read blob source")
		}
	}
	actual, err := l.set.StoreBlob(data, b.Executable)
	if err != nil {
		return err
	}
	if actual.GetHashString() != b.Digest.GetHashString() || actual.GetSizeBytes() != b.Digest.GetSizeBytes() {
		return status.Errorf(codes.InvalidArgument, "Declared digest %s does not match actual content digest %s", b.Digest, actual)
	}
	return nil
}

// UploadTree builds a tree from entries and stores it through
// LocalCAS.StoreTree, which runs the full tree-invariant verifier.
func (l *Local) UploadTree(entries []TreeEntry) (digest.Digest, error) {
	tree := casmodel.Tree{Entries: make([]casmodel.TreeEntry, len(entries))}
	for i, e := range entries {
		tree.Entries[i] = casmodel.TreeEntry{Name: e.Name, Type: e.Type, Digest: e.Digest, Target: e.Target}
	}

	var encoded []byte
	var err error
	if l.GetHashType() == digest.Native {
		encoded, err = tree.EncodeNative()
	} else {
		encoded, err = tree.EncodeCompatible()
	}
	if err != nil {
		return digest.BadDigest, err
	}
	return l.set.StoreTree(encoded)
}

// RetrieveToCas pulls every artifact named by infos from this Local's
// CAS into other, retrieving a tree's children recursively before the
// tree itself so that the tree-invariant verifier on the receiving side
// always sees children already present (spec.md §4.11).
func (l *Local) RetrieveToCas(infos []digest.ObjectInfo, other API) error {
	digests := make([]digest.Digest, 0, len(infos))
	byHash := make(map[string]digest.ObjectInfo, len(infos))
	for _, info := range infos {
		digests = append(digests, info.Digest)
		byHash[info.Digest.GetHashString()] = info
	}

	missing, err := other.IsAvailable(digests)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(maxConcurrentRetrievals)
	group, ctx := errgroup.WithContext(context.Background())
	for _, d := range missing {
		info := byHash[d.GetHashString()]
		group.Go(func() error {
			if err := util.AcquireSemaphore(ctx, sem, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return l.retrieveOne(info, other)
		})
	}
	return group.Wait()
}

func (l *Local) retrieveOne(info digest.ObjectInfo, other API) error {
	if info.Type == digest.Tree {
		children, err := l.set.ReadTreeDirect(info.Digest, "")
		if err != nil {
			return err
		}

		childInfos := make([]digest.ObjectInfo, 0, len(children))
		for _, c := range children {
			if c.Info.Type != digest.Symlink {
				childInfos = append(childInfos, c.Info)
			}
		}
		if err := l.RetrieveToCas(childInfos, other); err != nil {
			return err
		}

		// Rebuild the tree from its already-synced children, rather
		// than shipping its raw encoding, so other stores it through
		// its own UploadTree (and tree-invariant verifier), not as an
		// opaque blob.
		treeEntries := make([]TreeEntry, 0, len(children))
		for _, c := range children {
			treeEntries = append(treeEntries, TreeEntry{Name: c.RelPath, Type: c.Info.Type, Digest: c.Info.Digest, Target: c.Target})
		}
		_, err = other.UploadTree(treeEntries)
		return err
	}

	executable := info.Type == digest.Executable
	path, ok, err := l.set.BlobPath(info.Digest, executable)
	if err != nil {
		return err
	}
	if !ok {
		return status.Errorf(codes.NotFound, "Object %s is not present locally", info.Digest)
	}
	return other.Upload([]Blob{{Digest: info.Digest, SourcePath: path, Executable: executable}}, true)
}

// RetrieveToPaths materializes every artifact in infos onto the local
// filesystem, resolving trees into their full directory structure.
func (l *Local) RetrieveToPaths(infos []digest.ObjectInfo, paths []string) error {
	if len(infos) != len(paths) {
		return status.Error(codes.InvalidArgument, "infos and paths must have equal length")
	}
	for i, info := range infos {
		if err := l.retrieveToPath(info, paths[i]); err != nil {
			return err
		}
	}
	return nil
}

func (l *Local) retrieveToPath(info digest.ObjectInfo, dest string) error {
	if info.Type == digest.Tree {
		entries, err := l.set.ReadTreeRecursive(info.Digest, dest)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := l.materializeFile(e); err != nil {
				return err
			}
		}
		return nil
	}
	return l.materializeFile(localcas.PathInfo{RelPath: dest, Info: info})
}

// materializeFile writes one resolved tree entry (or a single top-level
// blob, given a synthetic PathInfo) onto the filesystem at e.RelPath,
// creating its parent directory and preserving the symlink/executable
// distinction the CAS lane carries.
func (l *Local) materializeFile(e localcas.PathInfo) error {
	if err := os.MkdirAll(filepath.Dir(e.RelPath), 0o755); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create parent directory")
	}

	if e.Info.Type == digest.Symlink {
		if err := os.Symlink(e.Target, e.RelPath); err != nil {
			return util.StatusWrapWithCode(err, codes.Internal, "Failed to create symlink")
		}
		return nil
	}

	executable := e.Info.Type == digest.Executable
	data, ok, err := l.set.GetBlob(e.Info.Digest, executable)
	if err != nil {
		return err
	}
	if !ok {
		return status.Errorf(codes.NotFound, "Object %s is not present locally", e.Info.Digest)
	}
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.WriteFile(e.RelPath, data, mode); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to write file")
	}
	return nil
}
