// Package localcas implements the federation of the three CAS lanes
// (spec.md §4.3, component C3): file, executable and tree, plus the
// tree-invariant verifier and the deep-traversal read path.
package localcas

import (
	"io"
	"path"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/filestore"
	"github.com/justcached/justcached/pkg/objectcas"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LocalCAS is the three-lane CAS described by spec.md §4.3.
type LocalCAS struct {
	protocol digest.Protocol
	function digest.Function
	file     *objectcas.ObjectCAS
	exec     *objectcas.ObjectCAS
	tree     *objectcas.ObjectCAS
}

// New constructs a LocalCAS bound to protocol, with its three lanes
// rooted under casRoot/casf, casRoot/casx and casRoot/cast
// respectively. Under the Compatible protocol, the tree lane is
// physically the same directory as the file lane (spec.md §6): trees
// and blobs share both encoding space and hashing protocol.
func New(casRoot string, protocol digest.Protocol) *LocalCAS {
	function := digest.NewFunction(protocol)
	fileStore := filestore.New(path.Join(casRoot, "casf"), filestore.FirstWins)
	execStore := filestore.New(path.Join(casRoot, "casx"), filestore.FirstWins)
	treeRoot := path.Join(casRoot, "cast")
	if protocol == digest.Compatible {
		treeRoot = path.Join(casRoot, "casf")
	}
	treeStore := filestore.New(treeRoot, filestore.FirstWins)

	return &LocalCAS{
		protocol: protocol,
		function: function,
		file:     objectcas.New(fileStore, function, digest.File),
		exec:     objectcas.New(execStore, function, digest.Executable),
		tree:     objectcas.New(treeStore, function, digest.Tree),
	}
}

// GetProtocol returns the hash space this LocalCAS was constructed for.
func (l *LocalCAS) GetProtocol() digest.Protocol {
	return l.protocol
}

// lane returns the ObjectCAS backing a File/Executable digest's lane.
func (l *LocalCAS) lane(executable bool) *objectcas.ObjectCAS {
	if executable {
		return l.exec
	}
	return l.file
}

// StoreBlob hashes and installs data as a File or Executable object.
func (l *LocalCAS) StoreBlob(data []byte, executable bool) (digest.Digest, error) {
	return l.lane(executable).StoreBlob(data)
}

// StoreBlobFromFile hashes and installs the file at sourcePath.
func (l *LocalCAS) StoreBlobFromFile(sourcePath string, sizeBytes int64, isOwner bool, executable bool) (digest.Digest, error) {
	return l.lane(executable).StoreBlobFromFile(sourcePath, sizeBytes, isOwner)
}

// blobExistsEitherLane reports whether a File/Executable digest is
// present in either lane, reflecting the automatic cross-lane fallback
// spec.md §4.2 mandates for readers.
func (l *LocalCAS) blobExistsEitherLane(d digest.Digest) bool {
	return l.file.Exists(d) || l.exec.Exists(d)
}

// readBlobEitherLane reads a File/Executable object's bytes from
// whichever lane currently holds it.
func (l *LocalCAS) readBlobEitherLane(d digest.Digest) ([]byte, bool, error) {
	if data, ok, err := l.file.Get(d); err != nil || ok {
		return data, ok, err
	}
	return l.exec.Get(d)
}

// GetBlob reads a File/Executable object's bytes, with automatic
// cross-lane fallback. Used by the ActionCache and TargetCache to
// resolve the CAS blob an indirection entry points at.
func (l *LocalCAS) GetBlob(d digest.Digest) ([]byte, bool, error) {
	return l.readBlobEitherLane(d)
}

// StoreTree parses, verifies and (on success) installs a tree object
// encoded in this LocalCAS's protocol. See the state machine described
// in spec.md §4.3: Parse -> Verify -> Place.
func (l *LocalCAS) StoreTree(encoded []byte) (digest.Digest, error) {
	tree, err := l.decodeTree(encoded)
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.InvalidArgument, "Rejected(parse)")
	}
	if err := l.verifyTree(tree); err != nil {
		return digest.BadDigest, err
	}
	return l.tree.StoreTree(encoded)
}

// StoreTreeFromEntries encodes tree under this LocalCAS's protocol and
// stores it, as StoreTree does for already-encoded bytes. Used by the
// rehash bridge, which builds a tree from already-rehashed children.
func (l *LocalCAS) StoreTreeFromEntries(tree casmodel.Tree) (digest.Digest, error) {
	encoded, err := l.encodeTree(tree)
	if err != nil {
		return digest.BadDigest, err
	}
	return l.StoreTree(encoded)
}

func (l *LocalCAS) encodeTree(tree casmodel.Tree) ([]byte, error) {
	if l.protocol == digest.Native {
		return tree.EncodeNative()
	}
	return tree.EncodeCompatible()
}

func (l *LocalCAS) decodeTree(encoded []byte) (casmodel.Tree, error) {
	if l.protocol == digest.Native {
		return casmodel.DecodeNative(l.protocol, encoded)
	}
	return casmodel.DecodeCompatible(encoded)
}

// verifyTree enforces Invariant 2: every child must already be present
// in the appropriate lane of this CAS, and every symlink child's
// target must be a non-upward path (spec.md §4.3).
func (l *LocalCAS) verifyTree(tree casmodel.Tree) error {
	for _, e := range tree.Entries {
		switch e.Type {
		case digest.File, digest.Executable:
			if !l.blobExistsEitherLane(e.Digest) {
				return status.Errorf(codes.FailedPrecondition, "Rejected(invariant): child %q references a blob not present in the CAS", e.Name)
			}
		case digest.Tree:
			if !l.tree.Exists(e.Digest) {
				return status.Errorf(codes.FailedPrecondition, "Rejected(invariant): child %q references a subtree not present in the CAS", e.Name)
			}
		case digest.Symlink:
			target := e.Target
			if l.protocol == digest.Native {
				// Native symlink targets are stored as a
				// plain-text blob in the file lane,
				// exactly as Git itself does.
				data, ok, err := l.file.Get(e.Digest)
				if err != nil {
					return err
				}
				if !ok {
					return status.Errorf(codes.FailedPrecondition, "Rejected(invariant): symlink %q target blob is not present in the CAS", e.Name)
				}
				target = string(data)
			}
			if !casmodel.IsNonUpward(target) {
				return status.Errorf(codes.FailedPrecondition, "Rejected(invariant): symlink %q target %q escapes its tree root", e.Name, target)
			}
		}
	}
	return nil
}

// BlobPath returns the on-disk path of a File/Executable digest, with
// automatic cross-lane fallback and synchronization: if the object is
// only present in the other lane, it is copied into the requested one
// before returning (see TrySync).
func (l *LocalCAS) BlobPath(d digest.Digest, executable bool) (string, bool, error) {
	primary := l.lane(executable)
	if p, ok := primary.Path(d); ok {
		return p, true, nil
	}
	secondary := l.lane(!executable)
	if secondary.Exists(d) {
		p, err := l.TrySync(d, executable)
		if err != nil {
			return "", false, err
		}
		return p, true, nil
	}
	return "", false, nil
}

// TreePath returns the on-disk path of a Tree digest.
func (l *LocalCAS) TreePath(d digest.Digest) (string, bool) {
	return l.tree.Path(d)
}

// TrySync lifts a blob from one lane into the other, reading its bytes
// and re-storing with the correct permission bits (spec.md §4.2).
func (l *LocalCAS) TrySync(d digest.Digest, toExecutable bool) (string, error) {
	dst := l.lane(toExecutable)
	if p, ok := dst.Path(d); ok {
		return p, nil
	}
	src := l.lane(!toExecutable)
	data, ok, err := src.Get(d)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", status.Error(codes.NotFound, "Blob is not present in either lane")
	}
	if err := dst.AdoptFromBytes(d, data); err != nil {
		return "", err
	}
	p, _ := dst.Path(d)
	return p, nil
}

// UplinkBlobFrom hard-links a File/Executable object already present at
// sourcePath in another generation's matching lane into this CAS. Used
// by the Uplinker (spec.md §4.8, UplinkBlob).
func (l *LocalCAS) UplinkBlobFrom(d digest.Digest, executable bool, sourcePath string) (bool, error) {
	return l.lane(executable).AdoptHardLink(d, sourcePath)
}

// UplinkTreeFrom hard-links a Tree object already present at sourcePath
// in another generation's tree lane into this CAS.
func (l *LocalCAS) UplinkTreeFrom(d digest.Digest, sourcePath string) (bool, error) {
	return l.tree.AdoptHardLink(d, sourcePath)
}

// PathInfo is one entry of a directory listing: a relative path
// prefixed by the caller-supplied parent, its ObjectInfo, and (for
// symlinks only) the link's target text.
type PathInfo struct {
	RelPath string
	Info    digest.ObjectInfo
	Target  string
}

// ReadTreeDirect returns the immediate children of a tree, with each
// child's path prefixed by parentPath (spec.md §4.3).
func (l *LocalCAS) ReadTreeDirect(treeDigest digest.Digest, parentPath string) ([]PathInfo, error) {
	data, ok, err := l.tree.Get(treeDigest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, status.Error(codes.NotFound, "Tree object not found")
	}
	tree, err := l.decodeTree(data)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.DataLoss, "Corrupt tree object")
	}
	result := make([]PathInfo, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		result = append(result, l.entryToPathInfo(e, parentPath))
	}
	return result, nil
}

func (l *LocalCAS) entryToPathInfo(e casmodel.TreeEntry, parentPath string) PathInfo {
	relPath := path.Join(parentPath, e.Name)
	if e.Type == digest.Symlink {
		target := e.Target
		if l.protocol == digest.Native {
			if data, ok, _ := l.file.Get(e.Digest); ok {
				target = string(data)
			}
		}
		return PathInfo{RelPath: relPath, Info: digest.NewObjectInfo(e.Digest, digest.Symlink), Target: target}
	}
	return PathInfo{RelPath: relPath, Info: digest.NewObjectInfo(e.Digest, e.Type)}
}

// traversalFrame is one unit of work on the explicit DFS stack used by
// ReadTreeRecursive, following the design-notes guidance to replace
// mutually recursive tree-scanning functions with a single traversal
// over an explicit work stack (spec.md §9).
type traversalFrame struct {
	treeDigest digest.Digest
	parentPath string
}

// ReadTreeRecursive walks a tree depth-first, emitting every file-like
// descendant (file, executable, symlink) with its path prefixed by
// parentPath, and descending into every subtree (spec.md §4.3).
//
// Cycles cannot occur because content-addressing makes a tree
// referencing itself impossible to construct; MaxTreeDepth nonetheless
// bounds recursion defensively against pathological inputs.
const MaxTreeDepth = 1 << 16

func (l *LocalCAS) ReadTreeRecursive(treeDigest digest.Digest, parentPath string) ([]PathInfo, error) {
	var results []PathInfo
	stack := []traversalFrame{{treeDigest: treeDigest, parentPath: parentPath}}
	framesVisited := 0
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		framesVisited++
		if framesVisited > MaxTreeDepth {
			return nil, status.Error(codes.ResourceExhausted, "Tree recursion exceeds the configured bound")
		}

		children, err := l.ReadTreeDirect(frame.treeDigest, frame.parentPath)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Info.Type == digest.Tree {
				stack = append(stack, traversalFrame{treeDigest: c.Info.Digest, parentPath: c.RelPath})
			} else {
				results = append(results, c)
			}
		}
	}
	return results, nil
}

// DumpToStream streams an object's representation to sink. For
// blob-like objects it streams the raw bytes; for trees, rawTree
// selects between the raw tree encoding and a pretty-printed listing
// (spec.md §4.3).
func (l *LocalCAS) DumpToStream(info digest.ObjectInfo, sink io.Writer, rawTree bool) error {
	switch info.Type {
	case digest.File, digest.Executable:
		r, ok, err := l.lane(info.Type == digest.Executable).Open(info.Digest)
		if err != nil {
			return err
		}
		if !ok {
			return status.Error(codes.NotFound, "Blob not found")
		}
		defer r.Close()
		_, err = io.Copy(sink, r)
		return err
	case digest.Tree:
		if rawTree {
			r, ok, err := l.tree.Open(info.Digest)
			if err != nil {
				return err
			}
			if !ok {
				return status.Error(codes.NotFound, "Tree not found")
			}
			defer r.Close()
			_, err = io.Copy(sink, r)
			return err
		}
		entries, err := l.ReadTreeDirect(info.Digest, "")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if _, err := io.WriteString(sink, e.Info.String()+" "+e.RelPath+"\n"); err != nil {
				return err
			}
		}
		return nil
	default:
		return status.Error(codes.InvalidArgument, "Cannot dump a symlink directly; read it as part of its parent tree")
	}
}
