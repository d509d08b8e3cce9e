// Package rehash implements the RehashCache (spec.md §4.10, component
// C10): a bidirectional, idempotent mapping between a digest in one
// hash protocol and the equivalent ObjectInfo in another, persisted as
// small per-generation files so the cost of a cross-protocol rehash is
// paid at most once per object.
//
// Grounded in original_source/src/buildtool/execution_api/utils/rehash_utils.cpp
// (ReadRehashedDigest/StoreRehashedDigest), which this package follows
// closely: a flat filesystem map keyed by the source hash, read
// youngest-to-oldest with hard-link-forward on an older-generation hit,
// and a write that always lands in generation 0.
package rehash

import (
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/filestore"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Cache is the RehashCache for one (source protocol, target protocol)
// pair. Unlike CAS/AC/TC, rehash entries are deliberately kept outside
// the generation-eviction machinery (spec.md §9, Open Questions): they
// are partitioned by generation index purely to make the
// hard-link-forward trick possible, not because GC ever rotates them.
type Cache struct {
	stores         []*filestore.FileStore
	sourceProtocol digest.Protocol
	targetProtocol digest.Protocol
}

// DirName returns the directory segment this pair of protocols is
// stored under, e.g. "git-sha1-to-compatible-sha256" (spec.md §6).
func DirName(source, target digest.Protocol) string {
	return fmt.Sprintf("%s-to-%s", source, target)
}

// New constructs a Cache rooted at cacheRoot/rehash/<src>-to-<tgt>/,
// with one FileStore per source-protocol generation so that Read can
// probe youngest-to-oldest exactly as the generation set itself does.
func New(cacheRoot string, sourceProtocol, targetProtocol digest.Protocol, numGenerations int) *Cache {
	dir := path.Join(cacheRoot, "rehash", DirName(sourceProtocol, targetProtocol))
	stores := make([]*filestore.FileStore, numGenerations)
	for i := range stores {
		stores[i] = filestore.New(path.Join(dir, fmt.Sprintf("generation-%d", i)), filestore.FirstWins)
	}
	return &Cache{stores: stores, sourceProtocol: sourceProtocol, targetProtocol: targetProtocol}
}

// Read looks up the target-protocol ObjectInfo mapped to sourceHash.
// It reports (info, true, nil) on a decoded hit, (ObjectInfo{}, false,
// nil) when no mapping file exists anywhere, and a non-nil error only
// for genuine I/O or decode failures (spec.md §4.10's three-way
// contract).
//
// On a hit in a generation other than 0, the mapping is hard-linked
// forward into generation 0 so that future lookups are O(1) regardless
// of how many rounds of GC have run since it was written. If the
// source file has hit the filesystem's hard-link ceiling, the mapping
// is instead rewritten by value.
func (c *Cache) Read(sourceHash string) (digest.ObjectInfo, bool, error) {
	for i, store := range c.stores {
		if !store.Exists(sourceHash) {
			continue
		}
		srcPath := store.GetPath(sourceHash)
		raw, err := os.ReadFile(srcPath)
		if err != nil {
			return digest.ObjectInfo{}, false, util.StatusWrapWithCode(err, codes.Internal, "Failed to read rehash mapping")
		}
		info, err := digest.ParseObjectInfo(c.targetProtocol, string(raw))
		if err != nil {
			return digest.ObjectInfo{}, false, util.StatusWrapfWithCode(err, codes.DataLoss, "Corrupt rehash mapping for %s", sourceHash)
		}
		if i != 0 {
			if _, linkErr := c.stores[0].LinkFrom(sourceHash, srcPath); linkErr != nil {
				if errors.Is(linkErr, filestore.ErrLinkCountExceeded) {
					if _, writeErr := c.stores[0].AddFromBytes(sourceHash, raw, false); writeErr != nil {
						return digest.ObjectInfo{}, false, writeErr
					}
				} else {
					return digest.ObjectInfo{}, false, linkErr
				}
			}
		}
		return info, true, nil
	}
	return digest.ObjectInfo{}, false, nil
}

// Write records that sourceHash maps to targetInfo, always into
// generation 0. Per spec.md §4.10, overwriting an existing mapping
// with the same value is success (FirstWins silently reuses the
// existing file); overwriting with a different value is impossible to
// reach from a non-adversarial caller, since content-addressing makes
// sourceHash a function of the content being rehashed.
func (c *Cache) Write(sourceHash string, targetInfo digest.ObjectInfo) error {
	_, err := c.stores[0].AddFromBytes(sourceHash, []byte(targetInfo.String()), false)
	return err
}

// RehashDigest re-expresses every object named by infos (blobs and
// trees alike) in the target CAS, memoizing each (sub)object's mapping
// so repeated calls over overlapping trees do no redundant work. Trees
// recurse depth-first: every child is rehashed and stored first, then
// a target-protocol tree is built from the rehashed children and
// stored, and the mapping for the tree itself is recorded last —
// mirroring RehashDigestImpl in rehash_utils.cpp.
func RehashDigest(infos []digest.ObjectInfo, source, target *localcas.LocalCAS, rc *Cache) ([]digest.ObjectInfo, error) {
	result := make([]digest.ObjectInfo, 0, len(infos))
	for _, info := range infos {
		rehashed, err := rehashOne(info, source, target, rc)
		if err != nil {
			return nil, err
		}
		result = append(result, rehashed)
	}
	return result, nil
}

func rehashOne(info digest.ObjectInfo, source, target *localcas.LocalCAS, rc *Cache) (digest.ObjectInfo, error) {
	if cached, found, err := rc.Read(info.Digest.GetHashString()); err != nil {
		return digest.ObjectInfo{}, err
	} else if found {
		return cached, nil
	}

	if info.Type == digest.Tree {
		return rehashTree(info, source, target, rc)
	}
	return rehashBlob(info, source, target, rc)
}

func rehashBlob(info digest.ObjectInfo, source, target *localcas.LocalCAS, rc *Cache) (digest.ObjectInfo, error) {
	executable := info.Type == digest.Executable
	data, found, err := source.GetBlob(info.Digest)
	if err != nil {
		return digest.ObjectInfo{}, err
	}
	if !found {
		return digest.ObjectInfo{}, status.Errorf(codes.NotFound, "Object %s is not present in the source CAS", info.Digest)
	}
	targetDigest, err := target.StoreBlob(data, executable)
	if err != nil {
		return digest.ObjectInfo{}, err
	}
	targetInfo := digest.NewObjectInfo(targetDigest, info.Type)
	if err := rc.Write(info.Digest.GetHashString(), targetInfo); err != nil {
		return digest.ObjectInfo{}, err
	}
	return targetInfo, nil
}

func rehashTree(info digest.ObjectInfo, source, target *localcas.LocalCAS, rc *Cache) (digest.ObjectInfo, error) {
	children, err := source.ReadTreeDirect(info.Digest, "")
	if err != nil {
		return digest.ObjectInfo{}, err
	}

	entries := make([]casmodel.TreeEntry, 0, len(children))
	for _, c := range children {
		name := basename(c.RelPath)
		if c.Info.Type == digest.Symlink {
			// Symlink targets cross protocols unmodified; they
			// are never themselves hashed as a standalone
			// object, only embedded inline in the parent tree.
			entry := casmodel.TreeEntry{Name: name, Type: digest.Symlink, Target: c.Target}
			if target.GetProtocol() == digest.Native {
				// Native tree entries always carry a hash
				// per slot, including symlinks (Git stores
				// the link target as a blob). Store the
				// target text so the rebuilt entry has one,
				// regardless of whether the source side had
				// a digest for it (spec.md §3, §4.3).
				blobDigest, err := target.StoreBlob([]byte(c.Target), false)
				if err != nil {
					return digest.ObjectInfo{}, err
				}
				entry.Digest = blobDigest
			}
			entries = append(entries, entry)
			continue
		}
		childInfo, err := rehashOne(c.Info, source, target, rc)
		if err != nil {
			return digest.ObjectInfo{}, err
		}
		entries = append(entries, casmodel.TreeEntry{Name: name, Type: childInfo.Type, Digest: childInfo.Digest})
	}

	targetDigest, err := target.StoreTreeFromEntries(casmodel.Tree{Entries: entries})
	if err != nil {
		return digest.ObjectInfo{}, err
	}
	targetInfo := digest.NewObjectInfo(targetDigest, digest.Tree)
	if err := rc.Write(info.Digest.GetHashString(), targetInfo); err != nil {
		return digest.ObjectInfo{}, err
	}
	return targetInfo, nil
}

func basename(p string) string {
	i := len(p) - 1
	for i >= 0 && p[i] != '/' {
		i--
	}
	return p[i+1:]
}
