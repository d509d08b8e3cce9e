// Package tc implements the Target Cache (spec.md §4.5, component C5):
// a persistent map from a TargetCache key to a TargetResult, sharded by
// backend description so that switching remote backends is a lookup
// re-root rather than a cache bust.
package tc

import (
	"os"
	"path"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/filestore"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
)

// RemoteSyncer is the slice of ExecutionApi that TargetCache.Store needs
// to pull every referenced artifact into the local CAS before an entry
// is committed, so that offline readers can later serve it. Kept as a
// narrow interface here to avoid an import cycle with pkg/executionapi,
// which in turn depends on the generation set built on top of this
// package.
type RemoteSyncer interface {
	SyncFromRemote(artifacts []digest.ObjectInfo) error
}

// TargetCache is a single generation's target cache, covering every
// BackendShard that has been looked up so far.
type TargetCache struct {
	root string
	cas  *localcas.LocalCAS
}

// New constructs a TargetCache rooted at root (a directory named "tc"
// under one generation).
func New(root string, cas *localcas.LocalCAS) *TargetCache {
	return &TargetCache{root: root, cas: cas}
}

func (t *TargetCache) shardStore(shard string) *filestore.FileStore {
	return filestore.New(path.Join(t.root, shard), filestore.LastWins)
}

// KeyDigest packs key into a canonical JSON document, stores it as a CAS
// blob, and returns the digest that becomes the entry's identity
// (spec.md §3, "TargetCache Key").
func (t *TargetCache) KeyDigest(key casmodel.TargetCacheKey) (digest.Digest, error) {
	data, err := key.MarshalCanonical()
	if err != nil {
		return digest.BadDigest, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal target cache key")
	}
	return t.cas.StoreBlob(data, false)
}

// Store pulls every artifact entry references from the remote CAS via
// syncer (the caller's contract: every artifact must already exist
// remotely), then stores entry as a CAS blob and writes a last-wins
// indirection file naming it, rooted under shard.
func (t *TargetCache) Store(key casmodel.TargetCacheKey, shard string, entry *casmodel.TargetResult, syncer RemoteSyncer) (digest.ObjectInfo, error) {
	artifacts, err := entry.ArtifactDigests(t.cas.GetProtocol())
	if err != nil {
		return digest.ObjectInfo{}, util.StatusWrapWithCode(err, codes.InvalidArgument, "Target result references an unknown artifact")
	}
	if syncer != nil && len(artifacts) > 0 {
		if err := syncer.SyncFromRemote(artifacts); err != nil {
			return digest.ObjectInfo{}, err
		}
	}

	data, err := entry.MarshalCanonical()
	if err != nil {
		return digest.ObjectInfo{}, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal target result")
	}
	entryDigest, err := t.cas.StoreBlob(data, false)
	if err != nil {
		return digest.ObjectInfo{}, err
	}

	keyDigest, err := t.KeyDigest(key)
	if err != nil {
		return digest.ObjectInfo{}, err
	}

	info := digest.NewObjectInfo(entryDigest, digest.File)
	if _, err := t.shardStore(shard).AddFromBytes(keyDigest.GetHashString(), []byte(info.String()), false); err != nil {
		return digest.ObjectInfo{}, err
	}
	return info, nil
}

// Read resolves key under shard: reads the indirection file, resolves
// the referenced CAS blob, and decodes it. A miss or a corrupt entry
// both yield (nil, _, false, nil); a corrupt entry is proactively
// unlinked (spec.md §4.5, "entry decoding invariant").
func (t *TargetCache) Read(key casmodel.TargetCacheKey, shard string) (*casmodel.TargetResult, digest.ObjectInfo, bool, error) {
	keyDigest, err := t.KeyDigest(key)
	if err != nil {
		return nil, digest.ObjectInfo{}, false, err
	}
	return t.ReadByHash(keyDigest.GetHashString(), shard)
}

// ReadByHash looks up an entry whose key hash is already known, used by
// the Uplinker which only ever sees the hash, not the original key
// document.
func (t *TargetCache) ReadByHash(keyHash string, shard string) (*casmodel.TargetResult, digest.ObjectInfo, bool, error) {
	store := t.shardStore(shard)
	entryPath := store.GetPath(keyHash)
	raw, err := os.ReadFile(entryPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, digest.ObjectInfo{}, false, nil
		}
		return nil, digest.ObjectInfo{}, false, util.StatusWrapWithCode(err, codes.Internal, "Failed to read target cache entry")
	}

	info, err := digest.ParseObjectInfo(t.cas.GetProtocol(), string(raw))
	if err != nil {
		os.Remove(entryPath)
		return nil, digest.ObjectInfo{}, false, nil
	}

	blobData, found, err := t.cas.GetBlob(info.Digest)
	if err != nil {
		return nil, digest.ObjectInfo{}, false, err
	}
	if !found {
		os.Remove(entryPath)
		return nil, digest.ObjectInfo{}, false, nil
	}

	result, err := casmodel.UnmarshalTargetResult(blobData)
	if err != nil {
		os.Remove(entryPath)
		return nil, digest.ObjectInfo{}, false, nil
	}
	return result, info, true, nil
}

// EntryPath returns the on-disk indirection file path for keyHash under
// shard, used by the Uplinker.
func (t *TargetCache) EntryPath(keyHash string, shard string) string {
	return t.shardStore(shard).GetPath(keyHash)
}

// Exists reports whether an entry for keyHash is present under shard in
// this generation.
func (t *TargetCache) Exists(keyHash string, shard string) bool {
	_, err := os.Lstat(t.EntryPath(keyHash, shard))
	return err == nil
}

// UplinkEntryFrom hard-links a TC indirection file already present at
// sourcePath in another generation into this one, used by the
// Uplinker.
func (t *TargetCache) UplinkEntryFrom(keyHash string, shard string, sourcePath string) (bool, error) {
	return t.shardStore(shard).LinkFrom(keyHash, sourcePath)
}
