// Package generationset implements the GenerationSet (spec.md §4.7,
// component C7): a fixed-length ordered list of generation.Generation
// values that, from the outside, behaves like a single Generation.
// Reads probe generation 0 first and fall through to older generations
// on a miss; any hit in an older generation triggers the Uplinker
// against generation 0 to satisfy Invariant 5. Writes always land in
// generation 0 (spec.md §4.7).
package generationset

import (
	"github.com/justcached/justcached/pkg/ac"
	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/generation"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/tc"
	"github.com/justcached/justcached/pkg/uplink"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GenerationSet is the ordered list of generations backing one
// protocol's storage, youngest (index 0) first.
type GenerationSet struct {
	generations []*generation.Generation
	uplinker    *uplink.Uplinker
}

// New constructs a GenerationSet from generations, which must already
// be ordered youngest-first (generations[0].Index == 0).
func New(generations []*generation.Generation) *GenerationSet {
	return &GenerationSet{generations: generations, uplinker: uplink.New()}
}

// NumGenerations returns the configured generation count.
func (s *GenerationSet) NumGenerations() int {
	return len(s.generations)
}

// Latest returns generation 0, the only generation writes ever target.
func (s *GenerationSet) Latest() *generation.Generation {
	return s.generations[0]
}

// Generations returns the full, ordered generation list, generation 0
// first.
func (s *GenerationSet) Generations() []*generation.Generation {
	return s.generations
}

func (s *GenerationSet) olderLocalCAS() []*localcas.LocalCAS {
	older := make([]*localcas.LocalCAS, 0, len(s.generations)-1)
	for _, g := range s.generations[1:] {
		older = append(older, g.CAS)
	}
	return older
}

func (s *GenerationSet) olderAC() []*ac.ActionCache {
	older := make([]*ac.ActionCache, 0, len(s.generations)-1)
	for _, g := range s.generations[1:] {
		older = append(older, g.AC)
	}
	return older
}

func (s *GenerationSet) olderTC() []*tc.TargetCache {
	older := make([]*tc.TargetCache, 0, len(s.generations)-1)
	for _, g := range s.generations[1:] {
		older = append(older, g.TC)
	}
	return older
}

// --- Blob operations ---

// StoreBlob writes data into generation 0's CAS.
func (s *GenerationSet) StoreBlob(data []byte, executable bool) (digest.Digest, error) {
	return s.Latest().CAS.StoreBlob(data, executable)
}

// BlobPath looks up d across generations, uplinking it into
// generation 0 on any hit in an older generation (Invariant 5).
func (s *GenerationSet) BlobPath(d digest.Digest, executable bool) (string, bool, error) {
	latest := s.Latest().CAS
	if p, ok, err := latest.BlobPath(d, executable); err != nil {
		return "", false, err
	} else if ok {
		return p, true, nil
	}

	if err := s.uplinker.UplinkBlob(latest, s.olderLocalCAS(), d, executable); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, err
	}
	p, ok, err := latest.BlobPath(d, executable)
	return p, ok, err
}

// GetBlob reads d's bytes, uplinking on a hit in an older generation.
func (s *GenerationSet) GetBlob(d digest.Digest, executable bool) ([]byte, bool, error) {
	if _, ok, err := s.BlobPath(d, executable); err != nil || !ok {
		return nil, ok, err
	}
	return s.Latest().CAS.GetBlob(d)
}

// --- Tree operations ---

// StoreTree verifies and writes a tree into generation 0's CAS.
func (s *GenerationSet) StoreTree(encoded []byte) (digest.Digest, error) {
	return s.Latest().CAS.StoreTree(encoded)
}

// TreePath looks up treeDigest across generations, deep-uplinking its
// entire reachable subtree into generation 0 on an older-generation
// hit.
func (s *GenerationSet) TreePath(treeDigest digest.Digest) (string, bool, error) {
	latest := s.Latest().CAS
	if p, ok := latest.TreePath(treeDigest); ok {
		return p, true, nil
	}

	if err := s.uplinker.UplinkTree(latest, s.olderLocalCAS(), treeDigest); err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, err
	}
	p, ok := latest.TreePath(treeDigest)
	return p, ok, nil
}

// ReadTreeDirect resolves treeDigest (uplinking on a hit) and returns
// its immediate children.
func (s *GenerationSet) ReadTreeDirect(treeDigest digest.Digest, parentPath string) ([]localcas.PathInfo, error) {
	if _, ok, err := s.TreePath(treeDigest); err != nil {
		return nil, err
	} else if !ok {
		return nil, status.Error(codes.NotFound, "Tree object not found")
	}
	return s.Latest().CAS.ReadTreeDirect(treeDigest, parentPath)
}

// ReadTreeRecursive resolves treeDigest (uplinking on a hit) and walks
// it depth-first.
func (s *GenerationSet) ReadTreeRecursive(treeDigest digest.Digest, parentPath string) ([]localcas.PathInfo, error) {
	if _, ok, err := s.TreePath(treeDigest); err != nil {
		return nil, err
	} else if !ok {
		return nil, status.Error(codes.NotFound, "Tree object not found")
	}
	return s.Latest().CAS.ReadTreeRecursive(treeDigest, parentPath)
}

// --- Action cache operations ---

// StoreActionResult writes result into generation 0's action cache.
func (s *GenerationSet) StoreActionResult(actionID string, result *casmodel.ActionResult) error {
	return s.Latest().AC.StoreResult(actionID, result)
}

// CachedActionResult looks up actionID across generations, uplinking
// the entry (and every artifact it references) into generation 0 on
// any hit before returning it.
func (s *GenerationSet) CachedActionResult(actionID string) (*casmodel.ActionResult, bool, error) {
	latest := s.Latest()
	if result, _, found, err := latest.AC.CachedResult(actionID); err != nil {
		return nil, false, err
	} else if found {
		return result, true, nil
	}

	hit := false
	for _, g := range s.generations[1:] {
		if g.AC.Exists(actionID) {
			hit = true
			break
		}
	}
	if !hit {
		return nil, false, nil
	}

	if err := s.uplinker.UplinkActionCacheEntry(latest.AC, s.olderAC(), latest.CAS, s.olderLocalCAS(), actionID); err != nil {
		return nil, false, err
	}
	result, _, ok, err := latest.AC.CachedResult(actionID)
	return result, ok, err
}

// --- Target cache operations ---

// StoreTargetResult writes entry into generation 0's target cache.
func (s *GenerationSet) StoreTargetResult(key casmodel.TargetCacheKey, shard string, entry *casmodel.TargetResult, syncer tc.RemoteSyncer) (digest.ObjectInfo, error) {
	return s.Latest().TC.Store(key, shard, entry, syncer)
}

// CachedTargetResult looks up key under shard across generations,
// uplinking the entry (and every artifact it references) into
// generation 0 on any hit before returning it.
func (s *GenerationSet) CachedTargetResult(key casmodel.TargetCacheKey, shard string) (*casmodel.TargetResult, bool, error) {
	latest := s.Latest()
	if result, _, found, err := latest.TC.Read(key, shard); err != nil {
		return nil, false, err
	} else if found {
		return result, true, nil
	}

	keyDigest, err := latest.TC.KeyDigest(key)
	if err != nil {
		return nil, false, err
	}
	keyHash := keyDigest.GetHashString()

	hit := false
	for _, g := range s.generations[1:] {
		if g.TC.Exists(keyHash, shard) {
			hit = true
			break
		}
	}
	if !hit {
		return nil, false, nil
	}

	if err := s.uplinker.UplinkTargetCacheEntry(latest.TC, s.olderTC(), latest.CAS, s.olderLocalCAS(), keyHash, shard); err != nil {
		return nil, false, err
	}
	result, _, ok, err := latest.TC.ReadByHash(keyHash, shard)
	return result, ok, err
}
