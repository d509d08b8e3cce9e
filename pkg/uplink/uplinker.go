// Package uplink implements the Uplinker (spec.md §4.8, component C8):
// the primitive that enforces Invariant 5 by hard-linking objects found
// in an older generation into the youngest one, children before
// parents, so that a successful read always leaves its object reachable
// from generation 0.
package uplink

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/justcached/justcached/pkg/ac"
	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/tc"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxConcurrentChildUplinks bounds how many of a tree's children are
// uplinked at once. Per spec.md §5 this layer offers no cancellation;
// the bound only caps fan-out, it is never used to abort in flight.
const maxConcurrentChildUplinks = 8

var (
	uplinkerPrometheusMetrics sync.Once

	uplinkerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "justcached",
			Subsystem: "uplink",
			Name:      "operations_total",
			Help:      "Number of Uplinker operations, by object kind and whether the object had to be linked forward or was already present in generation 0",
		},
		[]string{"kind", "outcome"})
)

func registerUplinkerMetrics() {
	uplinkerPrometheusMetrics.Do(func() {
		prometheus.MustRegister(uplinkerOperations)
	})
}

// Uplinker is stateless; all state lives in the generations it is
// handed on each call.
type Uplinker struct{}

// New constructs an Uplinker.
func New() *Uplinker {
	registerUplinkerMetrics()
	return &Uplinker{}
}

// UplinkBlob ensures d is present in dst, hard-linking it from whichever
// of older currently holds it if it is not already there.
func (u *Uplinker) UplinkBlob(dst *localcas.LocalCAS, older []*localcas.LocalCAS, d digest.Digest, executable bool) error {
	if _, ok, err := dst.BlobPath(d, executable); err != nil {
		return err
	} else if ok {
		uplinkerOperations.WithLabelValues("blob", "already_present").Inc()
		return nil
	}
	for _, src := range older {
		p, ok, err := src.BlobPath(d, executable)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := dst.UplinkBlobFrom(d, executable, p); err != nil {
			return err
		}
		uplinkerOperations.WithLabelValues("blob", "linked").Inc()
		return nil
	}
	return status.Errorf(codes.NotFound, "Blob %s is not present in any generation", d)
}

// UplinkLargeBlob uplinks a blob that some deployments split into
// chunks behind a manifest. This storage core never splits blobs (no
// component models chunked large-object storage), so a "large blob" is
// just a blob and this delegates directly to UplinkBlob; it exists so
// callers written against spec.md's primitive list have a stable name
// to call regardless of how a given object happened to be produced.
func (u *Uplinker) UplinkLargeBlob(dst *localcas.LocalCAS, older []*localcas.LocalCAS, d digest.Digest, executable bool) error {
	return u.UplinkBlob(dst, older, d, executable)
}

// UplinkTree deep-uplinks a tree: every child is uplinked first
// (recursively, for subtrees), then the tree object itself. Native
// symlink children additionally carry a target-text blob in the file
// lane that must be uplinked alongside them.
func (u *Uplinker) UplinkTree(dst *localcas.LocalCAS, older []*localcas.LocalCAS, treeDigest digest.Digest) error {
	if _, ok := dst.TreePath(treeDigest); ok {
		uplinkerOperations.WithLabelValues("tree", "already_present").Inc()
		return nil
	}

	src, srcPath, err := u.findTree(dst, older, treeDigest)
	if err != nil {
		return err
	}

	children, err := src.ReadTreeDirect(treeDigest, "")
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(maxConcurrentChildUplinks)
	group, ctx := errgroup.WithContext(context.Background())
	for _, c := range children {
		c := c
		group.Go(func() error {
			if err := util.AcquireSemaphore(ctx, sem, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			switch c.Info.Type {
			case digest.File, digest.Executable:
				return u.UplinkBlob(dst, older, c.Info.Digest, c.Info.Type == digest.Executable)
			case digest.Tree:
				return u.UplinkTree(dst, older, c.Info.Digest)
			case digest.Symlink:
				if src.GetProtocol() == digest.Native && c.Info.Digest.IsValid() {
					return u.UplinkBlob(dst, older, c.Info.Digest, false)
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	if _, err = dst.UplinkTreeFrom(treeDigest, srcPath); err != nil {
		return err
	}
	uplinkerOperations.WithLabelValues("tree", "linked").Inc()
	return nil
}

func (u *Uplinker) findTree(dst *localcas.LocalCAS, older []*localcas.LocalCAS, treeDigest digest.Digest) (*localcas.LocalCAS, string, error) {
	if p, ok := dst.TreePath(treeDigest); ok {
		return dst, p, nil
	}
	for _, src := range older {
		if p, ok := src.TreePath(treeDigest); ok {
			return src, p, nil
		}
	}
	return nil, "", status.Errorf(codes.NotFound, "Tree %s is not present in any generation", treeDigest)
}

// UplinkActionCacheEntry uplinks every artifact the ActionResult for
// actionID references, then the ActionResult blob, then the AC
// indirection file, ordered children-before-parent per spec.md §4.8.
func (u *Uplinker) UplinkActionCacheEntry(dst *ac.ActionCache, older []*ac.ActionCache, dstCAS *localcas.LocalCAS, olderCAS []*localcas.LocalCAS, actionID string) error {
	if dst.Exists(actionID) {
		uplinkerOperations.WithLabelValues("action_cache_entry", "already_present").Inc()
		return nil
	}

	var source *ac.ActionCache
	for _, src := range older {
		if src.Exists(actionID) {
			source = src
			break
		}
	}
	if source == nil {
		return status.Errorf(codes.NotFound, "Action cache entry %q is not present in any generation", actionID)
	}

	result, info, found, err := source.CachedResult(actionID)
	if err != nil {
		return err
	}
	if !found {
		return status.Errorf(codes.NotFound, "Action cache entry %q is corrupt in its owning generation", actionID)
	}

	if err := u.uplinkActionResultArtifacts(dst, dstCAS, olderCAS, result); err != nil {
		return err
	}
	if err := u.UplinkBlob(dstCAS, olderCAS, info.Digest, false); err != nil {
		return err
	}

	if _, err = dst.UplinkEntryFrom(actionID, source.EntryPath(actionID)); err != nil {
		return err
	}
	uplinkerOperations.WithLabelValues("action_cache_entry", "linked").Inc()
	return nil
}

func (u *Uplinker) uplinkActionResultArtifacts(dst *ac.ActionCache, dstCAS *localcas.LocalCAS, olderCAS []*localcas.LocalCAS, result *casmodel.ActionResult) error {
	for _, f := range result.OutputFiles {
		d, err := digest.New(dstCAS.GetProtocol(), digest.File, f.Hash, f.SizeBytes)
		if err != nil {
			return err
		}
		if err := u.UplinkBlob(dstCAS, olderCAS, d, f.Executable); err != nil {
			return err
		}
	}
	for _, dir := range result.OutputDirectories {
		d, err := digest.New(dstCAS.GetProtocol(), digest.Tree, dir.TreeHash, dir.SizeBytes)
		if err != nil {
			return err
		}
		if err := u.UplinkTree(dstCAS, olderCAS, d); err != nil {
			return err
		}
	}
	return nil
}

// UplinkTargetCacheEntry uplinks every artifact the TargetResult for
// keyHash under shard references (trees uplinked deeply), then the
// TargetResult blob, then the TC indirection file, ordered
// children-before-parent.
func (u *Uplinker) UplinkTargetCacheEntry(dst *tc.TargetCache, older []*tc.TargetCache, dstCAS *localcas.LocalCAS, olderCAS []*localcas.LocalCAS, keyHash string, shard string) error {
	if dst.Exists(keyHash, shard) {
		uplinkerOperations.WithLabelValues("target_cache_entry", "already_present").Inc()
		return nil
	}

	var source *tc.TargetCache
	for _, src := range older {
		if src.Exists(keyHash, shard) {
			source = src
			break
		}
	}
	if source == nil {
		return status.Errorf(codes.NotFound, "Target cache entry %q is not present in any generation", keyHash)
	}

	result, info, found, err := source.ReadByHash(keyHash, shard)
	if err != nil {
		return err
	}
	if !found {
		return status.Errorf(codes.NotFound, "Target cache entry %q is corrupt in its owning generation", keyHash)
	}

	for _, artifact := range result.Artifacts {
		if artifact.Type == digest.Tree {
			d, err := digest.New(dstCAS.GetProtocol(), digest.Tree, artifact.Hash, artifact.SizeBytes)
			if err != nil {
				return err
			}
			if err := u.UplinkTree(dstCAS, olderCAS, d); err != nil {
				return err
			}
			continue
		}
		d, err := digest.New(dstCAS.GetProtocol(), digest.File, artifact.Hash, artifact.SizeBytes)
		if err != nil {
			return err
		}
		if err := u.UplinkBlob(dstCAS, olderCAS, d, artifact.Type == digest.Executable); err != nil {
			return err
		}
	}

	if err := u.UplinkBlob(dstCAS, olderCAS, info.Digest, false); err != nil {
		return err
	}

	if _, err = dst.UplinkEntryFrom(keyHash, shard, source.EntryPath(keyHash, shard)); err != nil {
		return err
	}
	uplinkerOperations.WithLabelValues("target_cache_entry", "linked").Inc()
	return nil
}
