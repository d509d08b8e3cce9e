// Package ac implements the Action Cache (spec.md §4.4, component C4):
// a persistent map from an action-fingerprint digest to an
// ActionResult, stored as an indirection file pointing at a CAS blob.
package ac

import (
	"os"

	"github.com/justcached/justcached/pkg/casmodel"
	"github.com/justcached/justcached/pkg/digest"
	"github.com/justcached/justcached/pkg/filestore"
	"github.com/justcached/justcached/pkg/localcas"
	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
)

// ActionCache is a single generation's action cache. It stores, for
// each action-fingerprint hex, the canonical ObjectInfo string of the
// ActionResult CAS blob that action produced.
type ActionCache struct {
	cas   *localcas.LocalCAS
	store *filestore.FileStore
}

// New constructs an ActionCache rooted at root (a directory named "ac"
// under one generation), backed by cas for its ActionResult blobs.
func New(root string, cas *localcas.LocalCAS) *ActionCache {
	return &ActionCache{
		cas:   cas,
		store: filestore.New(root, filestore.LastWins),
	}
}

// StoreResult serializes result canonically, stores it as a CAS blob,
// then writes the action-id indirection file using last-wins
// placement, so that a failed run stored earlier can be overwritten by
// a successful rerun (spec.md §4.4). Storing is uniform regardless of
// exit code; the "do not short-circuit failed actions" rule is a
// client-side contract enforced by the caller, not by this store.
func (a *ActionCache) StoreResult(actionID string, result *casmodel.ActionResult) error {
	data, err := result.MarshalCanonical()
	if err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal action result")
	}
	d, err := a.cas.StoreBlob(data, false)
	if err != nil {
		return err
	}
	info := digest.NewObjectInfo(d, digest.File)
	_, err = a.store.AddFromBytes(actionID, []byte(info.String()), false)
	return err
}

// CachedResult reads the action-id entry, resolves its ActionResult CAS
// blob, and decodes it. A missing entry yields (nil, ObjectInfo{}, false, nil). A
// structurally corrupt entry causes the entry to be proactively
// unlinked and is reported as absent, per spec.md §7 (Corrupt →
// "treated as absent for that call and may be proactively unlinked").
func (a *ActionCache) CachedResult(actionID string) (*casmodel.ActionResult, digest.ObjectInfo, bool, error) {
	path := a.store.GetPath(actionID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, digest.ObjectInfo{}, false, nil
		}
		return nil, digest.ObjectInfo{}, false, util.StatusWrapWithCode(err, codes.Internal, "Failed to read action cache entry")
	}

	info, err := digest.ParseObjectInfo(a.cas.GetProtocol(), string(raw))
	if err != nil {
		os.Remove(path)
		return nil, digest.ObjectInfo{}, false, nil
	}

	blobData, found, readErr := a.readActionResultBlob(info.Digest)
	if readErr != nil {
		return nil, digest.ObjectInfo{}, false, readErr
	}
	if !found {
		os.Remove(path)
		return nil, digest.ObjectInfo{}, false, nil
	}
	result, parseErr := casmodel.UnmarshalActionResult(blobData)
	if parseErr != nil {
		os.Remove(path)
		return nil, digest.ObjectInfo{}, false, nil
	}
	return result, info, true, nil
}

// readActionResultBlob fetches the raw ActionResult JSON from the CAS.
func (a *ActionCache) readActionResultBlob(d digest.Digest) ([]byte, bool, error) {
	return a.cas.GetBlob(d)
}

// EntryPath returns the on-disk path of the indirection file for
// actionID, used by the Uplinker.
func (a *ActionCache) EntryPath(actionID string) string {
	return a.store.GetPath(actionID)
}

// Exists reports whether an entry for actionID is present in this
// generation.
func (a *ActionCache) Exists(actionID string) bool {
	_, err := os.Lstat(a.store.GetPath(actionID))
	return err == nil
}

// UplinkEntryFrom hard-links an AC indirection file already present at
// sourcePath in another generation into this one, used by the
// Uplinker.
func (a *ActionCache) UplinkEntryFrom(actionID string, sourcePath string) (bool, error) {
	return a.store.LinkFrom(actionID, sourcePath)
}
