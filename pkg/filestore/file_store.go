// Package filestore implements the bottom-most layer of the storage
// core (spec.md §4.1, component C1): atomic, race-free placement of a
// single content-addressed file into a two-level sharded directory
// tree rooted at one directory.
//
// The teacher repository models local storage through a generic
// Directory/DirectoryCloser virtual-filesystem abstraction
// (pkg/filesystem) that supports symlinks, junctions and bind mounts —
// machinery this flat, single-purpose store does not need. FileStore
// instead talks to the filesystem directly through os and
// golang.org/x/sys/unix, the same primitives the teacher's
// local_directory_unix.go uses under the hood (Link, Rename, Fsync),
// following spec.md §4.1/§5's atomic-placement contract.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	fileStorePrometheusMetrics sync.Once

	fileStorePlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "justcached",
			Subsystem: "filestore",
			Name:      "placements_total",
			Help:      "Number of times an object was installed into a FileStore, by whether a new file was created or an existing one was reused",
		},
		[]string{"root", "outcome"})
)

func registerFileStoreMetrics() {
	fileStorePrometheusMetrics.Do(func() {
		prometheus.MustRegister(fileStorePlacements)
	})
}

// RenamePolicy selects how AddFromBytes/AddFromFile install the final
// file once its bytes are staged in a temporary location.
type RenamePolicy int

const (
	// FirstWins installs via link+unlink; if the target already
	// exists, the call is treated as a success (spec.md §4.1). It is
	// used for every CAS lane, since content-addressing guarantees
	// that two writers racing to create the same path are writing
	// identical bytes.
	FirstWins RenamePolicy = iota
	// LastWins installs via a plain rename, unconditionally
	// overwriting any existing file. It is used only for mutable
	// caches (the AC and TC indirection files). AddFromBytes fsyncs
	// the staged file before renaming it under this policy.
	LastWins
)

// Epoch is the fixed timestamp every CAS entry's mtime is pinned to, so
// that the filesystem's mtime is never load-bearing (spec.md §3).
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// FileStore installs content-addressed files under one root directory,
// sharded by the first two hex characters of the object's identifier.
type FileStore struct {
	root    string
	policy  RenamePolicy
	uuidGen util.UUIDGenerator
}

// New creates a FileStore rooted at root, which must already exist.
// Temporary-file names are suffixed with a UUID from uuid.NewRandom;
// tests that need deterministic temp paths can swap FileStore.uuidGen.
func New(root string, policy RenamePolicy) *FileStore {
	registerFileStoreMetrics()
	return &FileStore{root: root, policy: policy, uuidGen: uuid.NewRandom}
}

func (fs *FileStore) observePlacement(created bool) {
	outcome := "reused"
	if created {
		outcome = "created"
	}
	fileStorePlacements.WithLabelValues(fs.root, outcome).Inc()
}

// GetPath returns the path an identifier would be installed at. It is
// a pure function; it performs no I/O.
func (fs *FileStore) GetPath(id string) string {
	if len(id) < 2 {
		return filepath.Join(fs.root, id)
	}
	return filepath.Join(fs.root, id[:2], id[2:])
}

func (fs *FileStore) tempPath() string {
	id := util.Must(fs.uuidGen())
	return filepath.Join(fs.root, fmt.Sprintf(".tmp.%d.%d.%s", os.Getpid(), gettid(), id.String()))
}

// permissionsFor returns the mode new entries of the given executable-
// ness are written with: always read-only, per spec.md §4.1.
func permissionsFor(executable bool) os.FileMode {
	if executable {
		return 0o555
	}
	return 0o444
}

func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !os.IsExist(err) {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create parent directory")
	}
	return nil
}

// AddFromBytes installs data at the path named by id. It returns
// whether a new file was created (false indicates an existing,
// first-wins file was reused).
func (fs *FileStore) AddFromBytes(id string, data []byte, executable bool) (bool, error) {
	target := fs.GetPath(id)
	if fs.policy == FirstWins {
		if fi, err := os.Lstat(target); err == nil && fi.Mode().IsRegular() {
			fs.observePlacement(false)
			return false, nil
		}
	}

	if err := ensureParentDir(target); err != nil {
		return false, err
	}
	tmp := fs.tempPath()
	if err := os.WriteFile(tmp, data, permissionsFor(executable)); err != nil {
		return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to write temporary file")
	}
	defer os.Remove(tmp)
	if err := os.Chtimes(tmp, Epoch, Epoch); err != nil {
		return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to pin mtime of temporary file")
	}
	if fs.policy == LastWins {
		// Mutable cache entries are made durable before they are
		// renamed into place.
		f, err := os.Open(tmp)
		if err == nil {
			err = f.Sync()
			f.Close()
		}
		if err != nil {
			return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to sync temporary file")
		}
	}

	created, err := fs.install(tmp, target)
	return created, err
}

// AddFromFile installs the file at sourcePath under id. If isOwner is
// true and the store uses FirstWins, the source file is hard-linked
// directly into place (no copy, no temporary file) whenever possible;
// otherwise its bytes are copied through a temporary path first.
func (fs *FileStore) AddFromFile(id string, sourcePath string, isOwner bool, executable bool) (bool, error) {
	target := fs.GetPath(id)
	if fs.policy == FirstWins {
		if fi, err := os.Lstat(target); err == nil && fi.Mode().IsRegular() {
			fs.observePlacement(false)
			return false, nil
		}
	}
	if err := ensureParentDir(target); err != nil {
		return false, err
	}

	if isOwner && fs.policy == FirstWins {
		if err := os.Chmod(sourcePath, permissionsFor(executable)); err != nil {
			return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to set permissions on source file")
		}
		if err := os.Chtimes(sourcePath, Epoch, Epoch); err != nil {
			return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to pin mtime of source file")
		}
		created, err := fs.install(sourcePath, target)
		if err == nil {
			return created, nil
		}
		// Fall through to copy semantics if the direct link could
		// not be completed (e.g. cross-device source).
	}

	tmp := fs.tempPath()
	if err := copyFile(sourcePath, tmp, permissionsFor(executable)); err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	if err := os.Chtimes(tmp, Epoch, Epoch); err != nil {
		return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to pin mtime of temporary file")
	}
	return fs.install(tmp, target)
}

// install moves tmp into target according to the store's
// RenamePolicy, and reports whether a new file was created.
func (fs *FileStore) install(tmp, target string) (bool, error) {
	created, err := fs.installUnobserved(tmp, target)
	if err == nil {
		fs.observePlacement(created)
	}
	return created, err
}

func (fs *FileStore) installUnobserved(tmp, target string) (bool, error) {
	switch fs.policy {
	case LastWins:
		if err := os.Rename(tmp, target); err != nil {
			return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to rename into place")
		}
		return true, nil
	default: // FirstWins
		err := unix.Link(tmp, target)
		if err == nil {
			return true, nil
		}
		if err == unix.EEXIST {
			// Another writer (or a previous call) won the
			// race. Verify the winner is a regular file before
			// declaring success, per spec.md §4.1.
			if fi, statErr := os.Lstat(target); statErr == nil && fi.Mode().IsRegular() {
				return false, nil
			}
			return false, status.Error(codes.Internal, "Link target exists but is not a regular file")
		}
		return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to link into place")
	}
}

func copyFile(sourcePath, destPath string, mode os.FileMode) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to open source file")
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to create temporary file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to copy file contents")
	}
	return nil
}

// LinkFrom hard-links sourcePath (an existing, immutable entry in
// another FileStore) into place under id, without copying or touching
// its permissions or mtime. It is used by the Uplinker to move an
// object into a younger generation in O(1), regardless of this store's
// own RenamePolicy: a hard link either lands the object or, on EEXIST,
// means another writer already uplinked it, both of which are success.
// It reports whether this call was the one that created the link.
func (fs *FileStore) LinkFrom(id string, sourcePath string) (bool, error) {
	target := fs.GetPath(id)
	if fi, err := os.Lstat(target); err == nil && fi.Mode().IsRegular() {
		fs.observePlacement(false)
		return false, nil
	}
	if err := ensureParentDir(target); err != nil {
		return false, err
	}
	err := unix.Link(sourcePath, target)
	if err == nil {
		fs.observePlacement(true)
		return true, nil
	}
	if err == unix.EEXIST {
		if fi, statErr := os.Lstat(target); statErr == nil && fi.Mode().IsRegular() {
			fs.observePlacement(false)
			return false, nil
		}
		return false, status.Error(codes.Internal, "Link target exists but is not a regular file")
	}
	if err == unix.EMLINK {
		return false, fmt.Errorf("%w: %s", ErrLinkCountExceeded, err)
	}
	return false, util.StatusWrapWithCode(err, codes.Internal, "Failed to link into place")
}

// ErrLinkCountExceeded is returned (wrapped) by LinkFrom when the
// source file has already reached the filesystem's maximum hard-link
// count (EMLINK). RehashCache.Read falls back to writing a fresh copy
// in that case, per spec.md §4.10; the Uplinker has no such fallback
// and returns the error to its caller.
var ErrLinkCountExceeded = fmt.Errorf("hard link count exceeded")

// Exists reports whether id is currently installed.
func (fs *FileStore) Exists(id string) bool {
	fi, err := os.Lstat(fs.GetPath(id))
	return err == nil && fi.Mode().IsRegular()
}
