// Package lock implements the single advisory lock file that
// serializes garbage collection against all other storage activity
// (spec.md §5, "Advisory lock discipline"): every reader or writer of
// storage holds cache_root/gc.lock shared for the duration of its
// operation, while the GarbageCollector holds it exclusive.
//
// Grounded in original_source/src/buildtool/storage/garbage_collector.cpp's
// LockFile::Acquire, re-expressed with golang.org/x/sys/unix.Flock per
// SPEC_FULL.md §5 rather than introducing a new locking dependency.
package lock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/justcached/justcached/pkg/util"

	"google.golang.org/grpc/codes"
)

// File is a held advisory lock. Release must be called exactly once.
type File struct {
	f *os.File
}

// Path returns the fixed lock file location under cacheRoot (spec.md §6).
func Path(cacheRoot string) string {
	return cacheRoot + "/gc.lock"
}

// Acquire opens (creating if necessary) the lock file at path and
// blocks until it can flock it in the requested mode. Acquisition
// retries internally on EINTR (spec.md §7, LockContention), since a
// signal interrupting the blocking syscall is not a reason to give up.
func Acquire(path string, exclusive bool) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to open lock file")
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err == nil {
			return &File{f: f}, nil
		}
		if err == unix.EINTR {
			continue
		}
		f.Close()
		return nil, util.StatusWrapWithCode(err, codes.Aborted, "Failed to acquire lock")
	}
}

// Release unlocks and closes the lock file.
func (l *File) Release() error {
	defer l.f.Close()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return util.StatusWrapWithCode(err, codes.Internal, "Failed to release lock")
	}
	return nil
}
