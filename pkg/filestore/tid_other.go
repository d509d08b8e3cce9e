//go:build !linux

package filestore

import "sync/atomic"

var fallbackTidCounter int64

// gettid returns a process-unique, thread-distinguishing number on
// platforms without a native thread ID syscall. It is only used to
// keep temporary file names from colliding between concurrent writers
// within this process; it need not correspond to an OS thread ID.
func gettid() int {
	return int(atomic.AddInt64(&fallbackTidCounter, 1))
}
