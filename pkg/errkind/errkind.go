// Package errkind holds the error kinds shared by the device, flash and job
// packages. Callers wrap them with github.com/pkg/errors and match with errors.Is.
package errkind

import "github.com/pkg/errors"

var (
	// ErrNoDeviceAvailable means the pool has no free device. Recoverable: the
	// whole run may be retried later.
	ErrNoDeviceAvailable = errors.New("no device available")

	// ErrStaleLock means a freshly acquired device already has control-channel
	// forwarding, most likely left behind by a crashed job.
	ErrStaleLock = errors.New("device already in forwarding list")

	// ErrConfiguration covers missing directory configuration and an
	// unresolvable test-variables file.
	ErrConfiguration = errors.New("configuration error")

	// ErrDirectoryNotFound means the resolved build directory does not exist.
	ErrDirectoryNotFound = errors.New("flash directory not found")

	// ErrForward means the bridge tool failed to establish forwarding.
	ErrForward = errors.New("port forwarding failed")

	// ErrFlashFailed means a flashing script exited non-zero. Jobs tolerate it
	// and continue unflashed.
	ErrFlashFailed = errors.New("flash command failed")

	// ErrTempCleanup is returned only under the strict cleanup policy when a
	// scoped temporary directory could not be removed.
	ErrTempCleanup = errors.New("temporary directory cleanup failed")
)
