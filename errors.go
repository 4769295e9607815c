package mtbfagent

import (
	"github.com/pkg/errors"

	"github.com/httprunner/MTBFAgent/pkg/errkind"
)

// Error kinds surfaced by Job.Run.
var (
	ErrNoDeviceAvailable = errkind.ErrNoDeviceAvailable
	ErrStaleLock         = errkind.ErrStaleLock
	ErrConfiguration     = errkind.ErrConfiguration
	ErrDirectoryNotFound = errkind.ErrDirectoryNotFound
	ErrForward           = errkind.ErrForward
	ErrFlashFailed       = errkind.ErrFlashFailed
	ErrTempCleanup       = errkind.ErrTempCleanup
)

// Process exit codes per error kind.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitNoDeviceAvailable = 3
	ExitStaleLock         = 4
	ExitConfiguration     = 5
	ExitDirectoryNotFound = 6
	ExitForward           = 7
)

// ExitCode maps a Run error onto a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrNoDeviceAvailable):
		return ExitNoDeviceAvailable
	case errors.Is(err, ErrStaleLock):
		return ExitStaleLock
	case errors.Is(err, ErrConfiguration):
		return ExitConfiguration
	case errors.Is(err, ErrDirectoryNotFound):
		return ExitDirectoryNotFound
	case errors.Is(err, ErrForward):
		return ExitForward
	default:
		return ExitFailure
	}
}
