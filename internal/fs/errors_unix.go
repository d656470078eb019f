//go:build unix

package fs

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"filesense/internal/organizer"
)

// classify maps an OS error onto a ledger code and failure class.
// Errors that point at the destination volume rather than one file are fatal.
func classify(op, path string, err error) *organizer.OpError {
	e := &organizer.OpError{Op: op, Path: path, Code: organizer.CodeUnknown, Err: err}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return e
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		e.Code = organizer.CodePermissionDenied
	case unix.ENOENT:
		e.Code = organizer.CodeNotFound
	case unix.EEXIST, unix.ENOTEMPTY:
		e.Code = organizer.CodeAlreadyExists
	case unix.EBUSY, unix.ETXTBSY:
		e.Code = organizer.CodeInUse
	case unix.ENOSPC, unix.EDQUOT:
		e.Code, e.Fatal = organizer.CodeDiskFull, true
	case unix.EROFS:
		e.Code, e.Fatal = organizer.CodeReadOnly, true
	case unix.EIO:
		e.Code, e.Fatal = organizer.CodeIOError, true
	case unix.ENOTCONN, unix.ENODEV, unix.ENXIO, unix.ESTALE, unix.EHOSTDOWN:
		e.Code, e.Fatal = organizer.CodeUnavailable, true
		e.Err = organizer.WrapError(organizer.ErrDestinationUnavailable, op, err)
	}
	return e
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
