//go:build !unix

package fs

import (
	"errors"
	"io/fs"

	"filesense/internal/organizer"
)

func classify(op, path string, err error) *organizer.OpError {
	e := &organizer.OpError{Op: op, Path: path, Code: organizer.CodeUnknown, Err: err}
	switch {
	case errors.Is(err, fs.ErrPermission):
		e.Code = organizer.CodePermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		e.Code = organizer.CodeNotFound
	case errors.Is(err, fs.ErrExist):
		e.Code = organizer.CodeAlreadyExists
	}
	return e
}

// Cross-device renames are not detected here; the rename error is reported as is.
func isCrossDevice(error) bool {
	return false
}
