package agentfs

import (
	"errors"
	"fmt"
	iofs "io/fs"

	"golang.org/x/sys/unix"
)

// Error carries a POSIX errno alongside a descriptive message so that
// protocol adapters can translate engine failures without string matching.
// Errors unwrap to the matching io/fs sentinel where one exists, so
// errors.Is(err, fs.ErrNotExist) and friends work as expected.
type Error struct {
	Errno unix.Errno
	Msg   string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error {
	switch e.Errno {
	case unix.ENOENT:
		return iofs.ErrNotExist
	case unix.EEXIST:
		return iofs.ErrExist
	case unix.EPERM, unix.EACCES:
		return iofs.ErrPermission
	case unix.EINVAL:
		return iofs.ErrInvalid
	default:
		return nil
	}
}

func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return other.Errno == e.Errno
	}
	return false
}

var (
	ErrNotExist     = &Error{Errno: unix.ENOENT, Msg: "no such file or directory"}
	ErrExist        = &Error{Errno: unix.EEXIST, Msg: "file already exists"}
	ErrNotDir       = &Error{Errno: unix.ENOTDIR, Msg: "not a directory"}
	ErrIsDir        = &Error{Errno: unix.EISDIR, Msg: "is a directory"}
	ErrNotEmpty     = &Error{Errno: unix.ENOTEMPTY, Msg: "directory is not empty"}
	ErrPermission   = &Error{Errno: unix.EPERM, Msg: "permission denied"}
	ErrInvalid      = &Error{Errno: unix.EINVAL, Msg: "invalid argument"}
	ErrNotSupported = &Error{Errno: unix.ENOTSUP, Msg: "operation not supported"}
	ErrReadOnly     = &Error{Errno: unix.EROFS, Msg: "read-only filesystem"}
	ErrUnavailable  = &Error{Errno: unix.EBUSY, Msg: "store unavailable"}
)

// errnoFromErr maps any engine error to the errno protocol adapters report.
// Unknown failures become EIO, there is no more specific catch-all.
func errnoFromErr(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}

func fmtErr(base *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), base)
}
