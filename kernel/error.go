package kernel

import (
	"github.com/go-errors/errors"
	"golang.org/x/sys/unix"
)

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Errno is the value reported back to user space when the error
	// surfaces through a system call. It is 0 for errors that never leave
	// the kernel.
	Errno unix.Errno
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// ErrnoOf returns the errno value carried by the *Error in err's chain or
// EINVAL if there is none or it does not carry one.
func ErrnoOf(err error) unix.Errno {
	var kerr *Error
	if errors.As(err, &kerr) && kerr != nil && kerr.Errno != 0 {
		return kerr.Errno
	}

	return unix.EINVAL
}
