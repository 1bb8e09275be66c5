//go:build linux

// Package unix provides platform-specific Unix helpers for spawning and
// talking to worker processes.
package unix

import (
	"os"

	"golang.org/x/sys/unix"
)

// Socketpair returns a connected pair of stream sockets. Both ends are
// close-on-exec; the child end is handed to a worker through ExtraFiles,
// which clears the flag on the duplicated descriptor.
func Socketpair(name string) (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), name+".parent"), os.NewFile(uintptr(fds[1]), name+".child"), nil
}
