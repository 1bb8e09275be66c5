//go:build darwin

// Package unix provides platform-specific Unix helpers for spawning and
// talking to worker processes.
package unix

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Socketpair returns a connected pair of stream sockets. Darwin has no
// SOCK_CLOEXEC, so the flag is set under the fork lock instead.
func Socketpair(name string) (parent, child *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), name+".parent"), os.NewFile(uintptr(fds[1]), name+".child"), nil
}
