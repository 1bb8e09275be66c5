//go:build linux

package unix

import "syscall"

// WorkerProcAttr returns the process attributes for a supervised worker.
// Workers receive SIGTERM when the daemon thread that spawned them dies.
func WorkerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}

// DetachedProcAttr returns attributes for a process that must outlive its
// parent, such as an auto-started daemon.
func DetachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
