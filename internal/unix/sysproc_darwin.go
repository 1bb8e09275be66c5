//go:build darwin

package unix

import "syscall"

// WorkerProcAttr returns the process attributes for a supervised worker.
// Darwin has no parent-death signal; workers notice the closed control
// socket instead.
func WorkerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// DetachedProcAttr returns attributes for a process that must outlive its
// parent, such as an auto-started daemon.
func DetachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
