//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid, falling back to pid alone.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		return unix.Kill(pid, sig)
	}
	// Negative PGID targets the full process group.
	return unix.Kill(-pgid, sig)
}
