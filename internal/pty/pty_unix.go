//go:build !windows

package pty

import (
	"golang.org/x/sys/unix"
)

// signalGroup sends SIGHUP and SIGTERM to the process group led by pid, the
// way a closing terminal would, and returns the group id. If the group cannot
// be resolved the process itself is killed and the group id is 0.
func signalGroup(pid int) (int, error) {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return 0, unix.Kill(pid, unix.SIGKILL)
	}
	if err := unix.Kill(-pgid, unix.SIGHUP); err != nil {
		return pgid, err
	}
	_ = unix.Kill(-pgid, unix.SIGTERM)
	return pgid, nil
}

// killGroup sends SIGKILL to every process in the group.
func killGroup(pgid int) error {
	return unix.Kill(-pgid, unix.SIGKILL)
}
