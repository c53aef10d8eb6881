//go:build !windows && !linux

package proctrack

import "syscall"

// Parent-death signalling is Linux-only; other Unixes rely on the process
// group plus KillAll at shutdown.
func applyDeathSignal(attr *syscall.SysProcAttr) {}
