//go:build linux

package proctrack

import "syscall"

// On Linux the kernel can deliver a signal to the child when the parent
// dies, which covers host crashes where no cleanup code runs at all.
func applyDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
