//go:build !windows

package proctrack

import (
	"os/exec"
	"syscall"
)

func prepareCommand(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Own process group so the whole worker subtree can be signalled at
	// once with kill(-pgid).
	cmd.SysProcAttr.Setpgid = true
	applyDeathSignal(cmd.SysProcAttr)
}

func killProcess(pid int) error {
	// Negative pid targets the process group created in prepareCommand.
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	if err != nil {
		// Fall back to the single process when the group is gone.
		if ferr := syscall.Kill(pid, syscall.SIGKILL); ferr == nil || ferr == syscall.ESRCH {
			return nil
		}
	}
	return err
}
