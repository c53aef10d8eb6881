// Package proctrack keeps a process-wide registry of spawned worker
// processes so that none of them outlives the host. Children are placed in
// their own process group at spawn time, which lets the tracker (and the
// operating system, if the host dies without cleaning up) take the whole
// subtree down.
package proctrack

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Tracker is a registry of live worker process IDs.
type Tracker struct {
	mu     sync.Mutex
	procs  map[int]struct{}
	logger zerolog.Logger
}

// New creates a new tracker.
func New(logger zerolog.Logger) *Tracker {
	return &Tracker{
		procs:  make(map[int]struct{}),
		logger: logger.With().Str("component", "proctrack").Logger(),
	}
}

// Prepare configures cmd so its process is tied to the host before it is
// started. Must be called before cmd.Start. On Unix this puts the child in
// its own process group and arranges for the kernel to deliver SIGKILL to it
// if the host dies, so cleanup does not depend on any in-process hook.
func (t *Tracker) Prepare(cmd *exec.Cmd) {
	prepareCommand(cmd)
}

// Register records a running process ID.
func (t *Tracker) Register(pid int) {
	if pid <= 0 {
		return
	}
	t.mu.Lock()
	t.procs[pid] = struct{}{}
	t.mu.Unlock()

	t.logger.Debug().Int("pid", pid).Msg("Registered worker process")
}

// Unregister removes a process ID once its clean exit has been confirmed.
func (t *Tracker) Unregister(pid int) {
	t.mu.Lock()
	delete(t.procs, pid)
	t.mu.Unlock()

	t.logger.Debug().Int("pid", pid).Msg("Unregistered worker process")
}

// Pids returns the registered process IDs.
func (t *Tracker) Pids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	return pids
}

// Count returns the number of registered processes.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Alive reports whether a registered process is still running.
func (t *Tracker) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything.
	return proc.Signal(syscall.Signal(0)) == nil
}

// KillAll force-terminates every registered process and empties the
// registry. Individual failures are logged, never fatal; a process that is
// already gone counts as terminated.
func (t *Tracker) KillAll() {
	t.mu.Lock()
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	t.procs = make(map[int]struct{})
	t.mu.Unlock()

	for _, pid := range pids {
		if err := killProcess(pid); err != nil {
			t.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to kill worker process")
			continue
		}
		t.logger.Debug().Int("pid", pid).Msg("Killed worker process")
	}
}
