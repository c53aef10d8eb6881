package plugin

import "errors"

// Lifecycle errors are kept distinguishable so the UI can tell "never
// started" from "crashed" from "timed out" and offer a restart action.
var (
	ErrNotFound       = errors.New("plugin not found")
	ErrNotRunning     = errors.New("plugin instance is not running")
	ErrCrashed        = errors.New("plugin instance has crashed")
	ErrAlreadyRunning = errors.New("plugin instance is already running")
	ErrStartTimeout   = errors.New("plugin start timed out")
	ErrInvokeTimeout  = errors.New("plugin command invocation timed out")
	ErrUnknownCommand = errors.New("unknown plugin command")
	ErrInvalidPayload = errors.New("command payload does not match its schema")
)
