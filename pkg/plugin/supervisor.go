package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mkent/workbench/pkg/proctrack"
)

// SupervisorConfig bounds the blocking operations of one supervisor.
type SupervisorConfig struct {
	StartTimeout    time.Duration
	InvokeTimeout   time.Duration
	StopTimeout     time.Duration
	MonitorInterval time.Duration
}

// DefaultSupervisorConfig returns the default timeouts.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		StartTimeout:    10 * time.Second,
		InvokeTimeout:   30 * time.Second,
		StopTimeout:     5 * time.Second,
		MonitorInterval: 250 * time.Millisecond,
	}
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	def := DefaultSupervisorConfig()
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = def.InvokeTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	return c
}

// Supervisor owns the lifecycle of one running plugin instance: spawn,
// readiness, command invocation with timeout, graceful stop, forced
// termination and crash detection.
type Supervisor struct {
	manifest Manifest
	hostInfo HostInfo
	cfg      SupervisorConfig
	tracker  *proctrack.Tracker
	sink     EventSink
	logger   zerolog.Logger

	mu        sync.Mutex
	state     InstanceState
	w         worker
	startedAt time.Time
	lastErr   error

	startOnce sync.Once
	startErr  error
	ready     chan struct{}

	// inflight serializes commands per instance: one in-flight command at
	// a time, extra calls queue. A timed-out call releases the slot and is
	// abandoned, so a slow command cannot wedge the instance.
	inflight chan struct{}

	monitorStop chan struct{}
	stopMonitor sync.Once

	consecutiveTimeouts atomic.Int32
}

// NewSupervisor creates a supervisor for one instance of the plugin.
func NewSupervisor(manifest Manifest, hostInfo HostInfo, cfg SupervisorConfig, tracker *proctrack.Tracker, sink EventSink, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		manifest:    manifest,
		hostInfo:    hostInfo,
		cfg:         cfg.withDefaults(),
		tracker:     tracker,
		sink:        sink,
		logger:      logger.With().Str("component", "plugin-supervisor").Str("plugin", manifest.PluginID).Logger(),
		state:       StateNotStarted,
		ready:       make(chan struct{}),
		inflight:    make(chan struct{}, 1),
		monitorStop: make(chan struct{}),
	}
}

// Start launches the worker and waits for its readiness handshake. Safe to
// call from multiple goroutines: the first caller performs the start, the
// rest block until the outcome is known and share it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
		close(s.ready)
	})
	select {
	case <-s.ready:
		return s.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start instance in state %s", ErrAlreadyRunning, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.Info().Str("entryPoint", s.manifest.EntryPoint).Msg("Starting plugin worker")

	w, err := newWorker(s.manifest, s.tracker, s.cfg.StartTimeout, s.logger)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "timeout") {
			return s.failStart(fmt.Errorf("%w: %v", ErrStartTimeout, err))
		}
		return s.failStart(fmt.Errorf("failed to launch worker: %w", err))
	}

	s.tracker.Register(w.Pid())

	// Context bundle plus the event backchannel, delivered before the
	// instance is considered running.
	if err := w.Init(s.hostInfo, s.sink); err != nil {
		w.Kill()
		s.tracker.Unregister(w.Pid())
		return s.failStart(fmt.Errorf("plugin init failed: %w", err))
	}

	select {
	case <-ctx.Done():
		w.Kill()
		s.tracker.Unregister(w.Pid())
		return s.failStart(ctx.Err())
	default:
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// A stop arrived while the worker was launching. The instance is
		// already Stopping or Stopped and must not come back to life; the
		// freshly launched worker is torn down instead.
		state := s.state
		s.mu.Unlock()
		w.Kill()
		s.tracker.Unregister(w.Pid())
		s.logger.Info().Int("pid", w.Pid()).Msg("Stop requested during startup, discarding worker")
		return fmt.Errorf("%w: instance went %s during startup", ErrNotRunning, state)
	}
	s.w = w
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	go s.monitor(w)

	s.publish(EventPluginStarted, "")
	s.logger.Info().Int("pid", w.Pid()).Msg("Plugin worker running")
	return nil
}

func (s *Supervisor) failStart(err error) error {
	s.mu.Lock()
	// A stop that raced the launch already owns the terminal state.
	if s.state == StateStarting {
		s.state = StateCrashed
		s.lastErr = err
	}
	s.mu.Unlock()

	s.logger.Error().Err(err).Msg("Plugin worker failed to start")
	return err
}

// Invoke sends one correlated command to the worker and waits for the
// reply or the deadline. A timeout abandons the local call without
// crashing the instance; a subsequent invoke remains possible.
func (s *Supervisor) Invoke(ctx context.Context, command, payload string) (string, error) {
	s.mu.Lock()
	state := s.state
	w := s.w
	lastErr := s.lastErr
	s.mu.Unlock()

	switch state {
	case StateRunning:
	case StateCrashed:
		return "", fmt.Errorf("%w: %v", ErrCrashed, lastErr)
	default:
		return "", fmt.Errorf("%w: instance is %s", ErrNotRunning, state)
	}

	if err := s.validatePayload(command, payload); err != nil {
		return "", err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	defer cancel()

	// Per-instance FIFO: queue for the single in-flight slot.
	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		s.consecutiveTimeouts.Add(1)
		return "", fmt.Errorf("%w: %s.%s queued past deadline", ErrInvokeTimeout, s.manifest.PluginID, command)
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() { <-s.inflight })
	}

	requestID, _ := gonanoid.New()
	inv := Invocation{
		RequestID: requestID,
		PluginID:  s.manifest.PluginID,
		Command:   command,
		Payload:   payload,
	}

	type invokeResult struct {
		result string
		err    error
	}
	resCh := make(chan invokeResult, 1)

	go func() {
		result, err := w.Invoke(inv)
		resCh <- invokeResult{result: result, err: err}
		// If the caller already timed out this is a no-op; the slot was
		// handed back when the call was abandoned.
		release()
	}()

	s.logger.Debug().
		Str("requestId", requestID).
		Str("command", command).
		Msg("Invocation started")

	select {
	case res := <-resCh:
		if res.err != nil {
			s.logger.Warn().
				Err(res.err).
				Str("requestId", requestID).
				Str("command", command).
				Msg("Invocation failed")
			return "", res.err
		}
		s.consecutiveTimeouts.Store(0)
		return res.result, nil

	case <-ctx.Done():
		// The worker may not cooperate with cancellation; the local call
		// is treated as abandoned regardless.
		release()
		s.consecutiveTimeouts.Add(1)
		s.logger.Warn().
			Str("requestId", requestID).
			Str("command", command).
			Dur("timeout", s.cfg.InvokeTimeout).
			Msg("Invocation timed out")
		return "", fmt.Errorf("%w: %s.%s (request %s)", ErrInvokeTimeout, s.manifest.PluginID, command, requestID)
	}
}

// validatePayload checks a command against the manifest's static command
// list when one is declared: unknown names and schema-violating payloads
// are caller errors, not worker errors.
func (s *Supervisor) validatePayload(command, payload string) error {
	if len(s.manifest.Commands) == 0 {
		return nil
	}

	var declared *Command
	for i := range s.manifest.Commands {
		if s.manifest.Commands[i].Name == command {
			declared = &s.manifest.Commands[i]
			break
		}
	}
	if declared == nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCommand, s.manifest.PluginID, command)
	}

	if declared.PayloadSchema == nil || payload == "" {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(declared.PayloadSchema),
		gojsonschema.NewStringLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return fmt.Errorf("%w: %s", ErrInvalidPayload, errMsg)
	}
	return nil
}

// GetCommands returns the plugin's commands. A static list in the manifest
// is an acceptable cache instead of a round trip; freshness across plugin
// self-updates is not guaranteed.
func (s *Supervisor) GetCommands(ctx context.Context) ([]Command, error) {
	if len(s.manifest.Commands) > 0 {
		return s.manifest.Commands, nil
	}

	s.mu.Lock()
	state := s.state
	w := s.w
	lastErr := s.lastErr
	s.mu.Unlock()

	switch state {
	case StateRunning:
	case StateCrashed:
		return nil, fmt.Errorf("%w: %v", ErrCrashed, lastErr)
	default:
		return nil, fmt.Errorf("%w: instance is %s", ErrNotRunning, state)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.InvokeTimeout)
	defer cancel()

	type commandsResult struct {
		commands []Command
		err      error
	}
	resCh := make(chan commandsResult, 1)
	go func() {
		commands, err := w.Commands()
		resCh <- commandsResult{commands: commands, err: err}
	}()

	select {
	case res := <-resCh:
		return res.commands, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s.getCommands", ErrInvokeTimeout, s.manifest.PluginID)
	}
}

// Stop requests an orderly shutdown, falling back to forced termination on
// timeout or when graceful is false. The worker is terminated on every
// path; a non-nil error only reports that the graceful phase failed.
// Idempotent; never errors for an already-stopped instance.
func (s *Supervisor) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateCrashed, StateNotStarted:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	w := s.w
	s.mu.Unlock()

	s.stopMonitor.Do(func() { close(s.monitorStop) })

	if w == nil {
		s.setStopped(0)
		return nil
	}

	var gracefulErr error
	if graceful {
		if ctx == nil {
			ctx = context.Background()
		}
		stopCtx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
		done := make(chan error, 1)
		go func() { done <- w.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				gracefulErr = fmt.Errorf("graceful shutdown failed: %w", err)
				s.logger.Warn().Err(err).Msg("Graceful shutdown failed, forcing termination")
			}
		case <-stopCtx.Done():
			gracefulErr = fmt.Errorf("graceful shutdown timed out after %s", s.cfg.StopTimeout)
			s.logger.Warn().Msg("Graceful shutdown timed out, forcing termination")
		}
		cancel()
	}

	// Kill waits for the process to exit; after this the handle is dead.
	w.Kill()
	s.tracker.Unregister(w.Pid())
	s.setStopped(w.Pid())
	return gracefulErr
}

func (s *Supervisor) setStopped(pid int) {
	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.publish(EventPluginStopped, "")
	s.logger.Info().Int("pid", pid).Msg("Plugin worker stopped")
}

// monitor watches for an unexpected process exit, independent of any
// in-flight invoke, and transitions Running -> Crashed exactly once.
func (s *Supervisor) monitor(w worker) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.monitorStop:
			return
		case <-ticker.C:
			if !w.Exited() {
				continue
			}

			s.mu.Lock()
			if s.state != StateRunning {
				s.mu.Unlock()
				return
			}
			s.state = StateCrashed
			s.lastErr = errors.New("worker process exited unexpectedly")
			s.mu.Unlock()

			s.tracker.Unregister(w.Pid())
			s.publish(EventPluginCrashed, "")
			s.logger.Error().Int("pid", w.Pid()).Msg("Plugin worker crashed")
			return
		}
	}
}

func (s *Supervisor) publish(eventType, payload string) {
	if s.sink == nil {
		return
	}
	s.sink.Publish(Event{
		Type:      eventType,
		PluginID:  s.manifest.PluginID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// State returns the current lifecycle state.
func (s *Supervisor) State() InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent lifecycle error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// ConsecutiveTimeouts reports how many invokes in a row have timed out.
// The host manager owns the unhealthy-marking policy.
func (s *Supervisor) ConsecutiveTimeouts() int {
	return int(s.consecutiveTimeouts.Load())
}

// ResetTimeouts clears the consecutive timeout counter.
func (s *Supervisor) ResetTimeouts() {
	s.consecutiveTimeouts.Store(0)
}

// Info returns a read-only snapshot of the instance.
func (s *Supervisor) Info() InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := InstanceInfo{
		PluginID:  s.manifest.PluginID,
		State:     s.state,
		StartedAt: s.startedAt,
	}
	if s.w != nil {
		info.Pid = s.w.Pid()
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
