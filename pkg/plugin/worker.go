package plugin

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
	"github.com/rs/zerolog"

	"github.com/mkent/workbench/pkg/proctrack"
)

// worker is the supervisor's view of one plugin process. The process
// handle is owned exclusively by the supervisor and never shared.
type worker interface {
	Init(info HostInfo, sink EventSink) error
	Commands() ([]Command, error)
	Invoke(inv Invocation) (string, error)
	Shutdown() error
	Pid() int
	Exited() bool
	Kill()
}

// newWorker launches a plugin worker. Swappable for tests.
var newWorker = launchWorker

// goPluginWorker wraps a go-plugin client and its dispensed tool.
type goPluginWorker struct {
	client *goplugin.Client
	tool   *ToolRPCClient
	pid    int
}

func launchWorker(manifest Manifest, tracker *proctrack.Tracker, startTimeout time.Duration, logger zerolog.Logger) (worker, error) {
	entry := filepath.Join(manifest.Dir, manifest.EntryPoint)

	cmd := exec.Command(entry)
	cmd.Dir = manifest.Dir
	// Tie the process to the host before it is started so a crash during
	// startup still gets reaped.
	tracker.Prepare(cmd)

	hcl := hclog.New(&hclog.LoggerOptions{
		Name:   manifest.PluginID,
		Level:  hclog.Info,
		Output: pluginLogWriter{logger: logger.With().Str("plugin", manifest.PluginID).Logger()},
	})

	client := goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              cmd,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
		StartTimeout:     startTimeout,
		Logger:           hcl,
	})

	// Client() starts the process and blocks until the handshake
	// completes or StartTimeout elapses.
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin worker: %w", err)
	}

	raw, err := rpcClient.Dispense(ToolPluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense tool plugin: %w", err)
	}

	tool, ok := raw.(*ToolRPCClient)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("unexpected plugin client type %T", raw)
	}

	w := &goPluginWorker{client: client, tool: tool}
	if rc := client.ReattachConfig(); rc != nil {
		w.pid = rc.Pid
	}
	return w, nil
}

func (w *goPluginWorker) Init(info HostInfo, sink EventSink) error {
	return w.tool.Init(info, sink)
}

func (w *goPluginWorker) Commands() ([]Command, error) {
	return w.tool.Commands()
}

func (w *goPluginWorker) Invoke(inv Invocation) (string, error) {
	return w.tool.Invoke(inv)
}

func (w *goPluginWorker) Shutdown() error {
	return w.tool.Shutdown()
}

func (w *goPluginWorker) Pid() int {
	return w.pid
}

func (w *goPluginWorker) Exited() bool {
	return w.client.Exited()
}

func (w *goPluginWorker) Kill() {
	w.client.Kill()
}

// pluginLogWriter routes go-plugin and worker stderr lines into zerolog.
type pluginLogWriter struct {
	logger zerolog.Logger
}

func (w pluginLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug().Msg(string(p))
	return len(p), nil
}
