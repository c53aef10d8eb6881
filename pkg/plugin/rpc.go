package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is used to verify that the worker and host are compatible. The
// handshake completing doubles as the worker's readiness signal.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "WORKBENCH_PLUGIN",
	MagicCookieValue: "workbench-tool-plugin-v1",
}

// ToolPluginName is the dispense key for the tool plugin.
const ToolPluginName = "tool"

// PluginMap is the map of plugins the host can dispense.
var PluginMap = map[string]goplugin.Plugin{
	ToolPluginName: &ToolPlugin{},
}

// Tool is the interface plugin authors implement. All calls arrive over
// the host IPC channel; replies are correlated to requests by the
// transport, so a slow command never blocks a faster one at the wire level.
type Tool interface {
	// Commands reports the commands the plugin offers at runtime.
	Commands(ctx context.Context) ([]Command, error)

	// Invoke executes one command and returns an opaque JSON result.
	Invoke(ctx context.Context, inv Invocation) (string, error)

	// Shutdown asks the plugin to wind down before the process exits.
	Shutdown(ctx context.Context) error
}

// Initializer is optionally implemented by tools that want the host
// context bundle (storage dir, connection id, event emitter) at start.
type Initializer interface {
	Init(ctx context.Context, info HostInfo, events *EventEmitter) error
}

// ToolPlugin is the go-plugin glue for Tool.
type ToolPlugin struct {
	Impl Tool
}

func (p *ToolPlugin) Server(b *goplugin.MuxBroker) (interface{}, error) {
	return &ToolRPCServer{Impl: p.Impl, broker: b}, nil
}

func (p *ToolPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &ToolRPCClient{client: c, broker: b}, nil
}

// InitArgs carries the host context bundle to the worker.
type InitArgs struct {
	Info HostInfo
	// EventStreamID is the broker stream the worker dials back to deliver
	// events. Events travel on their own channel, never through the
	// request/response cycle.
	EventStreamID uint32
}

// InitResp is the reply to Init.
type InitResp struct {
	Err string
}

// CommandsResp is the reply to Commands.
type CommandsResp struct {
	Commands []Command
	Err      string
}

// InvokeArgs carries one correlated command invocation.
type InvokeArgs struct {
	Inv Invocation
}

// InvokeResp is the reply to Invoke.
type InvokeResp struct {
	RequestID string
	Result    string
	Err       string
}

// ShutdownResp is the reply to Shutdown.
type ShutdownResp struct {
	Err string
}

// ToolRPCServer runs inside the worker process and serves the host's calls.
type ToolRPCServer struct {
	Impl    Tool
	broker  *goplugin.MuxBroker
	emitter *EventEmitter
}

func (s *ToolRPCServer) Init(args *InitArgs, resp *InitResp) error {
	if args.EventStreamID != 0 {
		conn, err := s.broker.Dial(args.EventStreamID)
		if err != nil {
			resp.Err = fmt.Sprintf("failed to dial event stream: %v", err)
			return nil
		}
		s.emitter = &EventEmitter{
			client:   rpc.NewClient(conn),
			pluginID: args.Info.PluginID,
		}
	}

	if init, ok := s.Impl.(Initializer); ok {
		if err := init.Init(context.Background(), args.Info, s.emitter); err != nil {
			resp.Err = err.Error()
		}
	}
	return nil
}

func (s *ToolRPCServer) Commands(_ *struct{}, resp *CommandsResp) error {
	commands, err := s.Impl.Commands(context.Background())
	resp.Commands = commands
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *ToolRPCServer) Invoke(args *InvokeArgs, resp *InvokeResp) error {
	result, err := s.Impl.Invoke(context.Background(), args.Inv)
	resp.RequestID = args.Inv.RequestID
	resp.Result = result
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

func (s *ToolRPCServer) Shutdown(_ *struct{}, resp *ShutdownResp) error {
	if err := s.Impl.Shutdown(context.Background()); err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// ToolRPCClient runs inside the host and talks to a ToolRPCServer.
type ToolRPCClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

// Init pushes the context bundle to the worker and wires the event
// backchannel into sink.
func (c *ToolRPCClient) Init(info HostInfo, sink EventSink) error {
	var streamID uint32
	if sink != nil {
		streamID = c.broker.NextId()
		go c.broker.AcceptAndServe(streamID, &EventSinkRPCServer{
			PluginID: info.PluginID,
			Sink:     sink,
		})
	}

	var resp InitResp
	if err := c.client.Call("Plugin.Init", &InitArgs{Info: info, EventStreamID: streamID}, &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *ToolRPCClient) Commands() ([]Command, error) {
	var resp CommandsResp
	if err := c.client.Call("Plugin.Commands", new(struct{}), &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	return resp.Commands, nil
}

func (c *ToolRPCClient) Invoke(inv Invocation) (string, error) {
	var resp InvokeResp
	if err := c.client.Call("Plugin.Invoke", &InvokeArgs{Inv: inv}, &resp); err != nil {
		return "", err
	}
	if resp.Err != "" {
		return "", errors.New(resp.Err)
	}
	return resp.Result, nil
}

func (c *ToolRPCClient) Shutdown() error {
	var resp ShutdownResp
	if err := c.client.Call("Plugin.Shutdown", new(struct{}), &resp); err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

// EmitArgs carries one event from the worker to the host.
type EmitArgs struct {
	Type     string
	Payload  string
	Metadata map[string]string
}

// EventSinkRPCServer is served by the host over a broker stream; workers
// call it to emit events.
type EventSinkRPCServer struct {
	PluginID string
	Sink     EventSink
}

func (s *EventSinkRPCServer) Emit(args *EmitArgs, _ *struct{}) error {
	s.Sink.Publish(Event{
		Type:      args.Type,
		PluginID:  s.PluginID,
		Payload:   args.Payload,
		Timestamp: time.Now(),
		Metadata:  args.Metadata,
	})
	return nil
}

// EventEmitter is the worker-side handle for the event backchannel.
// Fire-and-forget: delivery is not acknowledged beyond the RPC round trip.
type EventEmitter struct {
	client   *rpc.Client
	pluginID string
}

// Emit sends one event to the host.
func (e *EventEmitter) Emit(eventType, payload string, metadata map[string]string) error {
	if e == nil || e.client == nil {
		return errors.New("event stream not connected")
	}
	return e.client.Call("Plugin.Emit", &EmitArgs{
		Type:     eventType,
		Payload:  payload,
		Metadata: metadata,
	}, new(struct{}))
}
