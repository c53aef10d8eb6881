package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkent/workbench/pkg/plugin"
)

// PluginBackend is the host-manager surface the dispatcher routes plugin
// methods to.
type PluginBackend interface {
	ListPlugins() []plugin.PluginInfo
	InvokeCommand(ctx context.Context, pluginID, command, payload string) (string, error)
	GetCommands(ctx context.Context, pluginID string) ([]plugin.Command, error)
	StartPlugin(ctx context.Context, pluginID string) error
	StopPlugin(ctx context.Context, pluginID string, graceful bool) error
	RestartPlugin(ctx context.Context, pluginID string) error
	Rescan() error
}

// methodHandler executes one routed call. A returned *RPCError is a caller
// error; anything that panics is caught at the dispatch boundary.
type methodHandler func(ctx context.Context, params map[string]any) (any, *RPCError)

// Dispatcher parses inbound envelopes, routes them by method through a
// static table built at construction, and serializes results and errors
// back into reply envelopes. It never lets a fault escape to the
// transport.
type Dispatcher struct {
	backend     PluginBackend
	connections ConnectionProvider
	auth        AuthProvider
	storage     StorageProvider
	logger      zerolog.Logger

	// methods is the exhaustive (namespace, method) table. Unknown
	// methods fall through to the invalid-request error; there is no
	// dynamic string-splitting dispatch.
	methods map[string]methodHandler

	// pending correlates still-running invocations to their envelope ids.
	pendingMu sync.Mutex
	pending   map[string]time.Time
}

// DispatcherConfig wires the dispatcher's collaborators.
type DispatcherConfig struct {
	Backend     PluginBackend
	Connections ConnectionProvider
	Auth        AuthProvider
	Storage     StorageProvider
	Logger      zerolog.Logger
}

// NewDispatcher builds a dispatcher with its full method table.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		backend:     cfg.Backend,
		connections: cfg.Connections,
		auth:        cfg.Auth,
		storage:     cfg.Storage,
		logger:      cfg.Logger.With().Str("component", "rpc-dispatcher").Logger(),
		pending:     make(map[string]time.Time),
	}

	d.methods = map[string]methodHandler{
		"plugin.list":        d.handlePluginList,
		"plugin.invoke":      d.handlePluginInvoke,
		"plugin.getCommands": d.handlePluginGetCommands,
		"plugin.start":       d.handlePluginStart,
		"plugin.stop":        d.handlePluginStop,
		"plugin.restart":     d.handlePluginRestart,
		"plugin.rescan":      d.handlePluginRescan,

		"connection.list":   d.handleConnectionList,
		"connection.get":    d.handleConnectionGet,
		"connection.active": d.handleConnectionActive,

		"auth.getToken": d.handleAuthGetToken,

		"storage.get":    d.handleStorageGet,
		"storage.set":    d.handleStorageSet,
		"storage.delete": d.handleStorageDelete,

		// The events namespace only acknowledges subscriptions; real
		// delivery goes through the event bridge, not this path.
		"events.subscribe":   d.handleEventsAck,
		"events.unsubscribe": d.handleEventsAck,
	}

	return d
}

// Handle processes one raw inbound message and returns the serialized
// reply, or nil when the request was a notification (no id).
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		d.logger.Debug().Err(err).Msg("Malformed envelope")
		return marshalResponse(Response{
			ID:    nil,
			Error: &RPCError{Code: ParseError, Message: "Parse error"},
		})
	}

	resp := d.route(ctx, &req)
	if req.ID == nil {
		// Notification: the caller does not expect a reply.
		return nil
	}
	return marshalResponse(*resp)
}

func (d *Dispatcher) route(ctx context.Context, req *Request) (resp *Response) {
	resp = &Response{ID: req.ID}

	// The dispatcher boundary converts any escaped fault into a reply
	// instead of letting it crash the transport.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("method", req.Method).Msg("Panic in method handler")
			resp.Result = nil
			resp.Error = &RPCError{Code: InternalError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	if req.Method == "" || strings.Count(req.Method, ".") != 1 {
		resp.Error = &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("invalid method: %q (want namespace.method)", req.Method)}
		return resp
	}

	handler, ok := d.methods[req.Method]
	if !ok {
		resp.Error = &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("unknown method: %s", req.Method)}
		return resp
	}

	result, rpcErr := handler(ctx, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

// Methods returns the registered method names.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// PendingInvocations returns the number of invocations still waiting on a
// plugin reply.
func (d *Dispatcher) PendingInvocations() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// plugin namespace

func (d *Dispatcher) handlePluginList(_ context.Context, _ map[string]any) (any, *RPCError) {
	infos := d.backend.ListPlugins()
	return map[string]any{"plugins": infos}, nil
}

func (d *Dispatcher) handlePluginInvoke(ctx context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	command, rpcErr := requireString(params, "command")
	if rpcErr != nil {
		return nil, rpcErr
	}
	payload := optionalString(params, "payload")

	key := fmt.Sprintf("%s.%s/%d", pluginID, command, time.Now().UnixNano())
	d.pendingMu.Lock()
	d.pending[key] = time.Now()
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()
	}()

	result, err := d.backend.InvokeCommand(ctx, pluginID, command, payload)
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

func (d *Dispatcher) handlePluginGetCommands(ctx context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}

	commands, err := d.backend.GetCommands(ctx, pluginID)
	if err != nil {
		return nil, toRPCError(err)
	}
	if commands == nil {
		commands = []plugin.Command{}
	}
	return map[string]any{"commands": commands}, nil
}

func (d *Dispatcher) handlePluginStart(ctx context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.backend.StartPlugin(ctx, pluginID); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"started": true}, nil
}

func (d *Dispatcher) handlePluginStop(ctx context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	graceful := true
	if v, ok := params["graceful"].(bool); ok {
		graceful = v
	}
	if err := d.backend.StopPlugin(ctx, pluginID, graceful); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"stopped": true}, nil
}

func (d *Dispatcher) handlePluginRestart(ctx context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.backend.RestartPlugin(ctx, pluginID); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"restarted": true}, nil
}

func (d *Dispatcher) handlePluginRescan(_ context.Context, _ map[string]any) (any, *RPCError) {
	if err := d.backend.Rescan(); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"rescanned": true}, nil
}

// connection namespace

func (d *Dispatcher) handleConnectionList(_ context.Context, _ map[string]any) (any, *RPCError) {
	profiles, err := d.connections.List()
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"connections": profiles}, nil
}

func (d *Dispatcher) handleConnectionGet(_ context.Context, params map[string]any) (any, *RPCError) {
	id, rpcErr := requireString(params, "connectionId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	profile, err := d.connections.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return profile, nil
}

func (d *Dispatcher) handleConnectionActive(_ context.Context, _ map[string]any) (any, *RPCError) {
	profile, err := d.connections.Active()
	if err != nil {
		return nil, toRPCError(err)
	}
	return profile, nil
}

// auth namespace

func (d *Dispatcher) handleAuthGetToken(ctx context.Context, params map[string]any) (any, *RPCError) {
	connectionID, rpcErr := requireString(params, "connectionId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	token, err := d.auth.Token(ctx, connectionID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"token": token}, nil
}

// storage namespace

func (d *Dispatcher) handleStorageGet(_ context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	key, rpcErr := requireString(params, "key")
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, found, err := d.storage.Get(pluginID, key)
	if err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"value": value, "found": found}, nil
}

func (d *Dispatcher) handleStorageSet(_ context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	key, rpcErr := requireString(params, "key")
	if rpcErr != nil {
		return nil, rpcErr
	}
	value, rpcErr := requireString(params, "value")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.storage.Set(pluginID, key, value); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"saved": true}, nil
}

func (d *Dispatcher) handleStorageDelete(_ context.Context, params map[string]any) (any, *RPCError) {
	pluginID, rpcErr := requireString(params, "pluginId")
	if rpcErr != nil {
		return nil, rpcErr
	}
	key, rpcErr := requireString(params, "key")
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.storage.Delete(pluginID, key); err != nil {
		return nil, toRPCError(err)
	}
	return map[string]any{"deleted": true}, nil
}

// events namespace

func (d *Dispatcher) handleEventsAck(_ context.Context, _ map[string]any) (any, *RPCError) {
	return map[string]any{"acknowledged": true}, nil
}

// helpers

func requireString(params map[string]any, key string) (string, *RPCError) {
	if params == nil {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("missing required parameter: %s", key)}
	}
	value, ok := params[key].(string)
	if !ok || value == "" {
		return "", &RPCError{Code: InvalidParams, Message: fmt.Sprintf("missing required parameter: %s", key)}
	}
	return value, nil
}

func optionalString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, _ := params[key].(string)
	return value
}

// toRPCError maps lifecycle and collaborator errors to their reserved
// codes so the UI can distinguish plugin failures from transport ones.
func toRPCError(err error) *RPCError {
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		return &RPCError{Code: PluginNotFound, Message: err.Error()}
	case errors.Is(err, plugin.ErrCrashed):
		return &RPCError{Code: PluginCrashed, Message: err.Error()}
	case errors.Is(err, plugin.ErrInvokeTimeout), errors.Is(err, plugin.ErrStartTimeout):
		return &RPCError{Code: PluginTimeout, Message: err.Error()}
	case errors.Is(err, plugin.ErrNotRunning), errors.Is(err, plugin.ErrAlreadyRunning):
		return &RPCError{Code: PluginNotRunning, Message: err.Error()}
	case errors.Is(err, plugin.ErrUnknownCommand), errors.Is(err, plugin.ErrInvalidPayload):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

func marshalResponse(resp Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		// A response that cannot be serialized is itself an internal
		// error; fall back to a minimal hand-built reply.
		return []byte(`{"id":null,"error":{"code":-32603,"message":"failed to serialize response"}}`)
	}
	return data
}
