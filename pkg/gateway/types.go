package gateway

// Request is the inbound RPC envelope from the UI layer. The id is echoed
// on the reply; a request without an id is a notification and gets none.
type Request struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is the outbound reply envelope. Exactly one of Result and
// Error is set.
type Response struct {
	ID     any       `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// RPCError is the error half of a reply envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// Reserved error codes. The -320xx range is protocol-level; plugin
// failures use their own range so the UI can tell "plugin said no" from
// "transport broke".
const (
	ParseError     = -32700
	InvalidRequest = -32600
	InvalidParams  = -32602
	InternalError  = -32603

	PluginNotFound   = -32010
	PluginNotRunning = -32011
	PluginCrashed    = -32012
	PluginTimeout    = -32013
)

// EventFrame is a server-initiated push. Frames carry a message kind
// distinct from reply envelopes, so notifications are explicit in the wire
// protocol rather than inferred from a missing id.
type EventFrame struct {
	Kind      string            `json:"type"`
	Event     string            `json:"event"`
	PluginID  string            `json:"pluginId,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Seq       int64             `json:"seq"`
}

// EventFrameKind is the message kind for every pushed frame.
const EventFrameKind = "event"
