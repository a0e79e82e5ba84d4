package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a broker↔stub message.
type MessageType string

const (
	TypeHeartbeat         MessageType = "HEARTBEAT"
	TypeHeartbeatResponse MessageType = "HEARTBEAT_RESPONSE"

	TypeCallTool       MessageType = "CALL_TOOL"
	TypeToolCallResult MessageType = "TOOL_CALL_RESULT"
	TypeError          MessageType = "ERROR"

	TypeCheckConnection  MessageType = "CHECK_CONNECTION"
	TypeConnectionStatus MessageType = "CONNECTION_STATUS"

	TypeGetToolDetails    MessageType = "GET_TOOL_DETAILS"
	TypeToolDetailsResult MessageType = "TOOL_DETAILS_RESULT"

	TypeForceReconnect  MessageType = "FORCE_RECONNECT"
	TypeReconnectResult MessageType = "RECONNECT_RESULT"

	TypeGetServerConfig          MessageType = "GET_SERVER_CONFIG"
	TypeServerConfigResult       MessageType = "SERVER_CONFIG_RESULT"
	TypeUpdateServerConfig       MessageType = "UPDATE_SERVER_CONFIG"
	TypeUpdateServerConfigResult MessageType = "UPDATE_SERVER_CONFIG_RESULT"
)

// BroadcastRequestID marks an unsolicited message pushed to every session
// rather than a reply to a specific request.
const BroadcastRequestID = "broadcast"

// Error type strings carried in ERROR payloads.
const (
	ErrorTypeTool           = "TOOL_ERROR"
	ErrorTypeConnection     = "CONNECTION_ERROR"
	ErrorTypeUnknown        = "UNKNOWN_ERROR"
	ErrorTypeInvalidRequest = "INVALID_REQUEST"
	ErrorTypeToolNotFound   = "TOOL_NOT_FOUND"
	ErrorTypeTimeout        = "TIMEOUT"
)

// Envelope is the framing for every broker↔stub message. RequestID correlates
// replies to requests; BroadcastRequestID marks unsolicited pushes.
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with a marshalled payload.
func NewEnvelope(msgType MessageType, requestID string, payload interface{}) (*Envelope, error) {
	var payloadJSON json.RawMessage
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
	}
	return &Envelope{Type: msgType, RequestID: requestID, Payload: payloadJSON}, nil
}

// DecodePayload unmarshals the envelope payload into target.
func (e *Envelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// HeartbeatPayload is sent periodically by every consumer stub.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatResponsePayload echoes the stub timestamp with the broker's own.
type HeartbeatResponsePayload struct {
	Timestamp       int64 `json:"timestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

// CallToolPayload asks the broker to invoke a tool on the endpoint.
type CallToolPayload struct {
	ToolName string                 `json:"toolName"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// ToolCallResultPayload carries the raw endpoint result back to the stub.
type ToolCallResultPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorPayload reports a failed request with its classified type and a
// user-facing message.
type ErrorPayload struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// CheckConnectionPayload requests the current connection status.
type CheckConnectionPayload struct {
	ForceCheck bool `json:"forceCheck,omitempty"`
}

// ConnectionStatusPayload reports connectivity. Also broadcast unsolicited on
// every state change.
type ConnectionStatusPayload struct {
	IsConnected bool   `json:"isConnected"`
	Message     string `json:"message,omitempty"`
}

// GetToolDetailsPayload requests the primitive set, optionally bypassing the
// cache.
type GetToolDetailsPayload struct {
	ForceRefresh bool `json:"forceRefresh,omitempty"`
}

// ToolDetailsResultPayload carries the primitive set. Broadcast with
// BroadcastRequestID after a refresh.
type ToolDetailsResultPayload struct {
	Primitives []Primitive `json:"primitives"`
}

// ReconnectResultPayload reports the outcome of FORCE_RECONNECT.
type ReconnectResultPayload struct {
	Success     bool `json:"success"`
	IsConnected bool `json:"isConnected"`
}

// ServerConfig is the persisted endpoint configuration.
type ServerConfig struct {
	URI string `json:"uri"`
}

// ServerConfigResultPayload carries the persisted configuration.
type ServerConfigResultPayload struct {
	Config ServerConfig `json:"config"`
}

// UpdateServerConfigPayload replaces the endpoint configuration.
type UpdateServerConfigPayload struct {
	Config ServerConfig `json:"config"`
}

// UpdateServerConfigResultPayload reports the outcome of the update. Success
// covers validation and persistence of the new configuration only; the
// connect to the new endpoint happens after the reply, and its outcome
// arrives as a CONNECTION_STATUS broadcast.
type UpdateServerConfigResultPayload struct {
	Success bool `json:"success"`
}
