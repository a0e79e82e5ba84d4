package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestMarshalsParams(t *testing.T) {
	req, err := NewRequest("req-1", MethodCallTool, CallToolParams{
		Name:      "search",
		Arguments: map[string]interface{}{"query": "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, JSONRPCVersion, req.JSONRPC)
	assert.Equal(t, MethodCallTool, req.Method)

	var params CallToolParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "search", params.Name)
}

func TestIsResponse(t *testing.T) {
	resp, err := NewResponse("req-1", map[string]string{"ok": "yes"})
	require.NoError(t, err)
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	assert.True(t, IsResponse(data))
	assert.False(t, IsNotification(data))
}

func TestIsNotification(t *testing.T) {
	notif, err := NewNotification(MethodToolsChanged, nil)
	require.NoError(t, err)
	data, err := json.Marshal(notif)
	require.NoError(t, err)

	assert.True(t, IsNotification(data))
	assert.False(t, IsResponse(data))
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp, err := NewErrorResponse("req-2", MethodNotFound, "method not found", nil)
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Error)
	assert.Equal(t, MethodNotFound, decoded.Error.Code)
	assert.Contains(t, decoded.Error.Error(), "method not found")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeCallTool, "req-3", CallToolPayload{
		ToolName: "fetch",
		Args:     map[string]interface{}{"url": "https://example.com"},
	})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeCallTool, decoded.Type)
	assert.Equal(t, "req-3", decoded.RequestID)

	var payload CallToolPayload
	require.NoError(t, decoded.DecodePayload(&payload))
	assert.Equal(t, "fetch", payload.ToolName)
	assert.Equal(t, "https://example.com", payload.Args["url"])
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Type: TypeHeartbeat}
	var payload HeartbeatPayload
	assert.Error(t, env.DecodePayload(&payload))
}
