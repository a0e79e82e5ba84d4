package protocol

import "encoding/json"

// Methods exposed by the remote tool endpoint.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListResources = "resources/list"
	MethodListPrompts   = "prompts/list"
)

// Notification methods the endpoint may push.
const (
	MethodToolsChanged     = "notifications/tools/list_changed"
	MethodResourcesChanged = "notifications/resources/list_changed"
	MethodPromptsChanged   = "notifications/prompts/list_changed"
)

// CapabilityType identifies an endpoint capability gating a list operation.
type CapabilityType string

const (
	CapabilityTools     CapabilityType = "tools"
	CapabilityResources CapabilityType = "resources"
	CapabilityPrompts   CapabilityType = "prompts"
)

// PrimitiveKind identifies the kind of a primitive descriptor.
type PrimitiveKind string

const (
	PrimitiveTool     PrimitiveKind = "tool"
	PrimitiveResource PrimitiveKind = "resource"
	PrimitivePrompt   PrimitiveKind = "prompt"
)

// Primitive is a tool, resource or prompt descriptor advertised by the
// endpoint. Primitives are immutable once fetched and identified by
// (Kind, Name).
type Primitive struct {
	Kind        PrimitiveKind   `json:"kind"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ClientInfo identifies the connecting client during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the endpoint after initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ClientInfo   ClientInfo      `json:"clientInfo"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// InitializeResult is the endpoint's reply to initialize. Capabilities gate
// which list operations the client may issue.
type InitializeResult struct {
	ServerInfo   *ServerInfo     `json:"serverInfo,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
}

// PingParams carries the client timestamp in milliseconds.
type PingParams struct {
	Timestamp int64 `json:"timestamp"`
}

// PingResult echoes the ping timestamp.
type PingResult struct {
	Timestamp int64 `json:"timestamp"`
}

// ToolDescriptor describes one callable tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the endpoint's reply to tools/list.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ResourceDescriptor describes one readable resource.
type ResourceDescriptor struct {
	Name        string `json:"name"`
	URI         string `json:"uri,omitempty"`
	Description string `json:"description,omitempty"`
}

// ListResourcesResult is the endpoint's reply to resources/list.
type ListResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

// PromptDescriptor describes one prompt template.
type PromptDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListPromptsResult is the endpoint's reply to prompts/list.
type ListPromptsResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}
