package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

// ClientConfig configures an EndpointClient.
type ClientConfig struct {
	// ClientInfo is sent during the initialize handshake.
	ClientInfo protocol.ClientInfo

	// ConnectTimeout bounds one transport's connect plus handshake.
	ConnectTimeout time.Duration

	// RequestTimeout bounds individual requests without a caller deadline.
	RequestTimeout time.Duration

	// Headers are added to every outgoing HTTP request.
	Headers map[string]string

	// Middlewares wrap every transport the client builds, outermost first.
	Middlewares []Middleware

	// Metrics receives connect and request observations. Optional.
	Metrics *Metrics

	// Logger receives client logs. Nil disables logging.
	Logger logging.Logger
}

// DefaultClientConfig returns a ClientConfig with production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ClientInfo:     protocol.ClientInfo{Name: "mcp-bridge", Version: "1.0.0"},
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// transportMode names which wire protocol a connection ended up on.
type transportMode string

const (
	modeStreamable transportMode = "streamable"
	modeSSE        transportMode = "sse"
)

// EndpointClient connects to a remote tool endpoint, preferring the
// streamable transport and falling back to plain HTTP+SSE when the modern
// protocol is rejected. All methods are safe for concurrent use.
type EndpointClient struct {
	cfg    ClientConfig
	logger logging.Logger

	mu           sync.RWMutex
	transport    Transport
	uri          string
	mode         transportMode
	capabilities map[string]bool
	serverInfo   *protocol.ServerInfo
	handler      NotificationHandler
}

// NewEndpointClient creates a disconnected client.
func NewEndpointClient(cfg ClientConfig) *EndpointClient {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	return &EndpointClient{
		cfg:    cfg,
		logger: logger.WithComponent("client"),
	}
}

// Connect validates uri, then tries the streamable transport and falls back
// to HTTP+SSE. Each attempt covers connect, the initialize handshake and
// listener startup; the first transport to complete all three wins. When both
// fail the combined failure is classified into a user-facing connection
// error.
func (c *EndpointClient) Connect(ctx context.Context, uri string) error {
	if err := validateEndpointURI(uri); err != nil {
		return err
	}

	// Drop any previous connection first so a failed attempt cannot leave a
	// half-replaced transport behind.
	c.Disconnect(ctx)

	tcfg := DefaultConfig(uri)
	tcfg.ConnectTimeout = c.cfg.ConnectTimeout
	tcfg.RequestTimeout = c.cfg.RequestTimeout
	tcfg.Headers = c.cfg.Headers
	tcfg.Logger = c.cfg.Logger

	attempts := []struct {
		mode  transportMode
		build func() Transport
	}{
		{modeStreamable, func() Transport { return NewStreamableTransport(tcfg) }},
		{modeSSE, func() Transport { return NewSSETransport(tcfg) }},
	}

	var failures []error
	for _, attempt := range attempts {
		transport := Chain(attempt.build(), c.cfg.Middlewares...)

		connectCtx := ctx
		var cancel context.CancelFunc = func() {}
		if c.cfg.ConnectTimeout > 0 {
			connectCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		}

		init, err := c.establish(connectCtx, transport)
		cancel()
		c.cfg.Metrics.ObserveConnect(string(attempt.mode), err)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", attempt.mode, err))
			c.logger.Debug("transport attempt failed",
				logging.String("transport", string(attempt.mode)),
				logging.ErrorField(err),
			)
			transport.Close(ctx)
			continue
		}

		c.mu.Lock()
		c.transport = transport
		c.uri = uri
		c.mode = attempt.mode
		c.capabilities = init.Capabilities
		c.serverInfo = init.ServerInfo
		c.mu.Unlock()

		c.logger.Info("connected to endpoint",
			logging.String("uri", uri),
			logging.String("transport", string(attempt.mode)),
		)
		return nil
	}

	return mcperrors.ClassifyConnect(errors.Join(failures...))
}

// establish runs one transport through connect, handshake and listener start.
func (c *EndpointClient) establish(ctx context.Context, transport Transport) (*protocol.InitializeResult, error) {
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}
	transport.SetNotificationHandler(c.onNotification)

	params := protocol.InitializeParams{
		ClientInfo:   c.cfg.ClientInfo,
		Capabilities: map[string]bool{"tools": true, "resources": true, "prompts": true},
	}
	raw, err := transport.SendRequest(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	init := &protocol.InitializeResult{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, init); err != nil {
			return nil, fmt.Errorf("initialize handshake: malformed result: %w", err)
		}
	}
	if init.Capabilities == nil {
		init.Capabilities = map[string]bool{}
	}

	if err := transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("listener start: %w", err)
	}
	return init, nil
}

// Call invokes a tool on the connected endpoint and returns the raw result.
// The error, if any, carries enough of the endpoint's message for the caller
// to classify it.
func (c *EndpointClient) Call(ctx context.Context, toolName string, args map[string]interface{}) (json.RawMessage, error) {
	if strings.TrimSpace(toolName) == "" {
		return nil, mcperrors.New(mcperrors.CodeMissingParameter, mcperrors.CategoryValidation,
			"tool name must not be empty")
	}
	if err := validateArgs(args); err != nil {
		return nil, err
	}

	transport := c.currentTransport()
	if transport == nil {
		return nil, mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to endpoint")
	}

	return transport.SendRequest(ctx, protocol.MethodCallTool, protocol.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
}

// ListPrimitives fetches tools, resources and prompts concurrently, gated on
// the capabilities the endpoint advertised at initialize. Capabilities the
// endpoint did not claim are never queried. Any single failure fails the
// whole listing.
func (c *EndpointClient) ListPrimitives(ctx context.Context) ([]protocol.Primitive, error) {
	c.mu.RLock()
	transport := c.transport
	caps := c.capabilities
	c.mu.RUnlock()
	if transport == nil {
		return nil, mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to endpoint")
	}

	var mu sync.Mutex
	var primitives []protocol.Primitive
	g, gctx := errgroup.WithContext(ctx)

	if caps[string(protocol.CapabilityTools)] {
		g.Go(func() error {
			raw, err := transport.SendRequest(gctx, protocol.MethodListTools, nil)
			if err != nil {
				return fmt.Errorf("tools/list: %w", err)
			}
			var result protocol.ListToolsResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("tools/list: malformed result: %w", err)
			}
			mu.Lock()
			for _, tool := range result.Tools {
				primitives = append(primitives, protocol.Primitive{
					Kind:        protocol.PrimitiveTool,
					Name:        tool.Name,
					Description: tool.Description,
					Schema:      tool.InputSchema,
				})
			}
			mu.Unlock()
			return nil
		})
	}

	if caps[string(protocol.CapabilityResources)] {
		g.Go(func() error {
			raw, err := transport.SendRequest(gctx, protocol.MethodListResources, nil)
			if err != nil {
				return fmt.Errorf("resources/list: %w", err)
			}
			var result protocol.ListResourcesResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("resources/list: malformed result: %w", err)
			}
			mu.Lock()
			for _, res := range result.Resources {
				primitives = append(primitives, protocol.Primitive{
					Kind:        protocol.PrimitiveResource,
					Name:        res.Name,
					Description: res.Description,
				})
			}
			mu.Unlock()
			return nil
		})
	}

	if caps[string(protocol.CapabilityPrompts)] {
		g.Go(func() error {
			raw, err := transport.SendRequest(gctx, protocol.MethodListPrompts, nil)
			if err != nil {
				return fmt.Errorf("prompts/list: %w", err)
			}
			var result protocol.ListPromptsResult
			if err := json.Unmarshal(raw, &result); err != nil {
				return fmt.Errorf("prompts/list: malformed result: %w", err)
			}
			mu.Lock()
			for _, prompt := range result.Prompts {
				primitives = append(primitives, protocol.Primitive{
					Kind:        protocol.PrimitivePrompt,
					Name:        prompt.Name,
					Description: prompt.Description,
				})
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(primitives, func(i, j int) bool {
		if primitives[i].Kind != primitives[j].Kind {
			return primitives[i].Kind < primitives[j].Kind
		}
		return primitives[i].Name < primitives[j].Name
	})
	return primitives, nil
}

// Ping performs a lightweight liveness check against the endpoint.
func (c *EndpointClient) Ping(ctx context.Context) error {
	transport := c.currentTransport()
	if transport == nil {
		return mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to endpoint")
	}
	_, err := transport.SendRequest(ctx, protocol.MethodPing, protocol.PingParams{
		Timestamp: time.Now().UnixMilli(),
	})
	return err
}

// Disconnect closes the current connection, if any. Close failures are logged
// and swallowed: after Disconnect the client is disconnected regardless.
func (c *EndpointClient) Disconnect(ctx context.Context) {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.uri = ""
	c.mode = ""
	c.capabilities = nil
	c.serverInfo = nil
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(ctx); err != nil {
			c.logger.Warn("transport close failed", logging.ErrorField(err))
		}
	}
}

// Connected reports whether a transport is established.
func (c *EndpointClient) Connected() bool {
	return c.currentTransport() != nil
}

// URI returns the endpoint URI of the current connection, or "".
func (c *EndpointClient) URI() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uri
}

// TransportMode returns which wire protocol the connection uses, or "".
func (c *EndpointClient) TransportMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return string(c.mode)
}

// ServerInfo returns the endpoint identity from initialize, or nil.
func (c *EndpointClient) ServerInfo() *protocol.ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Capabilities returns a copy of the capabilities the endpoint advertised.
func (c *EndpointClient) Capabilities() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make(map[string]bool, len(c.capabilities))
	for k, v := range c.capabilities {
		caps[k] = v
	}
	return caps
}

// SetNotificationHandler registers the handler for endpoint notifications.
// It applies to the current connection and to future ones.
func (c *EndpointClient) SetNotificationHandler(handler NotificationHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *EndpointClient) currentTransport() Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *EndpointClient) onNotification(method string, params json.RawMessage) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(method, params)
	}
}

// validateEndpointURI rejects anything that is not an absolute http(s) URL
// before any network activity happens.
func validateEndpointURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return mcperrors.New(mcperrors.CodeInvalidURI, mcperrors.CategoryValidation,
			"endpoint URI must not be empty")
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return mcperrors.Wrap(err, mcperrors.CodeInvalidURI, mcperrors.CategoryValidation,
			fmt.Sprintf("endpoint URI %q is malformed", uri))
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return mcperrors.Newf(mcperrors.CodeInvalidURI, mcperrors.CategoryValidation,
			"endpoint URI %q must be an absolute URL", uri)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return mcperrors.Newf(mcperrors.CodeInvalidURI, mcperrors.CategoryValidation,
			"endpoint URI %q must use http or https", uri)
	}
	return nil
}

// validateArgs enforces that tool arguments form a flat string-keyed mapping
// of scalar values. Nested structures are rejected before reaching the wire.
func validateArgs(args map[string]interface{}) error {
	for key, value := range args {
		switch value.(type) {
		case nil, string, bool,
			int, int32, int64, float32, float64,
			json.Number:
		default:
			return mcperrors.Newf(mcperrors.CodeInvalidArgument, mcperrors.CategoryValidation,
				"argument %q must be a scalar value", key)
		}
	}
	return nil
}
