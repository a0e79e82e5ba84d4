// Package transport implements the two HTTP transports the bridge speaks to a
// remote tool endpoint, and the EndpointClient that negotiates between them:
// the streamable transport (single endpoint, POST with optional SSE-upgraded
// responses) is tried first, the plain HTTP+SSE transport (separate events
// stream plus POST) is the fallback.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

// NotificationHandler receives server-pushed notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Transport moves JSON-RPC messages between the bridge and one endpoint over
// one wire protocol. Implementations are safe for concurrent use after
// Connect.
type Transport interface {
	// Connect establishes the wire connection. For the SSE transport this
	// opens the events stream; the streamable transport defers network
	// activity to the first request.
	Connect(ctx context.Context) error

	// Start begins background listening for server-pushed messages where the
	// wire protocol separates that from Connect.
	Start(ctx context.Context) error

	// SendRequest sends a request and waits for the matching response.
	SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// SendNotification sends a fire-and-forget notification.
	SendNotification(ctx context.Context, method string, params interface{}) error

	// SetNotificationHandler registers the handler for server-pushed
	// notifications. Must be called before Start.
	SetNotificationHandler(handler NotificationHandler)

	// Close terminates the connection and fails all pending requests.
	Close(ctx context.Context) error
}

// Config holds the wire-level settings shared by both transports.
type Config struct {
	// Endpoint is the base URL of the remote endpoint.
	Endpoint string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// RequestTimeout bounds a single request/response exchange when the
	// caller's context carries no deadline.
	RequestTimeout time.Duration

	// SSEBufferSize is the line buffer for SSE streams, in bytes.
	SSEBufferSize int

	// Headers are added to every outgoing HTTP request.
	Headers map[string]string

	// HTTPClient overrides the default client. It must not set a global
	// timeout: SSE streams stay open indefinitely.
	HTTPClient *http.Client

	// Logger receives transport-level logs. Nil means no logging.
	Logger logging.Logger
}

// DefaultConfig returns a Config with production defaults for endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		SSEBufferSize:  1 << 20,
	}
}

func (c *Config) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Noop()
	}
	return c.Logger
}

func (c *Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{}
}

// withRequestTimeout applies the configured request timeout unless the caller
// already set a deadline.
func (c *Config) withRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

// pendingResult carries either the matched response or the failure that ended
// the wait.
type pendingResult struct {
	resp *protocol.Response
	err  error
}

// pendingRequests correlates in-flight request IDs with their response
// channels. Channels are buffered so resolvers never block.
type pendingRequests struct {
	mu       sync.Mutex
	waiting  map[string]chan pendingResult
	closed   bool
	closeErr error
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiting: make(map[string]chan pendingResult)}
}

func (p *pendingRequests) register(id string) (<-chan pendingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, p.closeErr
	}
	ch := make(chan pendingResult, 1)
	p.waiting[id] = ch
	return ch, nil
}

// resolve delivers a response to its waiter. Responses nobody waits for are
// dropped; late responses after a timeout land here.
func (p *pendingRequests) resolve(resp *protocol.Response) bool {
	id := idKey(resp.ID)
	p.mu.Lock()
	ch, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- pendingResult{resp: resp}
	}
	return ok
}

func (p *pendingRequests) cancel(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// failAll terminates every waiter with err and rejects future registrations.
func (p *pendingRequests) failAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = err
	for id, ch := range p.waiting {
		delete(p.waiting, id)
		ch <- pendingResult{err: err}
	}
}

// idKey normalizes a decoded JSON-RPC id for map lookup. JSON numbers decode
// as float64, so numeric ids format without an exponent.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
