package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

const sessionHeader = "Mcp-Session-Id"

// StreamableTransport speaks the modern single-endpoint protocol: every
// request is a POST to the base URL, and the server answers either with a
// plain JSON body or by upgrading the response to an SSE stream. A separate
// long-lived GET carries server-initiated notifications when the endpoint
// supports one.
type StreamableTransport struct {
	cfg     Config
	client  *http.Client
	logger  logging.Logger
	pending *pendingRequests
	nextID  atomic.Int64

	mu        sync.Mutex
	sessionID string
	handler   NotificationHandler
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamableTransport creates a streamable transport for cfg.Endpoint.
func NewStreamableTransport(cfg Config) *StreamableTransport {
	return &StreamableTransport{
		cfg:     cfg,
		client:  cfg.httpClient(),
		logger:  cfg.logger().WithComponent("transport.streamable"),
		pending: newPendingRequests(),
	}
}

// Connect validates the endpoint URL. The protocol has no separate connect
// step; the first POST establishes the session.
func (t *StreamableTransport) Connect(ctx context.Context) error {
	parsed, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", t.cfg.Endpoint, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("endpoint URL %q is not absolute", t.cfg.Endpoint)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}
	return nil
}

// Start opens the server-push GET stream. Endpoints that answer 404 or 405
// simply have no push channel; that is not an error.
func (t *StreamableTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create listen request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("server push stream unavailable", logging.ErrorField(err))
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.logger.Debug("server push stream rejected", logging.Int("status", resp.StatusCode))
		return nil
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer resp.Body.Close()
		err := readEventStream(resp.Body, t.cfg.SSEBufferSize, func(ev serverEvent) bool {
			t.dispatch([]byte(ev.data))
			return true
		})
		if err != nil && t.ctx.Err() == nil {
			t.logger.Warn("server push stream ended", logging.ErrorField(err))
		}
	}()
	return nil
}

// SendRequest POSTs the request and waits for the response, following an SSE
// upgrade when the server chooses to stream it.
func (t *StreamableTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := fmt.Sprintf("req-%d", t.nextID.Add(1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := t.cfg.withRequestTimeout(ctx)
	defer cancel()

	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	t.captureSession(resp)

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		return t.readJSONResponse(resp.Body, id)
	case strings.HasPrefix(contentType, "text/event-stream"):
		return t.readStreamedResponse(resp.Body, id)
	default:
		return nil, fmt.Errorf("unexpected response content type %q", contentType)
	}
}

// SendNotification POSTs a notification; any response body is discarded.
func (t *StreamableTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := t.cfg.withRequestTimeout(ctx)
	defer cancel()

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.captureSession(resp)
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// SetNotificationHandler registers the handler for pushed notifications.
func (t *StreamableTransport) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close terminates the session and the push stream, failing all pending
// requests.
func (t *StreamableTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	cancel := t.cancel
	session := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()

	t.pending.failAll(fmt.Errorf("transport error: not connected"))

	if session != "" {
		// Best-effort session teardown.
		if req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.Endpoint, nil); err == nil {
			req.Header.Set(sessionHeader, session)
			t.applyHeaders(req)
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *StreamableTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

func (t *StreamableTransport) captureSession(resp *http.Response) {
	session := resp.Header.Get(sessionHeader)
	if session == "" {
		return
	}
	t.mu.Lock()
	if t.sessionID != session {
		t.sessionID = session
		t.logger.Debug("session established", logging.String("session_id", session))
	}
	t.mu.Unlock()
}

// SessionID returns the current session identifier, if any.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *StreamableTransport) readJSONResponse(body io.Reader, id string) (json.RawMessage, error) {
	var resp protocol.Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if got := idKey(resp.ID); got != id {
		return nil, fmt.Errorf("response id mismatch: got %q, want %q", got, id)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// readStreamedResponse consumes the upgraded SSE body until the response with
// the matching id arrives. Notifications interleaved on the same stream are
// dispatched as they pass.
func (t *StreamableTransport) readStreamedResponse(body io.Reader, id string) (json.RawMessage, error) {
	var result json.RawMessage
	var rpcErr error
	found := false

	err := readEventStream(body, t.cfg.SSEBufferSize, func(ev serverEvent) bool {
		data := []byte(ev.data)
		if protocol.IsResponse(data) {
			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				return true
			}
			if idKey(resp.ID) != id {
				t.pending.resolve(&resp)
				return true
			}
			found = true
			if resp.Error != nil {
				rpcErr = resp.Error
			} else {
				result = resp.Result
			}
			return false
		}
		t.dispatch(data)
		return true
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	if found {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("response stream failed: %w", err)
	}
	return nil, fmt.Errorf("response stream ended without a response for %q", id)
}

func (t *StreamableTransport) dispatch(data []byte) {
	switch {
	case protocol.IsResponse(data):
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err == nil {
			t.pending.resolve(&resp)
		}
	case protocol.IsNotification(data):
		var notif protocol.Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(notif.Method, notif.Params)
		}
	}
}

func (t *StreamableTransport) applyHeaders(req *http.Request) {
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
}
