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

// SSETransport speaks the legacy two-channel protocol: a long-lived GET on
// {endpoint}/events carries responses and notifications, and requests are
// POSTed to the base URL. Connect fails fast when the events stream is
// rejected, which is what lets the client fall back cleanly.
type SSETransport struct {
	cfg       Config
	client    *http.Client
	logger    logging.Logger
	pending   *pendingRequests
	nextID    atomic.Int64
	eventsURL string

	mu      sync.Mutex
	postURL string
	handler NotificationHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected atomic.Bool
}

// NewSSETransport creates a legacy HTTP+SSE transport for cfg.Endpoint.
func NewSSETransport(cfg Config) *SSETransport {
	base := strings.TrimRight(cfg.Endpoint, "/")
	return &SSETransport{
		cfg:       cfg,
		client:    cfg.httpClient(),
		logger:    cfg.logger().WithComponent("transport.sse"),
		pending:   newPendingRequests(),
		eventsURL: base + "/events",
		postURL:   cfg.Endpoint,
	}
}

// Connect opens the events stream and starts the read loop. It returns once
// the server has accepted the stream, or an error describing the rejection.
func (t *SSETransport) Connect(ctx context.Context) error {
	parsed, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", t.cfg.Endpoint, err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("endpoint URL %q is not absolute", t.cfg.Endpoint)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())

	// The stream request uses the transport's own context so it outlives
	// Connect; the caller's context only bounds establishment.
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	type dialResult struct {
		resp *http.Response
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		resp, err := t.client.Do(req)
		ch <- dialResult{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		t.cancel()
		return fmt.Errorf("events stream connect: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			t.cancel()
			return fmt.Errorf("events stream connect failed: %w", r.err)
		}
		resp = r.resp
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		t.cancel()
		return fmt.Errorf("events stream rejected: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		t.cancel()
		return fmt.Errorf("events stream has content type %q, want text/event-stream", ct)
	}

	t.connected.Store(true)
	t.wg.Add(1)
	go t.readLoop(resp.Body)
	return nil
}

// Start is a no-op: the events stream opened in Connect already listens.
func (t *SSETransport) Start(ctx context.Context) error { return nil }

// SendRequest POSTs the request and waits for its response on the events
// stream. Servers that answer the POST inline with the response body are
// also handled.
func (t *SSETransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("transport error: not connected")
	}

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

	waiter, err := t.pending.register(id)
	if err != nil {
		return nil, err
	}

	inline, err := t.post(ctx, body, id)
	if err != nil {
		t.pending.cancel(id)
		return nil, err
	}
	if inline != nil {
		t.pending.cancel(id)
		if inline.Error != nil {
			return nil, inline.Error
		}
		return inline.Result, nil
	}

	select {
	case <-ctx.Done():
		t.pending.cancel(id)
		return nil, fmt.Errorf("request %s timed out: %w", method, ctx.Err())
	case res := <-waiter:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	}
}

// SendNotification POSTs a notification; no response is expected.
func (t *SSETransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	if !t.connected.Load() {
		return fmt.Errorf("transport error: not connected")
	}
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
	_, err = t.post(ctx, body, "")
	return err
}

// SetNotificationHandler registers the handler for pushed notifications.
func (t *SSETransport) SetNotificationHandler(handler NotificationHandler) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// Close tears down the events stream and fails all pending requests.
func (t *SSETransport) Close(ctx context.Context) error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	t.pending.failAll(fmt.Errorf("transport error: not connected"))
	t.wg.Wait()
	return nil
}

// post sends body to the message URL. When the server replies inline with a
// JSON-RPC response matching wantID, it is returned; the usual 202-accepted
// path returns nil.
func (t *SSETransport) post(ctx context.Context, body []byte, wantID string) (*protocol.Response, error) {
	t.mu.Lock()
	target := t.postURL
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("request failed: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}

	if wantID != "" && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.cfg.SSEBufferSize)))
		if err == nil && protocol.IsResponse(data) {
			var inline protocol.Response
			if json.Unmarshal(data, &inline) == nil && idKey(inline.ID) == wantID {
				return &inline, nil
			}
		}
		return nil, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil, nil
}

func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer t.wg.Done()
	defer body.Close()

	err := readEventStream(body, t.cfg.SSEBufferSize, func(ev serverEvent) bool {
		switch ev.name {
		case "endpoint":
			t.setPostURL(ev.data)
		default:
			t.dispatch([]byte(ev.data))
		}
		return true
	})

	t.connected.Store(false)
	if err != nil && t.ctx.Err() == nil {
		t.logger.Warn("events stream ended", logging.ErrorField(err))
		t.pending.failAll(fmt.Errorf("connection closed: events stream ended: %w", err))
		return
	}
	t.pending.failAll(fmt.Errorf("connection closed: events stream ended"))
}

// setPostURL handles the optional endpoint event some servers send to name
// the message URL, resolved relative to the base endpoint.
func (t *SSETransport) setPostURL(raw string) {
	base, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		t.logger.Warn("ignoring malformed endpoint event", logging.String("value", raw))
		return
	}
	resolved := base.ResolveReference(ref).String()
	t.mu.Lock()
	t.postURL = resolved
	t.mu.Unlock()
	t.logger.Debug("message endpoint updated", logging.String("url", resolved))
}

func (t *SSETransport) dispatch(data []byte) {
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
