// Package stub is the consumer-side library for talking to the bridge
// broker over WebSocket. Each stub owns one session: it heartbeats, keeps
// request/response correlation, survives broker restarts with bounded
// reconnects, and surfaces broker broadcasts through listeners.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
	"github.com/bridgekit/mcp-bridge/pkg/supervisor"
)

// Config configures a Stub.
type Config struct {
	// URL is the broker's WebSocket URL.
	URL string

	// HeartbeatInterval is how often the stub heartbeats. The broker drops
	// sessions that stay silent.
	HeartbeatInterval time.Duration

	// RequestTimeout bounds one request/response exchange and is the age at
	// which the sweeper abandons a pending request.
	RequestTimeout time.Duration

	// SweepInterval is how often abandoned pending requests are collected.
	SweepInterval time.Duration

	// MaxReconnectAttempts bounds reconnects after a lost connection. Once
	// exhausted the stub is terminally failed.
	MaxReconnectAttempts int

	// Backoff paces reconnect attempts.
	Backoff supervisor.BackoffConfig

	// Logger receives stub logs. Nil disables logging.
	Logger logging.Logger
}

// DefaultConfig returns a Config with production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    10 * time.Second,
		RequestTimeout:       30 * time.Second,
		SweepInterval:        5 * time.Second,
		MaxReconnectAttempts: 5,
		Backoff:              supervisor.DefaultBackoffConfig(),
	}
}

// StatusListener observes CONNECTION_STATUS broadcasts and local connection
// loss.
type StatusListener func(status protocol.ConnectionStatusPayload)

// ToolDetailsListener observes TOOL_DETAILS_RESULT broadcasts.
type ToolDetailsListener func(primitives []protocol.Primitive)

type pendingRequest struct {
	ch     chan *protocol.Envelope
	sentAt time.Time
}

// Stub is one consumer session against the broker. Safe for concurrent use.
type Stub struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]*pendingRequest
	closed   bool
	failed   bool
	statusFn []StatusListener
	toolsFn  []ToolDetailsListener

	loopCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a disconnected Stub.
func New(cfg Config) *Stub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}
	return &Stub{
		cfg:     cfg,
		logger:  logger.WithComponent("stub"),
		pending: make(map[string]*pendingRequest),
	}
}

// Connect dials the broker and starts the read, heartbeat and sweep loops.
func (s *Stub) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.terminalError()
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	s.failed = false
	s.loopCancel = cancel
	s.mu.Unlock()

	s.wg.Add(3)
	go s.readLoop(loopCtx, conn)
	go s.heartbeatLoop(loopCtx)
	go s.sweepLoop(loopCtx)
	return nil
}

// Close terminally shuts the stub down. All pending and future requests fail.
func (s *Stub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.loopCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	s.failPending(s.terminalError())
	s.wg.Wait()
	return nil
}

// Connected reports whether the stub currently has a live broker connection.
func (s *Stub) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// OnConnectionStatus registers a listener for status broadcasts.
func (s *Stub) OnConnectionStatus(fn StatusListener) {
	s.mu.Lock()
	s.statusFn = append(s.statusFn, fn)
	s.mu.Unlock()
}

// OnToolDetails registers a listener for tool-details broadcasts.
func (s *Stub) OnToolDetails(fn ToolDetailsListener) {
	s.mu.Lock()
	s.toolsFn = append(s.toolsFn, fn)
	s.mu.Unlock()
}

// CallTool invokes a tool through the broker.
func (s *Stub) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (json.RawMessage, error) {
	reply, err := s.request(ctx, protocol.TypeCallTool, protocol.CallToolPayload{
		ToolName: toolName,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	var payload protocol.ToolCallResultPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return payload.Result, nil
}

// CheckConnection queries (and with force, actively verifies) the endpoint
// connection.
func (s *Stub) CheckConnection(ctx context.Context, force bool) (protocol.ConnectionStatusPayload, error) {
	var status protocol.ConnectionStatusPayload
	reply, err := s.request(ctx, protocol.TypeCheckConnection, protocol.CheckConnectionPayload{ForceCheck: force})
	if err != nil {
		return status, err
	}
	err = reply.DecodePayload(&status)
	return status, err
}

// GetToolDetails fetches the primitive set, optionally bypassing the broker
// cache.
func (s *Stub) GetToolDetails(ctx context.Context, forceRefresh bool) ([]protocol.Primitive, error) {
	reply, err := s.request(ctx, protocol.TypeGetToolDetails, protocol.GetToolDetailsPayload{ForceRefresh: forceRefresh})
	if err != nil {
		return nil, err
	}
	var payload protocol.ToolDetailsResultPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return nil, err
	}
	return payload.Primitives, nil
}

// ForceReconnect asks the broker for a user-initiated endpoint reconnect.
func (s *Stub) ForceReconnect(ctx context.Context) (protocol.ReconnectResultPayload, error) {
	var result protocol.ReconnectResultPayload
	reply, err := s.request(ctx, protocol.TypeForceReconnect, nil)
	if err != nil {
		return result, err
	}
	err = reply.DecodePayload(&result)
	return result, err
}

// GetServerConfig fetches the persisted endpoint configuration.
func (s *Stub) GetServerConfig(ctx context.Context) (protocol.ServerConfig, error) {
	reply, err := s.request(ctx, protocol.TypeGetServerConfig, nil)
	if err != nil {
		return protocol.ServerConfig{}, err
	}
	var payload protocol.ServerConfigResultPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return protocol.ServerConfig{}, err
	}
	return payload.Config, nil
}

// UpdateServerConfig replaces the endpoint configuration.
func (s *Stub) UpdateServerConfig(ctx context.Context, uri string) error {
	reply, err := s.request(ctx, protocol.TypeUpdateServerConfig, protocol.UpdateServerConfigPayload{
		Config: protocol.ServerConfig{URI: uri},
	})
	if err != nil {
		return err
	}
	var payload protocol.UpdateServerConfigResultPayload
	if err := reply.DecodePayload(&payload); err != nil {
		return err
	}
	if !payload.Success {
		return mcperrors.New(mcperrors.CodeInternalError, mcperrors.CategoryUnknown,
			"broker rejected the configuration update")
	}
	return nil
}

// request sends one correlated request and waits for its reply. ERROR replies
// come back as structured errors.
func (s *Stub) request(ctx context.Context, msgType protocol.MessageType, payload interface{}) (*protocol.Envelope, error) {
	id := uuid.NewString()
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	s.mu.Lock()
	if s.closed || s.failed {
		s.mu.Unlock()
		return nil, s.terminalError()
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to broker")
	}
	s.pending[id] = &pendingRequest{ch: ch, sentAt: time.Now()}
	s.mu.Unlock()

	if err := s.send(env); err != nil {
		s.dropPending(id)
		return nil, err
	}

	timeout := s.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		s.dropPending(id)
		return nil, mcperrors.Newf(mcperrors.CodeOperationTimeout, mcperrors.CategoryConnection,
			"request %s timed out after %s", msgType, timeout)
	case reply := <-ch:
		if reply == nil {
			// Channel closed by the sweeper or a terminal shutdown.
			s.mu.Lock()
			terminal := s.closed || s.failed
			s.mu.Unlock()
			if terminal {
				return nil, s.terminalError()
			}
			return nil, mcperrors.Newf(mcperrors.CodeOperationTimeout, mcperrors.CategoryConnection,
				"request %s abandoned without a reply", msgType)
		}
		if reply.Type == protocol.TypeError {
			return nil, decodeErrorReply(reply)
		}
		return reply, nil
	}
}

// send serializes writes; gorilla allows one concurrent writer.
func (s *Stub) send(env *protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to broker")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", env.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"not connected to broker")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stub) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, mcperrors.Wrap(err, mcperrors.CodeConnectionFailed, mcperrors.CategoryConnection,
			fmt.Sprintf("failed to connect to broker at %s", s.cfg.URL))
	}
	return conn, nil
}

func (s *Stub) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || !s.reconnect(ctx) {
				return
			}
			s.mu.Lock()
			conn = s.conn
			s.mu.Unlock()
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed broker message", logging.ErrorField(err))
			continue
		}
		s.dispatch(&env)
	}
}

func (s *Stub) dispatch(env *protocol.Envelope) {
	if env.RequestID == protocol.BroadcastRequestID {
		s.dispatchBroadcast(env)
		return
	}

	s.mu.Lock()
	pending, ok := s.pending[env.RequestID]
	if ok {
		delete(s.pending, env.RequestID)
	}
	s.mu.Unlock()
	if !ok {
		// Late reply after a sweep, or a heartbeat echo.
		if env.Type != protocol.TypeHeartbeatResponse {
			s.logger.Debug("dropping uncorrelated reply",
				logging.String("type", string(env.Type)),
				logging.String("request_id", env.RequestID),
			)
		}
		return
	}
	pending.ch <- env
}

func (s *Stub) dispatchBroadcast(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeConnectionStatus:
		var status protocol.ConnectionStatusPayload
		if err := env.DecodePayload(&status); err != nil {
			return
		}
		s.notifyStatus(status)
	case protocol.TypeToolDetailsResult:
		var payload protocol.ToolDetailsResultPayload
		if err := env.DecodePayload(&payload); err != nil {
			return
		}
		s.mu.Lock()
		listeners := append([]ToolDetailsListener(nil), s.toolsFn...)
		s.mu.Unlock()
		for _, fn := range listeners {
			fn(payload.Primitives)
		}
	}
}

func (s *Stub) notifyStatus(status protocol.ConnectionStatusPayload) {
	s.mu.Lock()
	listeners := append([]StatusListener(nil), s.statusFn...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(status)
	}
}

// reconnect redials after a lost connection, pacing attempts with backoff.
// It reports false once the attempt budget is exhausted, which terminally
// fails the stub.
func (s *Stub) reconnect(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warn("broker connection lost, reconnecting")

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		delay := s.cfg.Backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := s.dial(dialCtx)
		cancel()
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return false
			}
			s.conn = conn
			s.mu.Unlock()
			s.logger.Info("reconnected to broker", logging.Int("attempt", attempt))
			return true
		}
		s.logger.Warn("reconnect attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("budget", s.cfg.MaxReconnectAttempts),
			logging.ErrorField(err),
		)
	}

	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
	s.failPending(s.terminalError())
	s.notifyStatus(protocol.ConnectionStatusPayload{
		IsConnected: false,
		Message:     "connection to broker lost",
	})
	return false
}

func (s *Stub) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, uuid.NewString(),
				protocol.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := s.send(env); err != nil {
				s.logger.Debug("heartbeat send failed", logging.ErrorField(err))
			}
		}
	}
}

// sweepLoop abandons pending requests whose replies never came, so a silent
// broker cannot leak waiters forever.
func (s *Stub) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, pending := range s.pending {
				if time.Since(pending.sentAt) > s.cfg.RequestTimeout {
					delete(s.pending, id)
					close(pending.ch)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Stub) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Stub) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()
	for _, p := range pending {
		close(p.ch)
	}
	if len(pending) > 0 {
		s.logger.Warn("abandoned pending requests",
			logging.Int("count", len(pending)),
			logging.ErrorField(err),
		)
	}
}

func (s *Stub) terminalError() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return mcperrors.New(mcperrors.CodeNotConnected, mcperrors.CategoryConnection,
			"stub is closed")
	}
	be := mcperrors.New(mcperrors.CodePermanentFailure, mcperrors.CategoryPermanent,
		"connection to broker permanently lost")
	return mcperrors.WithRemediation(be, "Create a new stub to reconnect.")
}

// decodeErrorReply converts a broker ERROR payload into a structured error.
func decodeErrorReply(env *protocol.Envelope) error {
	var payload protocol.ErrorPayload
	if err := env.DecodePayload(&payload); err != nil {
		return mcperrors.New(mcperrors.CodeInternalError, mcperrors.CategoryUnknown,
			"broker sent an undecodable error")
	}

	category := mcperrors.CategoryUnknown
	code := mcperrors.CodeInternalError
	switch payload.ErrorType {
	case protocol.ErrorTypeTool:
		category, code = mcperrors.CategoryTool, mcperrors.CodeToolError
	case protocol.ErrorTypeToolNotFound:
		category, code = mcperrors.CategoryTool, mcperrors.CodeToolNotFound
	case protocol.ErrorTypeConnection:
		category, code = mcperrors.CategoryConnection, mcperrors.CodeConnectionLost
	case protocol.ErrorTypeTimeout:
		category, code = mcperrors.CategoryConnection, mcperrors.CodeOperationTimeout
	case protocol.ErrorTypeInvalidRequest:
		category, code = mcperrors.CategoryValidation, mcperrors.CodeInvalidRequest
	}
	return mcperrors.New(code, category, payload.ErrorMessage)
}
