// Package broker multiplexes consumer sessions onto the single endpoint
// connection. It owns the session registry and heartbeat sweeping, routes
// consumer requests through the connection supervisor and primitive cache,
// and pushes connection-status and tool-list broadcasts to every session.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridgekit/mcp-bridge/pkg/configstore"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/primitives"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
	"github.com/bridgekit/mcp-bridge/pkg/supervisor"
)

// Channel is the write side of one consumer session.
type Channel interface {
	Send(env *protocol.Envelope) error
	Close() error
}

// ToolClient invokes tools on the connected endpoint.
type ToolClient interface {
	Call(ctx context.Context, toolName string, args map[string]interface{}) (json.RawMessage, error)
}

// ConnectionSupervisor is the slice of the supervisor the broker drives.
type ConnectionSupervisor interface {
	Connect(ctx context.Context, uri string) error
	ForceReconnect(ctx context.Context) error
	EnsureFresh(ctx context.Context) error
	Connected() bool
	State() string
	ReportSuccess()
	ReportFailure(ctx context.Context, err error)
	OnStateChange(listener supervisor.StateListener)
}

// Config configures a Broker.
type Config struct {
	// SweepInterval is how often stale sessions are collected.
	SweepInterval time.Duration

	// StaleThreshold is how long a session may stay silent before it is
	// dropped. Heartbeats and any other traffic reset the clock.
	StaleThreshold time.Duration

	// CallTimeout bounds one tool dispatch.
	CallTimeout time.Duration

	// Logger receives broker logs. Nil disables logging.
	Logger logging.Logger

	// Metrics receives broker observations. Optional.
	Metrics *Metrics
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  15 * time.Second,
		StaleThreshold: 30 * time.Second,
		CallTimeout:    60 * time.Second,
	}
}

// session is one registered consumer.
type session struct {
	id      string
	channel Channel

	mu           sync.Mutex
	lastActivity time.Time
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Broker routes consumer messages to the endpoint connection and fans
// broadcasts back out. All methods are safe for concurrent use.
type Broker struct {
	cfg     Config
	sup     ConnectionSupervisor
	client  ToolClient
	cache   *primitives.Cache
	store   configstore.Store
	logger  logging.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[string]*session

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a Broker. The supervisor's state changes are immediately wired
// to connection-status broadcasts.
func New(sup ConnectionSupervisor, client ToolClient, cache *primitives.Cache, store configstore.Store, cfg Config) *Broker {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}

	b := &Broker{
		cfg:      cfg,
		sup:      sup,
		client:   client,
		cache:    cache,
		store:    store,
		logger:   logger.WithComponent("broker"),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
	}

	sup.OnStateChange(func(connected bool, message string) {
		b.BroadcastConnectionStatus(connected, message)
	})
	return b
}

// Start launches the stale-session sweeper.
func (b *Broker) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	b.sweepCancel = cancel
	b.sweepDone = make(chan struct{})
	go b.sweepLoop(sweepCtx)
}

// Stop ends the sweeper and closes every session.
func (b *Broker) Stop() {
	if b.sweepCancel != nil {
		b.sweepCancel()
		<-b.sweepDone
	}

	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, sess := range sessions {
		sess.channel.Close()
	}
	b.metrics.SetSessions(0)
}

// AddSession registers a consumer channel and returns its session id.
func (b *Broker) AddSession(channel Channel) string {
	sess := &session{
		id:           uuid.NewString(),
		channel:      channel,
		lastActivity: time.Now(),
	}

	b.mu.Lock()
	b.sessions[sess.id] = sess
	count := len(b.sessions)
	b.mu.Unlock()

	b.metrics.SetSessions(count)
	b.logger.Info("session registered",
		logging.String("session_id", sess.id),
		logging.Int("sessions", count),
	)
	return sess.id
}

// RemoveSession drops a session without closing its channel; the caller owns
// the connection.
func (b *Broker) RemoveSession(id string) {
	b.mu.Lock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	count := len(b.sessions)
	b.mu.Unlock()

	if ok {
		b.metrics.SetSessions(count)
		b.logger.Info("session removed",
			logging.String("session_id", id),
			logging.Int("sessions", count),
		)
	}
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func (b *Broker) lookup(id string) *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[id]
}

// BroadcastConnectionStatus pushes the connection state to every session.
func (b *Broker) BroadcastConnectionStatus(connected bool, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeConnectionStatus, protocol.BroadcastRequestID,
		protocol.ConnectionStatusPayload{IsConnected: connected, Message: message})
	if err != nil {
		b.logger.Error("failed to build status broadcast", logging.ErrorField(err))
		return
	}
	b.broadcast(env)
}

// BroadcastToolDetails pushes the current primitive set to every session.
func (b *Broker) BroadcastToolDetails(set []protocol.Primitive) {
	env, err := protocol.NewEnvelope(protocol.TypeToolDetailsResult, protocol.BroadcastRequestID,
		protocol.ToolDetailsResultPayload{Primitives: set})
	if err != nil {
		b.logger.Error("failed to build tool details broadcast", logging.ErrorField(err))
		return
	}
	b.broadcast(env)
}

// broadcast fans env out to every session. A failing session is dropped and
// closed; its failure never blocks delivery to the others.
func (b *Broker) broadcast(env *protocol.Envelope) {
	b.mu.RLock()
	targets := make([]*session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		targets = append(targets, sess)
	}
	b.mu.RUnlock()

	b.metrics.IncBroadcast(string(env.Type))
	for _, sess := range targets {
		if err := sess.channel.Send(env); err != nil {
			b.logger.Warn("broadcast delivery failed, dropping session",
				logging.String("session_id", sess.id),
				logging.ErrorField(err),
			)
			b.RemoveSession(sess.id)
			sess.channel.Close()
		}
	}
}

// OnEndpointNotification reacts to server-pushed change notifications by
// invalidating the cache, refetching and broadcasting the fresh set.
func (b *Broker) OnEndpointNotification(method string, params json.RawMessage) {
	switch method {
	case protocol.MethodToolsChanged, protocol.MethodResourcesChanged, protocol.MethodPromptsChanged:
	default:
		return
	}
	b.logger.Info("endpoint primitives changed", logging.String("method", method))
	b.cache.Invalidate()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
	defer cancel()
	set, err := b.cache.Get(ctx, true)
	if err != nil {
		b.logger.Warn("primitive refetch after change notification failed", logging.ErrorField(err))
		return
	}
	b.BroadcastToolDetails(set)
}

// sweepLoop periodically drops sessions whose consumers stopped heartbeating.
// Dropped sessions get a final status message so a half-broken consumer can
// tell it was cut off rather than the endpoint.
func (b *Broker) sweepLoop(ctx context.Context) {
	defer close(b.sweepDone)
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweepStale()
		}
	}
}

func (b *Broker) sweepStale() {
	b.mu.RLock()
	var stale []*session
	for _, sess := range b.sessions {
		if sess.idleFor() > b.cfg.StaleThreshold {
			stale = append(stale, sess)
		}
	}
	b.mu.RUnlock()

	for _, sess := range stale {
		b.logger.Info("dropping stale session",
			logging.String("session_id", sess.id),
			logging.Duration("idle", sess.idleFor()),
		)
		b.metrics.IncStaleSessions()

		if env, err := protocol.NewEnvelope(protocol.TypeConnectionStatus, protocol.BroadcastRequestID,
			protocol.ConnectionStatusPayload{IsConnected: false, Message: "session expired"}); err == nil {
			sess.channel.Send(env)
		}
		b.RemoveSession(sess.id)
		sess.channel.Close()
	}
}
