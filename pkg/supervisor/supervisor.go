// Package supervisor owns the lifecycle of the endpoint connection: it
// serializes concurrent connect attempts into a single dial, tracks the
// consecutive-failure budget that ends in permanent failure, and optionally
// drives backoff-paced automatic reconnects.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/singleflight"

	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFailed       = "failed"
)

// State machine events.
const (
	eventDial      = "dial"
	eventEstablish = "establish"
	eventLost      = "lost"
	eventExhaust   = "exhaust"
	eventReset     = "reset"
)

// Client is the endpoint connection the supervisor manages.
type Client interface {
	Connect(ctx context.Context, uri string) error
	Ping(ctx context.Context) error
	Disconnect(ctx context.Context)
	Connected() bool
}

// StateListener observes connection state changes.
type StateListener func(connected bool, message string)

// Config configures a Supervisor.
type Config struct {
	// MaxConsecutiveFailures is the connect-failure budget. Once exhausted
	// the supervisor enters permanent failure and refuses implicit
	// reconnects until ForceReconnect or a new endpoint URI.
	MaxConsecutiveFailures int

	// FreshWindow is how recently the connection must have seen traffic for
	// EnsureFresh to skip the liveness probe.
	FreshWindow time.Duration

	// PingTimeout bounds the liveness probe.
	PingTimeout time.Duration

	// AutoReconnect enables the background reconnect loop.
	AutoReconnect bool

	// Backoff paces automatic reconnect attempts.
	Backoff BackoffConfig

	// Logger receives supervisor logs. Nil disables logging.
	Logger logging.Logger
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		FreshWindow:            30 * time.Second,
		PingTimeout:            5 * time.Second,
		Backoff:                DefaultBackoffConfig(),
	}
}

// Supervisor manages one endpoint connection. All methods are safe for
// concurrent use; overlapping connect attempts collapse into a single dial
// whose outcome every caller shares.
type Supervisor struct {
	cfg    Config
	client Client
	logger logging.Logger

	machine *fsm.FSM
	dials   singleflight.Group

	mu           sync.Mutex
	uri          string
	failures     int
	lastError    error
	lastActivity time.Time
	listeners    []StateListener

	loopCancel context.CancelFunc
	loopWake   chan struct{}
	loopDone   chan struct{}
}

// New creates a Supervisor over client.
func New(client Client, cfg Config) *Supervisor {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = 30 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Noop()
	}

	s := &Supervisor{
		cfg:      cfg,
		client:   client,
		logger:   logger.WithComponent("supervisor"),
		loopWake: make(chan struct{}, 1),
	}

	s.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventDial, Src: []string{StateDisconnected, StateConnected, StateConnecting}, Dst: StateConnecting},
			{Name: eventEstablish, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventLost, Src: []string{StateConnecting, StateConnected}, Dst: StateDisconnected},
			{Name: eventExhaust, Src: []string{StateConnecting, StateDisconnected}, Dst: StateFailed},
			{Name: eventReset, Src: []string{StateFailed}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_" + StateConnected: func(_ context.Context, _ *fsm.Event) {
				s.notify(true, "connected to endpoint")
			},
			"enter_" + StateDisconnected: func(_ context.Context, _ *fsm.Event) {
				s.notify(false, "disconnected from endpoint")
				s.wakeLoop()
			},
			"enter_" + StateFailed: func(_ context.Context, _ *fsm.Event) {
				s.notify(false, "reconnect budget exhausted")
			},
		},
	)
	return s
}

// Start launches the automatic reconnect loop when enabled. Safe to call once.
func (s *Supervisor) Start(ctx context.Context) {
	if !s.cfg.AutoReconnect {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	go s.reconnectLoop(loopCtx)
}

// Stop ends the reconnect loop and disconnects the client.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.loopCancel != nil {
		s.loopCancel()
		<-s.loopDone
	}
	s.client.Disconnect(ctx)
	if err := s.machine.Event(ctx, eventLost); err == nil {
		s.logger.Info("supervisor stopped")
	}
}

// Connect targets uri and dials it. A fresh URI always clears permanent
// failure: changing configuration is the user's way out of a dead endpoint.
func (s *Supervisor) Connect(ctx context.Context, uri string) error {
	s.mu.Lock()
	changed := uri != s.uri
	s.uri = uri
	if changed {
		s.failures = 0
	}
	s.mu.Unlock()

	if changed && s.State() == StateFailed {
		s.reset(ctx)
	}
	return s.connect(ctx, false)
}

// ForceReconnect is the explicit user-initiated reconnect: it clears the
// failure budget and permanent failure, drops the current connection and
// dials again.
func (s *Supervisor) ForceReconnect(ctx context.Context) error {
	s.mu.Lock()
	s.failures = 0
	s.lastError = nil
	s.mu.Unlock()

	if s.State() == StateFailed {
		s.reset(ctx)
	}
	s.client.Disconnect(ctx)
	return s.connect(ctx, true)
}

// EnsureFresh guarantees a live connection before returning: recently active
// connections pass immediately, stale ones are probed, dead or absent ones
// are redialed. Permanent failure surfaces as an error without any dial.
func (s *Supervisor) EnsureFresh(ctx context.Context) error {
	if s.State() == StateConnected && s.client.Connected() {
		s.mu.Lock()
		fresh := time.Since(s.lastActivity) < s.cfg.FreshWindow
		s.mu.Unlock()
		if fresh {
			return nil
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		err := s.client.Ping(pingCtx)
		cancel()
		if err == nil {
			s.Touch()
			return nil
		}
		s.logger.Warn("liveness probe failed, redialing", logging.ErrorField(err))
		s.client.Disconnect(ctx)
		s.event(ctx, eventLost)
	}
	return s.connect(ctx, false)
}

// ReportSuccess records endpoint traffic so EnsureFresh can skip probing.
func (s *Supervisor) ReportSuccess() {
	s.Touch()
}

// ReportFailure reacts to an operation failure. Only failures classified as
// connection errors drop the connection; tool and unknown failures leave
// shared state alone.
func (s *Supervisor) ReportFailure(ctx context.Context, err error) {
	if mcperrors.Classify(err) != mcperrors.CategoryConnection {
		return
	}
	s.logger.Warn("connection-classified failure, dropping connection", logging.ErrorField(err))
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()
	s.client.Disconnect(ctx)
	s.event(ctx, eventLost)
}

// Touch records activity now.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Supervisor) State() string {
	return s.machine.Current()
}

// Connected reports whether the supervisor considers the connection live.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected && s.client.Connected()
}

// LastError returns the most recent connect or connection failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// ConsecutiveFailures returns the current failure count.
func (s *Supervisor) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// OnStateChange registers a listener for connection state transitions.
// Listeners run synchronously on the transitioning goroutine.
func (s *Supervisor) OnStateChange(listener StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// connect collapses concurrent callers into one dial. userInitiated dials
// ignore permanent failure; implicit ones refuse it immediately.
func (s *Supervisor) connect(ctx context.Context, userInitiated bool) error {
	if !userInitiated && s.State() == StateFailed {
		return s.permanentError()
	}

	_, err, shared := s.dials.Do("dial", func() (interface{}, error) {
		return nil, s.dial(ctx)
	})
	if shared {
		s.logger.Debug("connect attempt shared with concurrent caller")
	}
	return err
}

func (s *Supervisor) dial(ctx context.Context) error {
	s.mu.Lock()
	uri := s.uri
	s.mu.Unlock()
	if uri == "" {
		return mcperrors.New(mcperrors.CodeMissingParameter, mcperrors.CategoryValidation,
			"no endpoint configured")
	}

	s.event(ctx, eventDial)
	err := s.client.Connect(ctx, uri)
	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.lastError = nil
		s.lastActivity = time.Now()
		s.mu.Unlock()
		s.event(ctx, eventEstablish)
		s.logger.Info("endpoint connection established", logging.String("uri", uri))
		return nil
	}

	s.mu.Lock()
	s.failures++
	s.lastError = err
	failures := s.failures
	s.mu.Unlock()

	s.logger.Warn("connect attempt failed",
		logging.Int("consecutive_failures", failures),
		logging.Int("budget", s.cfg.MaxConsecutiveFailures),
		logging.ErrorField(err),
	)

	if failures >= s.cfg.MaxConsecutiveFailures {
		s.event(ctx, eventExhaust)
		return s.permanentError()
	}
	s.event(ctx, eventLost)
	return err
}

func (s *Supervisor) permanentError() error {
	s.mu.Lock()
	cause := s.lastError
	s.mu.Unlock()

	be := mcperrors.Wrap(cause, mcperrors.CodePermanentFailure, mcperrors.CategoryPermanent,
		"endpoint connection permanently failed")
	return mcperrors.WithRemediation(be,
		"Check the endpoint configuration, then trigger a manual reconnect.")
}

func (s *Supervisor) reset(ctx context.Context) {
	s.event(ctx, eventReset)
}

func (s *Supervisor) event(ctx context.Context, name string) {
	if err := s.machine.Event(ctx, name); err != nil {
		s.logger.Debug("state transition skipped",
			logging.String("event", name),
			logging.String("state", s.machine.Current()),
			logging.ErrorField(err),
		)
	}
}

func (s *Supervisor) notify(connected bool, message string) {
	s.mu.Lock()
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(connected, message)
	}
}

func (s *Supervisor) wakeLoop() {
	select {
	case s.loopWake <- struct{}{}:
	default:
	}
}

// reconnectLoop redials after unplanned disconnects, pacing attempts with
// exponential backoff. It gives up on permanent failure and waits for the
// next disconnect signal.
func (s *Supervisor) reconnectLoop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.loopWake:
		}

		for attempt := 1; s.State() == StateDisconnected; attempt++ {
			delay := s.cfg.Backoff.Delay(attempt)
			s.logger.Info("scheduling reconnect",
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			err := s.connect(ctx, false)
			if err == nil {
				break
			}
			if mcperrors.IsCategory(err, mcperrors.CategoryPermanent) {
				s.logger.Error("automatic reconnect abandoned", logging.ErrorField(err))
				break
			}
		}
	}
}
