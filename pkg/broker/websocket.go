package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

const writeTimeout = 10 * time.Second

// WSServer accepts consumer WebSocket connections and pumps their messages
// into the broker. One session per connection.
type WSServer struct {
	broker   *Broker
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewWSServer creates a WSServer over broker.
func NewWSServer(broker *Broker, logger logging.Logger) *WSServer {
	if logger == nil {
		logger = logging.Noop()
	}
	return &WSServer{
		broker: broker,
		logger: logger.WithComponent("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Consumers are browser extensions; the origin is not a trust
			// boundary for a localhost daemon.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", logging.ErrorField(err))
		return
	}

	channel := newWSChannel(conn)
	sessionID := s.broker.AddSession(channel)
	defer func() {
		s.broker.RemoveSession(sessionID)
		channel.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("session read failed",
					logging.String("session_id", sessionID),
					logging.ErrorField(err),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if errEnv, buildErr := protocol.NewEnvelope(protocol.TypeError, "", protocol.ErrorPayload{
				ErrorType:    protocol.ErrorTypeInvalidRequest,
				ErrorMessage: "malformed message: " + err.Error(),
			}); buildErr == nil {
				channel.Send(errEnv)
			}
			continue
		}

		// Handlers that can block on the endpoint run off the read loop:
		// the loop must keep pumping heartbeats while a call is in flight,
		// or the sweeper would expire a session that is heartbeating on
		// schedule. Replies stay ordered per request, not per session.
		if blockingMessage(env.Type) {
			go s.broker.HandleMessage(r.Context(), sessionID, &env)
		} else {
			s.broker.HandleMessage(r.Context(), sessionID, &env)
		}
	}
}

// blockingMessage reports whether a message type's handler may wait on the
// endpoint (connect, dial, tool dispatch) rather than answering immediately.
func blockingMessage(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeCallTool,
		protocol.TypeCheckConnection,
		protocol.TypeGetToolDetails,
		protocol.TypeForceReconnect,
		protocol.TypeUpdateServerConfig:
		return true
	}
	return false
}

// wsChannel adapts a websocket connection to the Channel interface. Gorilla
// allows one concurrent writer, so sends serialize on a mutex.
type wsChannel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(env *protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
