package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mcperrors "github.com/bridgekit/mcp-bridge/pkg/errors"
	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

// maxToolHints caps how many known tool names a TOOL_NOT_FOUND error lists.
const maxToolHints = 5

// HandleMessage routes one consumer message. Every outcome is delivered back
// on the session's channel; HandleMessage itself never fails the session.
func (b *Broker) HandleMessage(ctx context.Context, sessionID string, env *protocol.Envelope) {
	sess := b.lookup(sessionID)
	if sess == nil {
		b.logger.Warn("message for unknown session", logging.String("session_id", sessionID))
		return
	}
	sess.touch()
	b.metrics.IncMessage(string(env.Type))

	switch env.Type {
	case protocol.TypeHeartbeat:
		b.handleHeartbeat(sess, env)
	case protocol.TypeCheckConnection:
		b.handleCheckConnection(ctx, sess, env)
	case protocol.TypeCallTool:
		b.handleCallTool(ctx, sess, env)
	case protocol.TypeGetToolDetails:
		b.handleGetToolDetails(ctx, sess, env)
	case protocol.TypeForceReconnect:
		b.handleForceReconnect(ctx, sess, env)
	case protocol.TypeGetServerConfig:
		b.handleGetServerConfig(ctx, sess, env)
	case protocol.TypeUpdateServerConfig:
		b.handleUpdateServerConfig(ctx, sess, env)
	default:
		b.replyError(sess, env.RequestID, protocol.ErrorTypeInvalidRequest,
			fmt.Sprintf("unsupported message type %q", env.Type))
	}
}

func (b *Broker) handleHeartbeat(sess *session, env *protocol.Envelope) {
	var payload protocol.HeartbeatPayload
	// A missing payload is tolerated; the echo is then zero.
	_ = env.DecodePayload(&payload)

	b.reply(sess, env.RequestID, protocol.TypeHeartbeatResponse, protocol.HeartbeatResponsePayload{
		Timestamp:       payload.Timestamp,
		ServerTimestamp: time.Now().UnixMilli(),
	})
}

func (b *Broker) handleCheckConnection(ctx context.Context, sess *session, env *protocol.Envelope) {
	var payload protocol.CheckConnectionPayload
	_ = env.DecodePayload(&payload)

	message := ""
	if payload.ForceCheck {
		checkCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
		if err := b.sup.EnsureFresh(checkCtx); err != nil {
			message = userMessage(err)
		}
		cancel()
	}
	b.reply(sess, env.RequestID, protocol.TypeConnectionStatus, protocol.ConnectionStatusPayload{
		IsConnected: b.sup.Connected(),
		Message:     message,
	})
}

// handleCallTool runs the dispatch pipeline: validate, ensure a live
// connection, verify the tool against the cache, sanitize the arguments,
// dispatch, classify the outcome.
func (b *Broker) handleCallTool(ctx context.Context, sess *session, env *protocol.Envelope) {
	var payload protocol.CallToolPayload
	if err := env.DecodePayload(&payload); err != nil {
		b.metrics.IncToolCall("invalid_request")
		b.replyError(sess, env.RequestID, protocol.ErrorTypeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(payload.ToolName) == "" {
		b.metrics.IncToolCall("invalid_request")
		b.replyError(sess, env.RequestID, protocol.ErrorTypeInvalidRequest, "toolName is required")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if err := b.sup.EnsureFresh(callCtx); err != nil {
		b.metrics.IncToolCall("connection_error")
		b.replyError(sess, env.RequestID, protocol.ErrorTypeConnection, userMessage(err))
		return
	}

	// Verify the tool exists before spending a round trip. Verification
	// trouble fails open: an unreachable cache must not block dispatch.
	if _, err := b.cache.Get(callCtx, false); err != nil {
		b.logger.Warn("tool verification unavailable, dispatching anyway",
			logging.String("tool", payload.ToolName),
			logging.ErrorField(err),
		)
	} else if _, found, known := b.cache.FindTool(payload.ToolName); known && !found {
		b.metrics.IncToolCall("tool_not_found")
		b.replyError(sess, env.RequestID, protocol.ErrorTypeToolNotFound,
			toolNotFoundMessage(payload.ToolName, b.cache.ToolNames()))
		return
	}

	result, err := b.client.Call(callCtx, payload.ToolName, sanitizeArgs(payload.Args))
	if err != nil {
		category := mcperrors.Classify(err)
		if category == mcperrors.CategoryConnection {
			b.sup.ReportFailure(ctx, err)
		}
		b.metrics.IncToolCall(string(category) + "_error")
		b.replyError(sess, env.RequestID, errorTypeFor(err, category), userMessage(err))
		return
	}

	b.sup.ReportSuccess()
	b.metrics.IncToolCall("ok")
	b.reply(sess, env.RequestID, protocol.TypeToolCallResult, protocol.ToolCallResultPayload{
		Result: result,
	})
}

func (b *Broker) handleGetToolDetails(ctx context.Context, sess *session, env *protocol.Envelope) {
	var payload protocol.GetToolDetailsPayload
	_ = env.DecodePayload(&payload)

	getCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if err := b.sup.EnsureFresh(getCtx); err != nil {
		b.replyError(sess, env.RequestID, protocol.ErrorTypeConnection, userMessage(err))
		return
	}

	set, err := b.cache.Get(getCtx, payload.ForceRefresh)
	if err != nil {
		b.replyError(sess, env.RequestID, errorTypeFor(err, mcperrors.Classify(err)), userMessage(err))
		return
	}

	b.reply(sess, env.RequestID, protocol.TypeToolDetailsResult, protocol.ToolDetailsResultPayload{
		Primitives: set,
	})
	if payload.ForceRefresh {
		b.BroadcastToolDetails(set)
	}
}

func (b *Broker) handleForceReconnect(ctx context.Context, sess *session, env *protocol.Envelope) {
	reconnectCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := b.sup.ForceReconnect(reconnectCtx)
	if err != nil {
		b.logger.Warn("forced reconnect failed", logging.ErrorField(err))
	}

	b.reply(sess, env.RequestID, protocol.TypeReconnectResult, protocol.ReconnectResultPayload{
		Success:     err == nil,
		IsConnected: b.sup.Connected(),
	})

	if err == nil {
		b.cache.Invalidate()
		if set, refreshErr := b.cache.Get(reconnectCtx, true); refreshErr == nil {
			b.BroadcastToolDetails(set)
		} else {
			b.logger.Warn("primitive refresh after reconnect failed", logging.ErrorField(refreshErr))
		}
	}
}

func (b *Broker) handleGetServerConfig(ctx context.Context, sess *session, env *protocol.Envelope) {
	cfg, err := b.store.Load(ctx)
	if err != nil {
		b.replyError(sess, env.RequestID, protocol.ErrorTypeUnknown, userMessage(err))
		return
	}
	b.reply(sess, env.RequestID, protocol.TypeServerConfigResult, protocol.ServerConfigResultPayload{
		Config: cfg,
	})
}

// handleUpdateServerConfig persists the new endpoint first, then swings the
// connection over. A failed connect leaves the config persisted so the user
// can retry or fix the endpoint without re-entering it; the failure itself
// arrives as a status broadcast.
func (b *Broker) handleUpdateServerConfig(ctx context.Context, sess *session, env *protocol.Envelope) {
	var payload protocol.UpdateServerConfigPayload
	if err := env.DecodePayload(&payload); err != nil {
		b.replyError(sess, env.RequestID, protocol.ErrorTypeInvalidRequest, err.Error())
		return
	}

	uri := strings.TrimSpace(payload.Config.URI)
	if err := validateURI(uri); err != nil {
		b.replyError(sess, env.RequestID, protocol.ErrorTypeInvalidRequest, userMessage(err))
		return
	}

	if err := b.store.Save(ctx, protocol.ServerConfig{URI: uri}); err != nil {
		b.replyError(sess, env.RequestID, protocol.ErrorTypeUnknown, userMessage(err))
		return
	}

	b.reply(sess, env.RequestID, protocol.TypeUpdateServerConfigResult, protocol.UpdateServerConfigResultPayload{
		Success: true,
	})

	connectCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	b.cache.Invalidate()
	if err := b.sup.Connect(connectCtx, uri); err != nil {
		b.logger.Warn("connect to updated endpoint failed",
			logging.String("uri", uri),
			logging.ErrorField(err),
		)
		return
	}
	if set, err := b.cache.Get(connectCtx, true); err == nil {
		b.BroadcastToolDetails(set)
	}
}

// reply builds and sends one response envelope. Send failures drop the
// session.
func (b *Broker) reply(sess *session, requestID string, msgType protocol.MessageType, payload interface{}) {
	env, err := protocol.NewEnvelope(msgType, requestID, payload)
	if err != nil {
		b.logger.Error("failed to build reply", logging.ErrorField(err))
		return
	}
	if err := sess.channel.Send(env); err != nil {
		b.logger.Warn("reply delivery failed, dropping session",
			logging.String("session_id", sess.id),
			logging.ErrorField(err),
		)
		b.RemoveSession(sess.id)
		sess.channel.Close()
	}
}

func (b *Broker) replyError(sess *session, requestID, errorType, message string) {
	b.reply(sess, requestID, protocol.TypeError, protocol.ErrorPayload{
		ErrorType:    errorType,
		ErrorMessage: message,
	})
}

// errorTypeFor maps a classified failure onto the wire error type.
func errorTypeFor(err error, category mcperrors.Category) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrorTypeTimeout
	}
	switch category {
	case mcperrors.CategoryTool:
		return protocol.ErrorTypeTool
	case mcperrors.CategoryConnection, mcperrors.CategoryPermanent:
		return protocol.ErrorTypeConnection
	case mcperrors.CategoryValidation:
		return protocol.ErrorTypeInvalidRequest
	default:
		return protocol.ErrorTypeUnknown
	}
}

// userMessage renders an error for consumers, appending the remediation hint
// when one is attached.
func userMessage(err error) string {
	if be, ok := mcperrors.As(err); ok && be.Remediation() != "" {
		return fmt.Sprintf("%s. %s", be.Error(), be.Remediation())
	}
	return err.Error()
}

func toolNotFoundMessage(name string, available []string) string {
	if len(available) == 0 {
		return fmt.Sprintf("tool %q is not available on this endpoint", name)
	}
	if len(available) > maxToolHints {
		available = available[:maxToolHints]
	}
	return fmt.Sprintf("tool %q is not available on this endpoint; known tools include: %s",
		name, strings.Join(available, ", "))
}

// sanitizeArgs round-trips the arguments through JSON so only plain data
// reaches the endpoint.
func sanitizeArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return map[string]interface{}{}
	}
	var clean map[string]interface{}
	if err := json.Unmarshal(data, &clean); err != nil {
		return map[string]interface{}{}
	}
	return clean
}

func validateURI(uri string) error {
	if uri == "" {
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
