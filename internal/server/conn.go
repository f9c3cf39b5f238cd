package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ltp-dev/ltp/internal/limiter"
	"github.com/ltp-dev/ltp/internal/router"
	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/protocol"
)

// connHandler drives one connection through its states:
// Accepted → Handshaking → Authenticated → Live → Closing.
// Reads and writes on the connection are serialized within this handler.
type connHandler struct {
	srv      *Server
	conn     *websocket.Conn
	ip       string
	identity string
	bucket   *limiter.Bucket
	log      *slog.Logger
	span     oteltrace.Span

	sessionID      string
	sessionRemoved bool
	lastDecodeWarn time.Time
}

func (h *connHandler) run(ctx context.Context) {
	defer h.teardown()

	if !h.handshake() {
		return
	}
	h.live(ctx)
}

// handshake reads the first frame, which must be a hello carrying a key
// that validates again (defense in depth behind the upgrade gate), mints
// the session id, and enforces the session-total cap.
func (h *connHandler) handshake() bool {
	cfg := h.srv.config

	h.conn.SetReadLimit(cfg.MaxMessageBytes)
	h.conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))

	msgType, data, err := h.conn.ReadMessage()
	if err != nil {
		h.log.Warn("handshake read failed", "error", err)
		return false
	}
	h.conn.SetReadDeadline(time.Time{})

	if msgType != websocket.TextMessage {
		h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrInvalid, Message: "binary frames are not supported"})
		return false
	}

	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		h.srv.metrics.InvalidJSON.Inc()
		h.srv.metrics.MessagesRejected.WithLabelValues(RejectInvalidJSON).Inc()
		h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrInvalid, Message: "handshake must be a hello frame"})
		return false
	}
	hello, ok := frame.(*protocol.Hello)
	if !ok {
		h.srv.metrics.MessagesRejected.WithLabelValues(RejectUnauthorized).Inc()
		h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrUnauthorized, Message: "handshake must be a hello frame"})
		return false
	}

	if _, ok := h.srv.auth.Validate(hello.APIKey); !ok {
		h.srv.metrics.AuthFailures.Inc()
		h.srv.metrics.MessagesRejected.WithLabelValues(RejectUnauthorized).Inc()
		h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrUnauthorized, Message: "invalid api key"})
		return false
	}

	sid, err := mintSessionID()
	if err != nil {
		h.log.Error("session id mint failed", "error", err)
		return false
	}

	h.srv.store.TouchHeartbeat(sid)
	h.srv.metrics.SessionsCurrent.Inc()
	h.sessionID = sid

	if h.srv.store.Len() > h.srv.config.MaxSessionsTotal {
		h.removeSession()
		h.srv.metrics.MessagesRejected.WithLabelValues(RejectRateLimit).Inc()
		h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrRateLimit, Message: "session capacity reached"})
		h.writeClose(websocket.ClosePolicyViolation, "session capacity reached")
		return false
	}

	h.traceIn(hello)
	h.srv.metrics.MessagesTotal.WithLabelValues("hello").Inc()

	if !h.writeFrame(&protocol.HelloAck{
		NodeID:    h.srv.config.NodeID,
		Accepted:  true,
		SessionID: sid,
	}) {
		return false
	}

	h.log.Info("session established",
		"session_id", sid,
		"identity", h.identity,
		"client_label", hello.ClientLabel)
	return true
}

// live is the message loop. Gate order: size (enforced by the transport
// read limit while the frame is read), per-IP limiter, per-connection
// limiter, decode, session binding, then apply. An oversize frame closes
// the connection without drawing a token from either limiter.
func (h *connHandler) live(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// The transport already answered with the size close code.
				h.srv.metrics.OversizeMessages.Inc()
				h.srv.metrics.MessagesRejected.WithLabelValues(RejectTooLarge).Inc()
				h.log.Warn("oversize frame", "session_id", h.sessionID)
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.log.Warn("read failed", "session_id", h.sessionID, "error", err)
			}
			return
		}

		if !h.srv.ipLimiter.Allow(h.ip) {
			h.srv.metrics.RateLimitViolations.WithLabelValues("ip").Inc()
			h.srv.metrics.MessagesRejected.WithLabelValues(RejectRateLimit).Inc()
			h.writeClose(websocket.ClosePolicyViolation, "ip rate limit exceeded")
			return
		}

		if !h.bucket.Allow() {
			h.srv.metrics.RateLimitViolations.WithLabelValues("connection").Inc()
			h.srv.metrics.MessagesRejected.WithLabelValues(RejectRateLimit).Inc()
			h.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			h.srv.metrics.MessagesRejected.WithLabelValues(RejectInvalidJSON).Inc()
			h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrInvalid, Message: "binary frames are not supported"})
			continue
		}

		frame, err := protocol.DecodeInbound(data)
		if err != nil {
			h.noteDecodeFailure(err)
			h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrInvalid, Message: "invalid frame"})
			continue
		}

		if _, isHello := frame.(*protocol.Hello); isHello {
			h.srv.metrics.MessagesRejected.WithLabelValues(RejectInvalidJSON).Inc()
			h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrInvalid, Message: "session already established"})
			continue
		}

		if sid := protocol.SessionID(frame); sid != h.sessionID {
			h.srv.metrics.MessagesRejected.WithLabelValues(RejectForbidden).Inc()
			h.writeFrame(&protocol.ErrorFrame{Code: protocol.ErrForbidden, Message: "frame references a foreign session"})
			h.writeClose(websocket.ClosePolicyViolation, "session binding violation")
			return
		}

		h.srv.metrics.MessagesTotal.WithLabelValues(protocol.InboundType(frame)).Inc()
		h.span.AddEvent("frame." + protocol.InboundType(frame))
		h.traceIn(frame)
		h.apply(frame)
	}
}

// apply dispatches one bound, accepted frame.
func (h *connHandler) apply(frame protocol.Inbound) {
	switch f := frame.(type) {
	case *protocol.Heartbeat:
		// The janitor may have expired the session concurrently; the touch
		// recreates it and the gauge follows.
		if created := h.srv.store.TouchHeartbeat(h.sessionID); created {
			h.srv.metrics.SessionsCurrent.Inc()
		}
		h.writeFrame(&protocol.HeartbeatAck{SessionID: f.SessionID, TimestampMS: f.TimestampMS})

	case *protocol.Orientation:
		if created := h.srv.store.UpdateOrientation(h.sessionID, f.FocusMomentum, f.TimeOrientation); created {
			h.srv.metrics.SessionsCurrent.Inc()
		}

	case *protocol.RouteRequest:
		var snap *store.Snapshot
		if s, ok := h.srv.store.Snapshot(h.sessionID); ok {
			snap = &s
		}
		h.writeFrame(router.Suggest(h.sessionID, snap))
	}
}

// noteDecodeFailure counts an undecodable frame and warns at most once per
// second per connection; the surplus lands in the suppressed counter.
func (h *connHandler) noteDecodeFailure(err error) {
	h.srv.metrics.InvalidJSON.Inc()
	h.srv.metrics.MessagesRejected.WithLabelValues(RejectInvalidJSON).Inc()

	now := time.Now()
	if now.Sub(h.lastDecodeWarn) >= time.Second {
		h.lastDecodeWarn = now
		h.log.Warn("frame decode failed", "session_id", h.sessionID, "error", err)
	} else {
		h.srv.metrics.InvalidJSONSuppressed.Inc()
	}
}

// writeFrame encodes, sends, and traces one outbound frame. It reports
// whether the write succeeded.
func (h *connHandler) writeFrame(frame protocol.Outbound) bool {
	data, err := protocol.EncodeOutbound(frame)
	if err != nil {
		h.log.Error("frame encode failed", "error", err)
		return false
	}

	h.conn.SetWriteDeadline(time.Now().Add(h.srv.config.WriteTimeout))
	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.Warn("write failed", "session_id", h.sessionID, "error", err)
		return false
	}

	h.srv.traceFrame("out", h.sessionID, data)
	return true
}

// traceIn records an accepted inbound frame as dispatched.
func (h *connHandler) traceIn(frame protocol.Inbound) {
	raw, err := protocol.EncodeInbound(frame)
	if err != nil {
		h.log.Error("frame re-encode for trace failed", "error", err)
		return
	}
	h.srv.traceFrame("in", h.sessionID, raw)
}

// writeClose attempts a close frame; the peer may already be gone.
func (h *connHandler) writeClose(code int, reason string) {
	deadline := time.Now().Add(h.srv.config.WriteTimeout)
	h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// removeSession drops the handler's session from the store. Idempotent;
// the janitor may already have removed it.
func (h *connHandler) removeSession() {
	if h.sessionID == "" || h.sessionRemoved {
		return
	}
	h.sessionRemoved = true
	if existed := h.srv.store.Remove(h.sessionID); existed {
		h.srv.metrics.SessionsCurrent.Dec()
	}
}

// teardown is the Closing state: remove the session and let the caller's
// deferred bookkeeping release the connection slot.
func (h *connHandler) teardown() {
	h.removeSession()
	if h.sessionID != "" {
		h.log.Info("session closed", "session_id", h.sessionID)
	}
}
