package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/pubsub"
	"github.com/talkline/callengine/internal/session"
)

// CallAttachment implements the call/{session_id} attachment of spec
// §4.5: authenticates, verifies participancy and the payment
// precondition, joins the session group, and relays SignalRelay blobs
// and Heartbeats for the lifetime of the connection.
func (s *Server) CallAttachment(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.AbortWithStatus(400)
		return
	}

	callerID, ok := s.authenticate(c)
	if !ok {
		cn, upgraded := s.upgrade(c)
		if !upgraded {
			return
		}
		cn.closeWithCode(CloseAuthFailed, "authentication failed")
		return
	}

	cn, ok := s.upgrade(c)
	if !ok {
		return
	}
	defer cn.close()

	ctx := c.Request.Context()
	snapshot, err := s.Engine.Attach(ctx, sessionID, callerID)
	if err != nil {
		cn.closeWithCode(closeCodeFor(err), err.Error())
		return
	}

	sub, err := s.Fabric.Subscribe(ctx, pubsub.SessionGroup(sessionID.String()))
	if err != nil {
		logger.Error("call attachment: subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		cn.closeWithCode(closeInternalServerIssues, "subscribe failed")
		return
	}
	defer sub.Close()
	defer s.Engine.Detach(sessionID)

	if err := cn.writeJSON(newConnectionEstablished()); err != nil {
		return
	}
	_ = cn.writeJSON(snapshot)

	done := make(chan struct{})
	go s.callForwardLoop(cn, sub, done, callerID)
	go cn.heartbeat(done)
	s.callReadLoop(ctx, cn, sessionID, callerID)
	close(done)
}

// closeCodeFor maps an Engine.Attach error onto spec §4.5's close codes.
func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, session.ErrTerminal):
		return CloseSessionTerminal
	case errors.Is(err, session.ErrPaymentNotValid):
		return ClosePaymentNotValid
	}
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return CloseNoSuchSession
	case apperr.KindAuthorization:
		return CloseNotAParticipant
	default:
		return closeInternalServerIssues
	}
}

// callForwardLoop relays every fabric event for this session to the
// attached connection until the subscription or connection closes, except
// a signal_relay event that originated from this same connection's
// participant: spec §4.3.1 fans SignalRelay out "to the other attachment
// of this session", and §4.6 has it "dropped silently if no peer" rather
// than echoed back to its own sender. A call_ended event additionally
// arms a grace timer (spec §4.3.3/§4.3.5: "close attachments
// after ≤1s grace") that force-closes the connection if the client hasn't
// already disconnected by then.
func (s *Server) callForwardLoop(cn *conn, sub pubsub.Subscription, done <-chan struct{}, callerID uuid.UUID) {
	for {
		select {
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			if isSignalRelayFrom(raw, callerID) {
				continue
			}
			cn.mu.Lock()
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := cn.ws.WriteMessage(websocket.TextMessage, raw)
			cn.mu.Unlock()
			if err != nil {
				return
			}
			if isTerminalEvent(raw) {
				s.armEndGrace(cn, done)
			}
		case <-done:
			return
		}
	}
}

// isTerminalEvent reports whether raw carries a session-terminal event
// type, without fully decoding the Event shape.
func isTerminalEvent(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == string(session.EventCallEnded)
}

// isSignalRelayFrom reports whether raw is a signal_relay event
// originated by callerID, so the forward loop attached to that same
// participant's connection can skip re-emitting it back to its sender.
func isSignalRelayFrom(raw []byte, callerID uuid.UUID) bool {
	var probe struct {
		Type            string `json:"type"`
		FromParticipant string `json:"from_participant"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == string(session.EventSignalRelay) && probe.FromParticipant == callerID.String()
}

// armEndGrace force-closes cn after the configured grace period unless
// done fires first (the client disconnected on its own).
func (s *Server) armEndGrace(cn *conn, done <-chan struct{}) {
	if s.EndGrace <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(s.EndGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cn.close()
		case <-done:
		}
	}()
}

// callReadLoop serves Heartbeat, SignalRelay, get_status, and the
// optional end message from the attached client until it disconnects.
func (s *Server) callReadLoop(ctx context.Context, cn *conn, sessionID, callerID uuid.UUID) {
	for {
		var in inboundMessage
		if err := cn.ws.ReadJSON(&in); err != nil {
			return
		}

		switch in.Type {
		case inboundPing:
			_ = cn.writeJSON(newPong())
		case inboundSignalRelay:
			var payload any
			if len(in.Payload) > 0 {
				_ = json.Unmarshal(in.Payload, &payload)
			}
			if err := s.Engine.SignalRelay(ctx, sessionID, callerID, payload); err != nil {
				_ = cn.writeJSON(newErrorFrame(err.Error()))
			}
		case inboundGetStatus:
			snap, err := s.Engine.Status(ctx, sessionID)
			if err != nil {
				_ = cn.writeJSON(newErrorFrame(err.Error()))
				continue
			}
			_ = cn.writeJSON(snap)
		case inboundEnd:
			reason := in.Reason
			if reason == "" {
				reason = "ended by participant"
			}
			if err := s.Engine.EndCall(ctx, sessionID, callerID, reason); err != nil {
				_ = cn.writeJSON(newErrorFrame(err.Error()))
			}
		default:
			_ = cn.writeJSON(newErrorFrame("unrecognized message type"))
		}
	}
}
