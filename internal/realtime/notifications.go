package realtime

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/pubsub"
)

// pendingCall is one entry of the notification attachment's initial
// snapshot: a currently pending conversation request or ringing incoming
// call for the attaching listener.
type pendingCall struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TalkerID  string `json:"talker_id"`
	Kind      string `json:"kind"`
}

type pendingCallsSnapshot struct {
	Type  string        `json:"type"`
	Calls []pendingCall `json:"pending_calls"`
}

// NotificationAttachment implements the notifications attachment of
// spec §4.5: joins the caller's user-notification group and, on attach,
// emits the list of currently pending conversation requests and
// currently-ringing incoming calls.
func (s *Server) NotificationAttachment(c *gin.Context) {
	userID, ok := s.authenticate(c)
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
	if err := cn.writeJSON(newConnectionEstablished()); err != nil {
		return
	}
	_ = cn.writeJSON(s.pendingCallsSnapshotFor(ctx, userID))

	sub, err := s.Fabric.Subscribe(ctx, pubsub.UserGroup(userID.String()))
	if err != nil {
		logger.Error("notification attachment: subscribe failed", zap.String("user_id", userID.String()), zap.Error(err))
		cn.closeWithCode(closeInternalServerIssues, "subscribe failed")
		return
	}
	defer sub.Close()

	done := make(chan struct{})
	go s.passthroughForwardLoop(cn, sub, done)
	go cn.heartbeat(done)
	drainPings(cn)
	close(done)
}

func (s *Server) pendingCallsSnapshotFor(ctx context.Context, listenerID uuid.UUID) pendingCallsSnapshot {
	sessions, err := s.Store.ListConnectingSessionsForListener(ctx, listenerID.String())
	if err != nil {
		logger.Warn("loading pending conversation requests failed", zap.String("listener_id", listenerID.String()), zap.Error(err))
		return pendingCallsSnapshot{Type: "pending_calls"}
	}

	calls := make([]pendingCall, 0, len(sessions))
	for _, sess := range sessions {
		calls = append(calls, pendingCall{
			Type:      "incoming_call",
			SessionID: sess.ID.String(),
			TalkerID:  sess.TalkerID.String(),
			Kind:      string(sess.Kind),
		})
	}
	return pendingCallsSnapshot{Type: "pending_calls", Calls: calls}
}

// passthroughForwardLoop relays raw fabric payloads to the attached
// connection unchanged, for the notification attachment (the
// conversation-list attachment uses conversationListRefreshLoop instead).
func (s *Server) passthroughForwardLoop(cn *conn, sub pubsub.Subscription, done <-chan struct{}) {
	for {
		select {
		case raw, ok := <-sub.Messages():
			if !ok {
				return
			}
			cn.mu.Lock()
			_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := cn.ws.WriteMessage(websocket.TextMessage, raw)
			cn.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// drainPings reads inbound frames until the client disconnects,
// answering Heartbeats and discarding everything else — these
// read-mostly attachments accept no other inbound message type.
func drainPings(cn *conn) {
	for {
		var in inboundMessage
		if err := cn.ws.ReadJSON(&in); err != nil {
			return
		}
		if in.Type == inboundPing {
			_ = cn.writeJSON(newPong())
		}
	}
}
