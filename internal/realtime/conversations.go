package realtime

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/pubsub"
)

// ConversationListAttachment implements the read-only conversation-list
// projection of spec §4.5: present only because it shares the fabric.
// Contract is "push updated list when any participating conversation
// changes" — rather than interpreting every event, it re-derives the
// list from the Store and pushes the whole projection on any fabric
// activity for the caller, which is simpler and always consistent with
// Store state.
func (s *Server) ConversationListAttachment(c *gin.Context) {
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
		logger.Error("conversation-list attachment: subscribe failed", zap.String("user_id", userID.String()), zap.Error(err))
		cn.closeWithCode(closeInternalServerIssues, "subscribe failed")
		return
	}
	defer sub.Close()

	done := make(chan struct{})
	go s.conversationListRefreshLoop(ctx, cn, userID, sub, done)
	go cn.heartbeat(done)
	drainPings(cn)
	close(done)
}

// conversationListRefreshLoop re-derives and re-pushes the full
// conversation-list projection whenever a fabric event arrives for this
// user, rather than forwarding the raw event.
func (s *Server) conversationListRefreshLoop(ctx context.Context, cn *conn, userID uuid.UUID, sub pubsub.Subscription, done <-chan struct{}) {
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := cn.writeJSON(s.pendingCallsSnapshotFor(ctx, userID)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
