package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/middleware"
	"github.com/talkline/callengine/internal/pubsub"
	"github.com/talkline/callengine/internal/session"
)

// Server hosts the three realtime attachment kinds of spec §4.5 over one
// shared upgrader and Pub/Sub Fabric.
type Server struct {
	Engine     *session.Engine
	Store      db.Querier
	Fabric     pubsub.Fabric
	AuthIssuer *middleware.TokenIssuer

	// EndGrace is how long the call attachment keeps a connection open
	// after relaying a call_ended event, per spec §4.3.3's "close
	// attachments after ≤1s grace" (the client gets a moment to read the
	// terminal event off the wire before the server hangs up on it).
	EndGrace time.Duration

	upgrader websocket.Upgrader
}

// NewServer builds a Server. CheckOrigin is left permissive: the caller
// authenticates via the bearer credential in the query string, not via
// browser origin.
func NewServer(engine *session.Engine, store db.Querier, fabric pubsub.Fabric, authIssuer *middleware.TokenIssuer, endGrace time.Duration) *Server {
	return &Server{
		Engine:     engine,
		Store:      store,
		Fabric:     fabric,
		AuthIssuer: authIssuer,
		EndGrace:   endGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the three attachment endpoints onto r.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/call/:session_id", s.CallAttachment)
	r.GET("/notifications", s.NotificationAttachment)
	r.GET("/conversations", s.ConversationListAttachment)
}

// authenticate reads the short-lived bearer credential carried in the
// query string at attach (spec §6) and resolves it to a caller id.
func (s *Server) authenticate(c *gin.Context) (uuid.UUID, bool) {
	token := c.Query("token")
	if token == "" {
		return uuid.Nil, false
	}
	userID, err := s.AuthIssuer.Verify(token)
	if err != nil {
		return uuid.Nil, false
	}
	return userID, true
}

func (s *Server) upgrade(c *gin.Context) (*conn, bool) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	return newConn(ws), true
}
