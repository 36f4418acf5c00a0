package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/availability"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/mediatoken"
	"github.com/talkline/callengine/internal/middleware"
	"github.com/talkline/callengine/internal/purchase"
	"github.com/talkline/callengine/internal/session"
	"github.com/talkline/callengine/internal/webhook"
)

// Handlers bundles the collaborators the HTTP surface dispatches to.
type Handlers struct {
	Store       db.Querier
	Purchases   *purchase.Controller
	Engine      *session.Engine
	Reconciler  *webhook.Reconciler
	Arbiter     *availability.Arbiter
	MediaIssuer *mediatoken.Issuer
	AuthIssuer  *middleware.TokenIssuer
	AttachBase  string
}

// Register mounts every route named in spec §6 onto r.
func (h *Handlers) Register(r *gin.Engine) {
	authed := r.Group("/")
	authed.Use(middleware.RequireAuth(h.AuthIssuer))

	authed.POST("/purchases", h.createInitialPurchase)
	authed.POST("/sessions/:session_id/extensions", h.createExtensionPurchase)
	authed.POST("/purchases/:purchase_id/allocate", h.allocateSession)
	authed.POST("/sessions/:session_id/accept", h.acceptSession)
	authed.POST("/sessions/:session_id/end", h.endSession)
	authed.POST("/purchases/:session_id/reject", h.rejectSession)
	authed.GET("/listeners/:listener_id/availability", h.probeAvailability)
	authed.GET("/listeners/:listener_id/balance", h.getBalance)
	authed.GET("/listeners/:listener_id/payouts", h.listPayouts)
	authed.GET("/sessions/:session_id/media-token", h.issueMediaToken)

	r.POST("/webhooks/payment", h.handlePaymentWebhook)
}

type createInitialPurchaseRequest struct {
	ListenerID string `json:"listener_id" binding:"required"`
	TemplateID string `json:"template_id" binding:"required"`
}

// createInitialPurchase implements "Create initial purchase" (spec §6).
func (h *Handlers) createInitialPurchase(c *gin.Context) {
	talkerID, _ := middleware.UserID(c)

	var req createInitialPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	listenerID, err := uuid.Parse(req.ListenerID)
	if err != nil {
		respondError(c, apperr.Validation("invalid listener_id"))
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		respondError(c, apperr.Validation("invalid template_id"))
		return
	}

	result, err := h.Purchases.CreateInitialPurchase(c.Request.Context(), talkerID, listenerID, templateID)
	if err != nil {
		if len(result.FreeListeners) > 0 {
			c.JSON(apperr.KindOf(err).HTTPStatus(), gin.H{
				"error":          err.Error(),
				"free_listeners": result.FreeListeners,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"purchase_id":  result.Purchase.ID,
		"checkout_url": result.CheckoutURL,
	})
}

type createExtensionPurchaseRequest struct {
	TemplateID string `json:"template_id" binding:"required"`
}

// createExtensionPurchase implements "Create extension purchase for
// active session" (spec §6).
func (h *Handlers) createExtensionPurchase(c *gin.Context) {
	talkerID, _ := middleware.UserID(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid session_id"))
		return
	}
	var req createExtensionPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		respondError(c, apperr.Validation("invalid template_id"))
		return
	}

	result, err := h.Purchases.CreateExtensionPurchase(c.Request.Context(), talkerID, sessionID, templateID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"purchase_id":  result.Purchase.ID,
		"checkout_url": result.CheckoutURL,
	})
}

// allocateSession implements "Allocate session from confirmed purchase"
// (spec §6).
func (h *Handlers) allocateSession(c *gin.Context) {
	callerID, _ := middleware.UserID(c)

	purchaseID, err := uuid.Parse(c.Param("purchase_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid purchase_id"))
		return
	}

	result, err := h.Purchases.AllocateSession(c.Request.Context(), callerID, purchaseID, h.AttachBase)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":          result.Session.ID,
		"realtime_attach_url": result.RealtimeAttachURL,
	})
}

// acceptSession implements the listener "accept" operation.
func (h *Handlers) acceptSession(c *gin.Context) {
	listenerID, _ := middleware.UserID(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid session_id"))
		return
	}

	if err := h.Engine.Accept(c.Request.Context(), sessionID, listenerID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

type endSessionRequest struct {
	Reason string `json:"reason"`
}

// endSession implements the "either party end" operation.
func (h *Handlers) endSession(c *gin.Context) {
	callerID, _ := middleware.UserID(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid session_id"))
		return
	}
	var req endSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "ended by participant"
	}

	if err := h.Engine.EndCall(c.Request.Context(), sessionID, callerID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type rejectSessionRequest struct {
	Reason db.RejectionReason `json:"reason"`
	Notes  string             `json:"notes"`
}

// validRejectionReasons is the closed set the original ledger's
// CallRejection.REJECTION_REASON_CHOICES enumerates.
var validRejectionReasons = map[db.RejectionReason]bool{
	db.RejectionNotAvailable:  true,
	db.RejectionBusy:          true,
	db.RejectionNotInterested: true,
	db.RejectionOther:         true,
}

// rejectSession implements the supplemented rejection endpoint (scenario
// S5): the listener declines a connecting session before accepting it.
func (h *Handlers) rejectSession(c *gin.Context) {
	listenerID, _ := middleware.UserID(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid session_id"))
		return
	}
	var req rejectSessionRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = db.RejectionOther
	}
	if !validRejectionReasons[req.Reason] {
		respondError(c, apperr.Validation("invalid reason %q", req.Reason))
		return
	}

	if err := h.Reconciler.RejectSession(c.Request.Context(), sessionID, listenerID, req.Reason, req.Notes); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

// probeAvailability implements the availability probe operation.
func (h *Handlers) probeAvailability(c *gin.Context) {
	listenerID, err := uuid.Parse(c.Param("listener_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid listener_id"))
		return
	}

	free, err := h.Arbiter.IsFree(c.Request.Context(), listenerID)
	if err != nil {
		respondError(c, apperr.Fatal("checking listener availability", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"listener_id": listenerID, "free": free})
}

// getBalance implements "Balance ... history for the listener".
func (h *Handlers) getBalance(c *gin.Context) {
	listenerID, err := uuid.Parse(c.Param("listener_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid listener_id"))
		return
	}

	balance, err := h.Store.GetOrCreateListenerBalance(c.Request.Context(), listenerID.String())
	if err != nil {
		respondError(c, apperr.Fatal("loading listener balance", err))
		return
	}
	c.JSON(http.StatusOK, balance)
}

// listPayouts implements "... and payout history for the listener".
func (h *Handlers) listPayouts(c *gin.Context) {
	listenerID, err := uuid.Parse(c.Param("listener_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid listener_id"))
		return
	}

	payouts, err := h.Store.ListPayoutsForListener(c.Request.Context(), listenerID.String())
	if err != nil {
		respondError(c, apperr.Fatal("loading payout history", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts})
}

// issueMediaToken issues the caller's media-transport join credential for
// a session they are attached to. Not named directly in spec §6's HTTP
// bullet list, but required to exercise the Media Token Issuer (C4) from
// somewhere other than a WebSocket attach.
func (h *Handlers) issueMediaToken(c *gin.Context) {
	callerID, _ := middleware.UserID(c)

	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		respondError(c, apperr.Validation("invalid session_id"))
		return
	}

	sess, err := h.Store.GetSession(c.Request.Context(), sessionID.String())
	if err != nil {
		respondError(c, apperr.NotFound("session %s not found", sessionID))
		return
	}
	if sess.TalkerID != callerID && sess.ListenerID != callerID {
		respondError(c, apperr.Authorization("caller is not a participant of session %s", sessionID))
		return
	}

	// Both parties publish and receive in a 1:1 call; publisher is the
	// correct role for either side.
	token, expiresAt, err := h.MediaIssuer.IssueToken(sessionID.String(), callerID, mediatoken.RolePublisher)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"media_token": token, "expires_at": expiresAt})
}

// handlePaymentWebhook implements the payment webhook endpoint.
func (h *Handlers) handlePaymentWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable request body"})
		return
	}

	if err := h.Reconciler.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusOK)
}
