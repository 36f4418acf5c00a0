// Package httpapi wires the Purchase Controller (C6), Session Engine
// (C7), and Webhook Reconciler (C8) onto gin routes, translating
// apperr.Kind into the HTTP status mapping of spec §7 the way the
// teacher's CommonServices.HandleError centralizes error-to-status
// translation.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/apperr"
	"github.com/talkline/callengine/internal/logger"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError classifies err through the apperr taxonomy and writes the
// matching status code and message.
func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	logger.Warn("request failed",
		zap.String("path", c.Request.URL.Path), zap.String("kind", kind.String()), zap.Error(err))
	c.JSON(kind.HTTPStatus(), ErrorResponse{Error: err.Error()})
}
