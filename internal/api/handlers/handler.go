// Package handlers binds the exchange service to gin routes.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/cmd/middleware"
	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/exchange"
	"github.com/jmdall/fileswap/internal/notify"
)

// Check is one dependency probed by the health endpoint.
type Check struct {
	Name string
	// Optional checks degrade health without failing it.
	Optional bool
	Probe    func(ctx context.Context) error
}

type Handler struct {
	svc    *exchange.Service
	hub    *notify.Hub
	checks []Check
	log    *zap.Logger
}

func New(svc *exchange.Service, hub *notify.Hub, checks []Check, log *zap.Logger) *Handler {
	return &Handler{svc: svc, hub: hub, checks: checks, log: log.Named("http")}
}

func (h *Handler) caller(c *gin.Context) (exchange.Caller, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	}
	return caller, ok
}

// respondError maps service errors onto status codes. Unknown errors are
// logged and hidden from the client.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
	case errors.Is(err, errs.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrTooLarge):
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, errs.ErrSessionExpired):
		c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": err.Error()})
	case errs.Retryable(err):
		c.Header("Retry-After", strconv.Itoa(1))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case errs.IsConflict(err):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": false})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
