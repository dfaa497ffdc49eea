package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/exchange"
)

func (h *Handler) Presign(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req exchange.PresignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", errs.ErrValidation, err))
		return
	}
	p, err := h.svc.Presign(c.Request.Context(), caller, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) Complete(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req exchange.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", errs.ErrValidation, err))
		return
	}
	if err := h.svc.CompleteUpload(c.Request.Context(), caller, req); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}

func (h *Handler) Discard(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	if err := h.svc.Discard(c.Request.Context(), caller, c.Param("fileId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Download redirects to the object store; the grant in the query is the only credential.
func (h *Handler) Download(c *gin.Context) {
	url, err := h.svc.Download(c.Request.Context(), c.Param("fileId"), c.Query("token"), c.ClientIP())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, url)
}
