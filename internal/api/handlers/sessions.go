package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmdall/fileswap/cmd/middleware"
	"github.com/jmdall/fileswap/internal/errs"
)

func (h *Handler) CreateSession(c *gin.Context) {
	created, err := h.svc.CreateSession(c.Request.Context(), middleware.CreatorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type joinRequest struct {
	Token string `json:"token"`
}

func (h *Handler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", errs.ErrValidation, err))
		return
	}
	joined, err := h.svc.Join(c.Request.Context(), c.Param("sessionId"), req.Token, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, joined)
}

func (h *Handler) Status(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	st, err := h.svc.Status(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) Accept(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	res, err := h.svc.Accept(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Reject(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	state, err := h.svc.Reject(c.Request.Context(), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}
