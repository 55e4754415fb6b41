package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/chain"
	"github.com/xserver-network/xserverd/internal/services"
	"github.com/xserver-network/xserverd/internal/tier"
)

// XServerHandler handles registry requests
type XServerHandler struct {
	registry *services.Registry
	heights  chain.HeightSource
	gate     *tier.Gate
	version  string
}

// NewXServerHandler creates a new registry handler. heights may be nil.
func NewXServerHandler(registry *services.Registry, heights chain.HeightSource, gate *tier.Gate, version string) *XServerHandler {
	return &XServerHandler{registry: registry, heights: heights, gate: gate, version: version}
}

// Ping reports the daemon version, tier and best block height
func (h *XServerHandler) Ping(c *gin.Context) {
	resp := gin.H{
		"version": h.version,
		"tier":    int(h.gate.Current()),
	}
	if h.heights != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if height, err := h.heights.BestHeight(ctx); err == nil {
			resp["bestBlockHeight"] = height
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetTop handles ranking of active xServers
func (h *XServerHandler) GetTop(c *gin.Context) {
	top := 0
	if v := c.Query("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "top must be an integer"))
			return
		}
		top = n
	}
	c.JSON(http.StatusOK, gin.H{"xservers": h.registry.GetTopXServers(top)})
}

// RegisterServer handles xServer registration and renewal
func (h *XServerHandler) RegisterServer(c *gin.Context) {
	var req services.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Renewed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Heartbeat handles signed liveness reports
func (h *XServerHandler) Heartbeat(c *gin.Context) {
	var req services.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	node, err := h.registry.Heartbeat(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"lastSeen":       node.LastSeen,
		"requestCount":   node.RequestCount,
		"heartbeatCount": node.HeartbeatCount,
	})
}

// GetActiveCount handles the active xServer count
func (h *XServerHandler) GetActiveCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.registry.GetActiveServerCount()})
}

// GetActiveXServers handles cursor pagination over active xServers
func (h *XServerHandler) GetActiveXServers(c *gin.Context) {
	var fromID uint64
	if v := c.Query("fromId"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "fromId must be a non-negative integer"))
			return
		}
		fromID = n
	}
	c.JSON(http.StatusOK, h.registry.GetActiveXServers(fromID))
}

// SearchForXServer handles lookup by profile name or sign address
func (h *XServerHandler) SearchForXServer(c *gin.Context) {
	node, err := h.registry.SearchForXServer(c.Query("profileName"), c.Query("signAddress"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}
