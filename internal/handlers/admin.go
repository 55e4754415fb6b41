package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xserver-network/xserverd/internal/middleware"
	"github.com/xserver-network/xserverd/internal/services"
)

// AdminHandler handles operator requests
type AdminHandler struct {
	admin     *services.AdminService
	engine    *services.PriceLockEngine
	jwtConfig middleware.JWTConfig
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(admin *services.AdminService, engine *services.PriceLockEngine, jwtConfig middleware.JWTConfig) *AdminHandler {
	return &AdminHandler{admin: admin, engine: engine, jwtConfig: jwtConfig}
}

// Login handles operator login
func (h *AdminHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.admin.Login(c.Request.Context(), req); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"kind": "Unauthorized", "code": "Unauthorized", "reason": "invalid credentials"})
		return
	}

	token, err := middleware.GenerateToken(req.Username, h.jwtConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"kind": "Internal", "code": "Internal", "reason": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, services.AuthResponse{
		Username: req.Username,
		Token:    token,
	})
}

// SettleRequest represents an operator settlement
type SettleRequest struct {
	PriceLockID uuid.UUID `json:"priceLockId" binding:"required"`
}

// SettlePriceLock handles operator settlement of a paid lock
func (h *AdminHandler) SettlePriceLock(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	lock, err := h.engine.Settle(c.Request.Context(), req.PriceLockID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}
