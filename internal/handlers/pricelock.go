package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/services"
)

// PriceLockHandler handles pricing and price-lock requests
type PriceLockHandler struct {
	engine *services.PriceLockEngine
}

// NewPriceLockHandler creates a new price-lock handler
func NewPriceLockHandler(engine *services.PriceLockEngine) *PriceLockHandler {
	return &PriceLockHandler{engine: engine}
}

// GetPrice handles the current price of one fiat pair
func (h *PriceLockHandler) GetPrice(c *gin.Context) {
	pairID, err := strconv.Atoi(c.Query("fiatPairId"))
	if err != nil {
		respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "fiatPairId must be an integer"))
		return
	}
	pair, err := h.engine.GetPrice(c.Request.Context(), pairID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// GetPrices handles the list of supported pairs with prices
func (h *PriceLockHandler) GetPrices(c *gin.Context) {
	pairs, err := h.engine.GetPairList(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

// CreatePriceLock handles a new quote
func (h *PriceLockHandler) CreatePriceLock(c *gin.Context) {
	var req services.CreatePriceLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	lock, err := h.engine.CreatePriceLock(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

// GetPriceLock handles lookup of a quote
func (h *PriceLockHandler) GetPriceLock(c *gin.Context) {
	id, err := uuid.Parse(c.Query("priceLockId"))
	if err != nil {
		respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "priceLockId must be a UUID"))
		return
	}
	lock, err := h.engine.GetPriceLock(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

// UpdatePriceLock handles a re-quote of an open lock
func (h *PriceLockHandler) UpdatePriceLock(c *gin.Context) {
	var req services.UpdatePriceLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	lock, err := h.engine.UpdatePriceLock(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lock)
}

// SubmitPriceLockPayment handles a payment claim
func (h *PriceLockHandler) SubmitPriceLockPayment(c *gin.Context) {
	var req services.SubmitPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	lock, err := h.engine.SubmitPayment(c.Request.Context(), req.PriceLockID, req.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "priceLock": lock})
}
