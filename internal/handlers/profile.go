package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/middleware"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/services"
)

const maxBatchBody = 1 << 20

// ProfileHandler handles profile reservation requests
type ProfileHandler struct {
	ledger *services.ReservationLedger
}

// NewProfileHandler creates a new profile handler
func NewProfileHandler(ledger *services.ReservationLedger) *ProfileHandler {
	return &ProfileHandler{ledger: ledger}
}

// GetProfile handles lookup by name or key address
func (h *ProfileHandler) GetProfile(c *gin.Context) {
	profile, err := h.ledger.GetProfile(c.Query("name"), c.Query("keyAddress"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// GetProfiles handles height-ordered paging of reservations
func (h *ProfileHandler) GetProfiles(c *gin.Context) {
	var from uint64
	if v := c.Query("fromBlock"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "fromBlock must be a non-negative integer"))
			return
		}
		from = n
	}
	c.JSON(http.StatusOK, gin.H{"profiles": h.ledger.GetProfiles(from)})
}

// RegisterProfile handles an owner's reservation
func (h *ProfileHandler) RegisterProfile(c *gin.Context) {
	var req services.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.ledger.ReserveProfile(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ReceiveProfileReservation handles one reservation or a batch forwarded
// by a peer
func (h *ProfileHandler) ReceiveProfileReservation(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBatchBody))
	if err != nil {
		bindError(c, err)
		return
	}
	origin := middleware.GetPeerKeyAddress(c)

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var items []models.ProfileReservation
		if err := json.Unmarshal(trimmed, &items); err != nil {
			bindError(c, err)
			return
		}
		for i := range items {
			if items[i].Origin == "" {
				items[i].Origin = origin
			}
		}
		c.JSON(http.StatusOK, gin.H{"results": h.ledger.ReceiveBatch(c.Request.Context(), items)})
		return
	}

	var res models.ProfileReservation
	if err := json.Unmarshal(body, &res); err != nil {
		bindError(c, err)
		return
	}
	if res.Origin == "" {
		res.Origin = origin
	}
	accepted, err := h.ledger.ReceiveProfileReservation(c.Request.Context(), res)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": accepted})
}

// ReservationLost handles a peer's notice that a held claim was displaced
func (h *ProfileHandler) ReservationLost(c *gin.Context) {
	var notice models.LostNotice
	if err := c.ShouldBindJSON(&notice); err != nil {
		bindError(c, err)
		return
	}
	if err := h.ledger.ReservationLost(c.Request.Context(), notice); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
