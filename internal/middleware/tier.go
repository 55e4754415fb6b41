package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/stats"
	"github.com/xserver-network/xserverd/internal/tier"
)

// TierGate rejects requests while the node's tier is below minimum.
func TierGate(gate *tier.Gate, minimum tier.Level) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := gate.Require(minimum); err != nil {
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), apperr.ToBody(err))
			return
		}
		c.Next()
	}
}

// PublicRequests counts every request on the public surface and reports
// the tier the node currently holds.
func PublicRequests(collector stats.Collector, gate *tier.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		collector.IncrementPublicRequest()
		collector.ReportTier(gate.Current())
		c.Next()
	}
}
