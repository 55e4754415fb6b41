package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xserver-network/xserverd/internal/peersync"
	"github.com/xserver-network/xserverd/internal/signing"
)

const (
	HeaderKeyAddress = peersync.HeaderKeyAddress
	HeaderTimestamp  = peersync.HeaderTimestamp
	HeaderSignature  = peersync.HeaderSignature
)

// SignAddressLookup returns the sign address of an active registered
// xServer.
type SignAddressLookup = peersync.SignAddressLookup

// PeerAuthMiddleware admits requests signed by an active registered
// xServer over "peer|keyAddress|unixSeconds".
func PeerAuthMiddleware(lookup SignAddressLookup, verifier signing.Verifier, skew time.Duration, now func() time.Time) gin.HandlerFunc {
	auth := peersync.NewAuthenticator(lookup, verifier, skew).WithClock(now)
	return func(c *gin.Context) {
		creds := peersync.Credentials{
			KeyAddress: c.GetHeader(HeaderKeyAddress),
			Signature:  c.GetHeader(HeaderSignature),
		}
		if timestamp := c.GetHeader(HeaderTimestamp); timestamp != "" {
			ts, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				abortUnauthorized(c, peersync.ErrInvalidCredentials.Error())
				return
			}
			creds.Timestamp = ts
		}
		if err := auth.Authenticate(creds); err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set("peer_key_address", creds.KeyAddress)
		c.Next()
	}
}

// GetPeerKeyAddress extracts the authenticated peer from context
func GetPeerKeyAddress(c *gin.Context) string {
	v, _ := c.Get("peer_key_address")
	s, _ := v.(string)
	return s
}
