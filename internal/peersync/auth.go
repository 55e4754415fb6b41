package peersync

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/signing"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrStaleCredentials   = errors.New("stale credentials")
	ErrUnknownPeer        = errors.New("unknown peer")
)

// SignAddressLookup returns the sign address of an active registered
// xServer.
type SignAddressLookup func(keyAddress string) (signAddress string, ok bool)

// Credentials prove that a request or message comes from a registered
// xServer: its sign key signed "peer|keyAddress|unixSeconds".
type Credentials struct {
	KeyAddress string `json:"keyAddress"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

// NewCredentials signs fresh credentials for keyAddress.
func NewCredentials(signKey *ecdsa.PrivateKey, keyAddress string, now time.Time) (Credentials, error) {
	if signKey == nil {
		return Credentials{}, fmt.Errorf("no sign key configured")
	}
	ts := now.Unix()
	sig, err := signing.Sign(signKey, models.PeerAuthPayload(keyAddress, ts))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to sign peer credentials: %w", err)
	}
	return Credentials{KeyAddress: keyAddress, Timestamp: ts, Signature: sig}, nil
}

// Authenticator checks peer credentials against the registry.
type Authenticator struct {
	lookup   SignAddressLookup
	verifier signing.Verifier
	skew     time.Duration
	clock    func() time.Time
}

// NewAuthenticator creates an Authenticator accepting timestamps within
// skew of the local clock.
func NewAuthenticator(lookup SignAddressLookup, verifier signing.Verifier, skew time.Duration) *Authenticator {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return &Authenticator{lookup: lookup, verifier: verifier, skew: skew, clock: time.Now}
}

// WithClock overrides the clock used for the skew check.
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	if clock != nil {
		a.clock = clock
	}
	return a
}

// Authenticate returns nil when c was signed by the sign key registered
// for an active c.KeyAddress within the allowed skew.
func (a *Authenticator) Authenticate(c Credentials) error {
	if c.KeyAddress == "" || c.Signature == "" || c.Timestamp == 0 {
		return ErrMissingCredentials
	}
	if d := a.clock().Sub(time.Unix(c.Timestamp, 0)); d > a.skew || d < -a.skew {
		return ErrStaleCredentials
	}
	signAddress, ok := a.lookup(c.KeyAddress)
	if !ok {
		return ErrUnknownPeer
	}
	if err := a.verifier.Verify(signAddress, models.PeerAuthPayload(c.KeyAddress, c.Timestamp), c.Signature); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
