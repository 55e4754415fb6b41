package models

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/tier"
)

// ServerNode represents a registered xServer
type ServerNode struct {
	Seq             uint64     `db:"seq" json:"id"`
	ProfileName     string     `db:"profile_name" json:"profileName"`
	NetworkAddress  string     `db:"network_address" json:"networkAddress"`
	NetworkPort     int        `db:"network_port" json:"networkPort"`
	KeyAddress      string     `db:"key_address" json:"keyAddress"`
	SignAddress     string     `db:"sign_address" json:"signAddress"`
	FeeAddress      string     `db:"fee_address" json:"feeAddress"`
	Signature       string     `db:"signature" json:"signature"`
	Tier            tier.Level `db:"tier" json:"tier"`
	NetworkProtocol int        `db:"network_protocol" json:"networkProtocol"`
	RequestCount    uint64     `db:"request_count" json:"requestCount"`
	HeartbeatCount  uint64     `db:"heartbeat_count" json:"heartbeatCount"`
	LastSeen        time.Time  `db:"last_seen" json:"lastSeen"`
	RegisteredAt    time.Time  `db:"registered_at" json:"registeredAt"`
}

// RegistrationPayload is the exact message a registration signature covers.
func (n *ServerNode) RegistrationPayload() string {
	return RegistrationPayload(n.ProfileName, n.NetworkAddress, n.NetworkPort,
		n.KeyAddress, n.SignAddress, n.FeeAddress, n.Tier, n.NetworkProtocol)
}

// RegistrationPayload builds the signed registration message.
func RegistrationPayload(profileName, networkAddress string, networkPort int, keyAddress, signAddress, feeAddress string, level tier.Level, protocol int) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s|%d|%d",
		profileName, networkAddress, networkPort, keyAddress, signAddress, feeAddress, int(level), protocol)
}

// HeartbeatPayload builds the signed liveness message.
func HeartbeatPayload(keyAddress string, unixSeconds int64) string {
	return fmt.Sprintf("heartbeat|%s|%d", keyAddress, unixSeconds)
}

// PeerAuthPayload builds the message a peer signs to authenticate a
// node-to-node request.
func PeerAuthPayload(keyAddress string, unixSeconds int64) string {
	return fmt.Sprintf("peer|%s|%d", keyAddress, unixSeconds)
}

// ActiveAt reports whether the node was seen within window before now.
func (n *ServerNode) ActiveAt(now time.Time, window time.Duration) bool {
	return !n.LastSeen.Before(now.Add(-window))
}

// ProfileReservation represents a claim on a profile name
type ProfileReservation struct {
	Name       string    `db:"name" json:"name"`
	KeyAddress string    `db:"key_address" json:"keyAddress"`
	Height     uint64    `db:"height" json:"height"`
	Signature  string    `db:"signature" json:"signature"`
	Origin     string    `db:"origin" json:"origin,omitempty"`
	ReceivedAt time.Time `db:"received_at" json:"receivedAt"`
}

// NameKey is the namespace key; names are unique case-insensitively.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Key returns the namespace key of the reservation.
func (r *ProfileReservation) Key() string {
	return NameKey(r.Name)
}

// Payload is the message the owner signs.
func (r *ProfileReservation) Payload() string {
	return ReservationPayload(r.Name, r.KeyAddress, r.Height)
}

// ReservationPayload builds the signed reservation message.
func ReservationPayload(name, keyAddress string, height uint64) string {
	return fmt.Sprintf("profile|%s|%s|%d", NameKey(name), keyAddress, height)
}

// SameClaim reports whether two reservations are the same signed claim.
// Origin and ReceivedAt are local bookkeeping and do not count.
func (r *ProfileReservation) SameClaim(other *ProfileReservation) bool {
	return r.Key() == other.Key() &&
		strings.EqualFold(r.KeyAddress, other.KeyAddress) &&
		r.Height == other.Height &&
		strings.EqualFold(r.Signature, other.Signature)
}

// Beats reports whether r wins the name against other: lowest height,
// then lexicographically smallest signature bytes.
func (r *ProfileReservation) Beats(other *ProfileReservation, sigBytes func(string) []byte) bool {
	if r.Height != other.Height {
		return r.Height < other.Height
	}
	return bytes.Compare(sigBytes(r.Signature), sigBytes(other.Signature)) < 0
}

// LostNotice tells the holder of a displaced reservation which claim
// took the name from it
type LostNotice struct {
	Loser  ProfileReservation `json:"loser"`
	Winner ProfileReservation `json:"winner"`
}

// PriceLockStatus is the price-lock state machine position
type PriceLockStatus string

const (
	PriceLockCreated PriceLockStatus = "Created"
	PriceLockPaid    PriceLockStatus = "Paid"
	PriceLockSettled PriceLockStatus = "Settled"
	PriceLockExpired PriceLockStatus = "Expired"
)

// PriceLock represents a quoted fiat-to-coin conversion
type PriceLock struct {
	ID                 uuid.UUID       `db:"id" json:"priceLockId"`
	PairID             int             `db:"pair_id" json:"pairId"`
	Currency           string          `db:"currency" json:"currency"`
	RequestAmount      fixed.Amount    `db:"request_amount" json:"requestAmount"`
	UnitPrice          fixed.Amount    `db:"unit_price" json:"unitPrice"`
	PayAmount          fixed.Amount    `db:"pay_amount" json:"payAmount"`
	DestinationAddress string          `db:"destination_address" json:"destinationAddress"`
	IssuerKeyAddress   string          `db:"issuer_key_address" json:"issuerKeyAddress,omitempty"`
	Status             PriceLockStatus `db:"status" json:"status"`
	PaymentReference   string          `db:"payment_reference" json:"paymentReference,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"createdAt"`
	ExpiresAt          time.Time       `db:"expires_at" json:"expiresAt"`
	PaidAt             *time.Time      `db:"paid_at" json:"paidAt,omitempty"`
	SettledAt          *time.Time      `db:"settled_at" json:"settledAt,omitempty"`
}

// PastTTL reports whether an unpaid lock has run out of time.
func (p *PriceLock) PastTTL(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// FiatPair is a currency the pricing feed can quote the coin in
type FiatPair struct {
	ID       int          `json:"pair"`
	Currency string       `json:"currency"`
	Price    fixed.Amount `json:"price,omitempty"`
}
