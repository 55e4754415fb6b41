// Package peersync fans reservation changes out to peer xServers and
// pulls what peers hold so every ledger converges on the same winners.
package peersync

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/models"
)

// Kind tells a receiver which handler a Message goes to.
type Kind string

const (
	KindReservation Kind = "reservation"
	KindLost        Kind = "lost"
)

// Message is one unit of fan-out. Sender is set by transports that have
// no request headers to carry credentials in.
type Message struct {
	Kind        Kind                       `json:"kind"`
	Reservation *models.ProfileReservation `json:"reservation,omitempty"`
	Lost        *models.LostNotice         `json:"lost,omitempty"`
	Sender      *Credentials               `json:"sender,omitempty"`
}

// Outbox buffers messages between the ledger and the Dispatcher. Publish
// never blocks; when the buffer is full the message is dropped and the
// puller repairs the gap later.
type Outbox struct {
	ch      chan Message
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewOutbox creates an outbox holding up to size messages.
func NewOutbox(size int, logger *zap.Logger) *Outbox {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbox{ch: make(chan Message, size), logger: logger.Named("outbox")}
}

// PublishReservation queues a reservation for every peer.
func (o *Outbox) PublishReservation(r models.ProfileReservation) {
	o.publish(Message{Kind: KindReservation, Reservation: &r})
}

// PublishLost queues a lost notice for every peer. Peers that do not
// hold the displaced reservation ignore it.
func (o *Outbox) PublishLost(n models.LostNotice) {
	o.publish(Message{Kind: KindLost, Lost: &n})
}

func (o *Outbox) publish(msg Message) {
	select {
	case o.ch <- msg:
	default:
		o.dropped.Add(1)
		o.logger.Warn("outbox full, dropping sync message", zap.String("kind", string(msg.Kind)))
	}
}

// Messages is the receive side consumed by the Dispatcher.
func (o *Outbox) Messages() <-chan Message {
	return o.ch
}

// Dropped reports how many messages were discarded.
func (o *Outbox) Dropped() uint64 {
	return o.dropped.Load()
}

// Len reports how many messages are waiting.
func (o *Outbox) Len() int {
	return len(o.ch)
}
