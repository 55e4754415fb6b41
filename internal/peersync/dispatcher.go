package peersync

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/models"
)

// Transport delivers one message to one peer.
type Transport interface {
	Deliver(ctx context.Context, peer Peer, msg Message) error
}

// Broadcaster delivers one message to every peer it is connected to.
// p2p.Node implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message) error
}

// Reconciler merges the better reservation a peer answered with.
type Reconciler interface {
	ReceiveProfileReservation(ctx context.Context, r models.ProfileReservation) (bool, error)
}

// SyncObserver counts delivery outcomes. *stats.Stats implements it.
type SyncObserver interface {
	ObserveSync(kind, result string)
}

// DispatcherConfig holds delivery tunables
type DispatcherConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFactor   float64
	AttemptTimeout time.Duration
	Workers        int
}

// Dispatcher drains the outbox and delivers every message to every peer,
// retrying each peer with exponential backoff.
type Dispatcher struct {
	cfg         DispatcherConfig
	outbox      *Outbox
	peers       PeerSource
	transport   Transport
	broadcaster Broadcaster
	reconciler  Reconciler
	observer    SyncObserver
	logger      *zap.Logger
	sem         chan struct{}
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, outbox *Outbox, peers PeerSource, transport Transport, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		outbox:    outbox,
		peers:     peers,
		transport: transport,
		logger:    logger.Named("dispatcher"),
		sem:       make(chan struct{}, cfg.Workers),
	}
}

// WithBroadcaster adds a second fan-out path, such as the libp2p mesh.
func (d *Dispatcher) WithBroadcaster(b Broadcaster) { d.broadcaster = b }

// WithReconciler merges winners that peers answer rejections with.
func (d *Dispatcher) WithReconciler(r Reconciler) { d.reconciler = r }

// WithObserver reports delivery outcomes to o.
func (d *Dispatcher) WithObserver(o SyncObserver) { d.observer = o }

// Run delivers messages until ctx is cancelled, then waits for in-flight
// deliveries to stop.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
	defer d.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.outbox.Messages():
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch fans msg out to the current peers without waiting for
// delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	if d.broadcaster != nil {
		if err := d.broadcaster.Broadcast(ctx, msg); err != nil {
			d.logger.Debug("broadcast failed", zap.String("kind", string(msg.Kind)), zap.Error(err))
		}
	}
	for _, peer := range d.peers.Peers() {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		d.wg.Add(1)
		go func(peer Peer) {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			d.deliver(ctx, peer, msg)
		}(peer)
	}
}

// Wait blocks until every started delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, peer Peer, msg Message) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		err := d.transport.Deliver(actx, peer, msg)
		cancel()
		if err == nil {
			d.observe(msg.Kind, "delivered")
			return
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			d.observe(msg.Kind, "rejected")
			d.reconcile(ctx, peer, rejected.Current)
			return
		}
		if !retryable(err) {
			d.observe(msg.Kind, "refused")
			d.logger.Debug("peer refused sync message",
				zap.String("peer", peer.KeyAddress), zap.String("kind", string(msg.Kind)), zap.Error(err))
			return
		}
		lastErr = err

		if attempt < d.cfg.MaxAttempts-1 {
			select {
			case <-time.After(d.backoff(attempt)):
			case <-ctx.Done():
				return
			}
		}
	}
	d.observe(msg.Kind, "failed")
	d.logger.Warn("giving up on peer delivery",
		zap.String("peer", peer.KeyAddress),
		zap.String("kind", string(msg.Kind)),
		zap.Int("attempts", d.cfg.MaxAttempts),
		zap.Error(lastErr))
}

func (d *Dispatcher) reconcile(ctx context.Context, peer Peer, current models.ProfileReservation) {
	if d.reconciler == nil {
		return
	}
	if _, err := d.reconciler.ReceiveProfileReservation(ctx, current); err != nil {
		d.logger.Debug("peer winner not merged",
			zap.String("peer", peer.KeyAddress), zap.String("name", current.Name), zap.Error(err))
	}
}

// backoff is BaseDelay * 2^attempt capped at MaxDelay, with jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(d.cfg.MaxDelay) {
		delay = float64(d.cfg.MaxDelay)
	}
	if d.cfg.JitterFactor > 0 {
		delay += delay * d.cfg.JitterFactor * (2*rand.Float64() - 1)
	}
	if delay < 0 {
		delay = float64(d.cfg.BaseDelay)
	}
	return time.Duration(delay)
}

func (d *Dispatcher) observe(kind Kind, result string) {
	if d.observer != nil {
		d.observer.ObserveSync(string(kind), result)
	}
}

func retryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	return true
}
