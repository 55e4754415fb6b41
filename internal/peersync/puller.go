package peersync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/services"
)

// PageFetcher reads one page of a peer's reservations.
type PageFetcher interface {
	FetchProfiles(ctx context.Context, peer Peer, fromBlock uint64) ([]models.ProfileReservation, error)
}

// BatchMerger merges fetched reservations. services.ReservationLedger
// implements it.
type BatchMerger interface {
	ReceiveBatch(ctx context.Context, items []models.ProfileReservation) []services.MergeOutcome
}

// PullerConfig holds catch-up tunables
type PullerConfig struct {
	Interval     time.Duration
	PageSize     int
	MaxPages     int
	FetchTimeout time.Duration
}

// Puller periodically pages every peer's reservations into the local
// ledger, repairing whatever push delivery missed.
type Puller struct {
	cfg     PullerConfig
	peers   PeerSource
	fetcher PageFetcher
	merger  BatchMerger
	logger  *zap.Logger
}

// NewPuller creates a puller.
func NewPuller(cfg PullerConfig, peers PeerSource, fetcher PageFetcher, merger BatchMerger, logger *zap.Logger) *Puller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{cfg: cfg, peers: peers, fetcher: fetcher, merger: merger, logger: logger.Named("puller")}
}

// Run pulls once immediately and then on every interval until ctx is
// cancelled.
func (p *Puller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		p.PullOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PullOnce pages through every peer and returns how many reservations
// were accepted.
func (p *Puller) PullOnce(ctx context.Context) int {
	accepted := 0
	for _, peer := range p.peers.Peers() {
		n, err := p.pullPeer(ctx, peer)
		accepted += n
		if err != nil {
			p.logger.Debug("pull from peer failed", zap.String("peer", peer.KeyAddress), zap.Error(err))
		}
	}
	if accepted > 0 {
		p.logger.Info("pulled reservations from peers", zap.Int("accepted", accepted))
	}
	return accepted
}

func (p *Puller) pullPeer(ctx context.Context, peer Peer) (int, error) {
	accepted := 0
	from := uint64(0)
	for page := 0; page < p.cfg.MaxPages; page++ {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		items, err := p.fetcher.FetchProfiles(fctx, peer, from)
		cancel()
		if err != nil {
			return accepted, err
		}
		for _, outcome := range p.merger.ReceiveBatch(ctx, items) {
			if outcome.Accepted {
				accepted++
			}
		}
		if len(items) < p.cfg.PageSize {
			return accepted, nil
		}
		// Pages are ordered by height; restart at the last height seen so
		// names sharing it are not skipped, and step past it when a whole
		// page shares one height.
		next := items[len(items)-1].Height
		if next <= from {
			next = from + 1
		}
		from = next
	}
	return accepted, nil
}
