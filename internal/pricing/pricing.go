// Package pricing holds the collaborators the price-lock engine consumes:
// a live fiat/coin pricing feed and a payment verifier.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/models"
)

var (
	ErrUnknownPair      = errors.New("pair not supported")
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Feed resolves the pairs it can quote and their current unit price
// (fiat per coin).
type Feed interface {
	ListSupportedPairs(ctx context.Context) ([]models.FiatPair, error)
	CurrentUnitPrice(ctx context.Context, pairID int) (fixed.Amount, error)
}

// Verifier confirms that paymentReference pays at least expectedAmount
// to expectedDestination.
type Verifier interface {
	Verify(ctx context.Context, paymentReference string, expectedAmount fixed.Amount, expectedDestination string) (bool, error)
}

// StaticFeed serves configured prices. Prices can be moved at runtime
// with SetPrice, which tests use to simulate a moving market.
type StaticFeed struct {
	mu     sync.RWMutex
	pairs  map[int]models.FiatPair
	prices map[int]fixed.Amount
}

// NewStaticFeed builds a feed from pairs carrying their price.
func NewStaticFeed(pairs []models.FiatPair) *StaticFeed {
	f := &StaticFeed{
		pairs:  make(map[int]models.FiatPair, len(pairs)),
		prices: make(map[int]fixed.Amount, len(pairs)),
	}
	for _, p := range pairs {
		f.pairs[p.ID] = models.FiatPair{ID: p.ID, Currency: strings.ToUpper(p.Currency)}
		f.prices[p.ID] = p.Price
	}
	return f
}

// SetPrice replaces the price of a pair.
func (f *StaticFeed) SetPrice(pairID int, price fixed.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[pairID] = price
}

// ListSupportedPairs implements Feed.
func (f *StaticFeed) ListSupportedPairs(ctx context.Context) ([]models.FiatPair, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]models.FiatPair, 0, len(f.pairs))
	for _, p := range f.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CurrentUnitPrice implements Feed.
func (f *StaticFeed) CurrentUnitPrice(ctx context.Context, pairID int) (fixed.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, ok := f.pairs[pairID]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPair, pairID)
	}
	price := f.prices[pairID]
	if price <= 0 {
		return 0, ErrPriceUnavailable
	}
	return price, nil
}

// StaticVerifier accepts or rejects every payment. It backs development
// nodes that have no explorer to query.
type StaticVerifier struct {
	Accept bool
}

// Verify implements Verifier.
func (v StaticVerifier) Verify(ctx context.Context, paymentReference string, expectedAmount fixed.Amount, expectedDestination string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return v.Accept, nil
}
