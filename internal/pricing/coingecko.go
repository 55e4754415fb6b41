package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/models"
)

// CoinGeckoFeed quotes the coin through the CoinGecko simple price API.
// Responses are cached for cacheTTL so a burst of price-lock requests
// costs one upstream call.
type CoinGeckoFeed struct {
	client   *http.Client
	endpoint string
	coinID   string
	pairs    []models.FiatPair
	cacheTTL time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cached  map[string]fixed.Amount
	fetched time.Time
	clock   func() time.Time
}

// NewCoinGeckoFeed creates a feed for coinID priced in the given pairs.
func NewCoinGeckoFeed(client *http.Client, endpoint, coinID string, pairs []models.FiatPair, cacheTTL time.Duration, logger *zap.Logger) *CoinGeckoFeed {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make([]models.FiatPair, 0, len(pairs))
	for _, p := range pairs {
		normalized = append(normalized, models.FiatPair{ID: p.ID, Currency: strings.ToUpper(p.Currency)})
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].ID < normalized[j].ID })
	return &CoinGeckoFeed{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		coinID:   coinID,
		pairs:    normalized,
		cacheTTL: cacheTTL,
		logger:   logger.Named("coingecko"),
		clock:    time.Now,
	}
}

// ListSupportedPairs implements Feed.
func (f *CoinGeckoFeed) ListSupportedPairs(ctx context.Context) ([]models.FiatPair, error) {
	return append([]models.FiatPair(nil), f.pairs...), nil
}

// CurrentUnitPrice implements Feed.
func (f *CoinGeckoFeed) CurrentUnitPrice(ctx context.Context, pairID int) (fixed.Amount, error) {
	currency := ""
	for _, p := range f.pairs {
		if p.ID == pairID {
			currency = p.Currency
			break
		}
	}
	if currency == "" {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPair, pairID)
	}
	prices, err := f.prices(ctx)
	if err != nil {
		return 0, err
	}
	price, ok := prices[currency]
	if !ok || price <= 0 {
		return 0, ErrPriceUnavailable
	}
	return price, nil
}

func (f *CoinGeckoFeed) prices(ctx context.Context) (map[string]fixed.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached != nil && f.clock().Sub(f.fetched) < f.cacheTTL {
		return f.cached, nil
	}
	fresh, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}
	f.cached = fresh
	f.fetched = f.clock()
	return fresh, nil
}

func (f *CoinGeckoFeed) fetch(ctx context.Context) (map[string]fixed.Amount, error) {
	vs := make([]string, 0, len(f.pairs))
	for _, p := range f.pairs {
		vs = append(vs, strings.ToLower(p.Currency))
	}
	q := url.Values{}
	q.Set("ids", f.coinID)
	q.Set("vs_currencies", strings.Join(vs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch prices: status %d", resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}
	out := make(map[string]fixed.Amount)
	for currency, raw := range body[f.coinID] {
		rat, ok := new(big.Rat).SetString(raw.String())
		if !ok {
			f.logger.Warn("skip unparsable price", zap.String("currency", currency), zap.String("value", raw.String()))
			continue
		}
		price, err := fixed.Parse(rat.FloatString(fixed.Decimals))
		if err != nil {
			f.logger.Warn("skip out of range price", zap.String("currency", currency), zap.Error(err))
			continue
		}
		out[strings.ToUpper(currency)] = price
	}
	return out, nil
}
