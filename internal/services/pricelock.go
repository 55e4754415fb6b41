package services

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/keylock"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/pricing"
)

var destinationPattern = regexp.MustCompile(`^[A-Za-z0-9]{20,128}$`)

// PriceLockConfig holds price-lock engine tunables
type PriceLockConfig struct {
	TTL           time.Duration
	PriceTimeout  time.Duration
	VerifyTimeout time.Duration
	// IssuerKeyAddress is stamped on every lock this node issues.
	IssuerKeyAddress string
}

// PriceLockEngine quotes fiat amounts in coins and tracks each quote
// through payment and settlement. A quote's unit price is frozen when it
// is created or explicitly updated.
type PriceLockEngine struct {
	cfg      PriceLockConfig
	feed     pricing.Feed
	verifier pricing.Verifier
	store    PriceLockStore
	observer LockObserver
	logger   *zap.Logger
	locks    *keylock.Locker
	clock    func() time.Time

	mu    sync.RWMutex
	items map[uuid.UUID]models.PriceLock

	// payments maps an accepted payment reference to the lock it paid.
	payments map[string]uuid.UUID
}

// NewPriceLockEngine creates an engine. store may be nil.
func NewPriceLockEngine(cfg PriceLockConfig, feed pricing.Feed, verifier pricing.Verifier, store PriceLockStore, logger *zap.Logger) *PriceLockEngine {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 5 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceLockEngine{
		cfg:      cfg,
		feed:     feed,
		verifier: verifier,
		store:    store,
		observer: nopObserver{},
		logger:   logger.Named("pricelock"),
		locks:    keylock.New(),
		clock:    time.Now,
		items:    make(map[uuid.UUID]models.PriceLock),
		payments: make(map[string]uuid.UUID),
	}
}

// WithClock overrides the engine clock.
func (e *PriceLockEngine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.clock = clock
	}
}

// WithObserver reports transitions to o.
func (e *PriceLockEngine) WithObserver(o LockObserver) {
	if o != nil {
		e.observer = o
	}
}

// Load restores persisted locks. Call once before serving.
func (e *PriceLockEngine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	items, err := e.store.LoadPriceLocks(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range items {
		e.items[p.ID] = p
		if p.PaymentReference != "" {
			e.payments[paymentKey(p.PaymentReference)] = p.ID
		}
	}
	e.logger.Info("restored price locks", zap.Int("locks", len(items)))
	return nil
}

// CreatePriceLockRequest represents a request to quote a fiat amount
type CreatePriceLockRequest struct {
	PairID             int          `json:"requestPair" binding:"required"`
	Amount             fixed.Amount `json:"requestAmount" binding:"required"`
	DestinationAddress string       `json:"destinationAddress" binding:"required"`
}

// UpdatePriceLockRequest represents a re-quote of an open lock
type UpdatePriceLockRequest struct {
	PriceLockID        uuid.UUID    `json:"priceLockId" binding:"required"`
	Amount             fixed.Amount `json:"requestAmount" binding:"required"`
	DestinationAddress string       `json:"destinationAddress" binding:"required"`
}

// SubmitPaymentRequest represents a payment claim against a lock
type SubmitPaymentRequest struct {
	PriceLockID      uuid.UUID `json:"priceLockId" binding:"required"`
	PaymentReference string    `json:"transactionId" binding:"required"`
}

func validateQuote(amount fixed.Amount, destination string) error {
	if amount <= 0 {
		return apperr.Validation(apperr.CodeInvalidRequest, "request amount must be positive")
	}
	if !destinationPattern.MatchString(strings.TrimSpace(destination)) {
		return apperr.Validation(apperr.CodeInvalidRequest, "invalid destination address")
	}
	return nil
}

// quote reads the current unit price and derives the coin amount.
func (e *PriceLockEngine) quote(ctx context.Context, pairID int, amount fixed.Amount) (unit, pay fixed.Amount, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()
	unit, err = e.feed.CurrentUnitPrice(ctx, pairID)
	switch {
	case errors.Is(err, pricing.ErrUnknownPair):
		return 0, 0, apperr.Validation(apperr.CodeUnsupportedPair, "pair %d is not supported", pairID)
	case err != nil:
		return 0, 0, apperr.Upstream(err, "pricing feed unavailable")
	case unit <= 0:
		return 0, 0, apperr.Upstream(pricing.ErrPriceUnavailable, "pricing feed returned no price")
	}
	pay, err = fixed.Div(amount, unit)
	if err != nil {
		return 0, 0, apperr.Validation(apperr.CodeInvalidRequest, "cannot quote amount: %v", err)
	}
	return unit, pay, nil
}

// CreatePriceLock freezes the current unit price for amount.
func (e *PriceLockEngine) CreatePriceLock(ctx context.Context, req CreatePriceLockRequest) (*models.PriceLock, error) {
	if err := validateQuote(req.Amount, req.DestinationAddress); err != nil {
		return nil, err
	}
	pair, err := e.lookupPair(ctx, req.PairID)
	if err != nil {
		return nil, err
	}
	unit, pay, err := e.quote(ctx, req.PairID, req.Amount)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.clock()
	lock := models.PriceLock{
		ID:                 uuid.New(),
		PairID:             pair.ID,
		Currency:           pair.Currency,
		RequestAmount:      req.Amount,
		UnitPrice:          unit,
		PayAmount:          pay,
		DestinationAddress: strings.TrimSpace(req.DestinationAddress),
		IssuerKeyAddress:   e.cfg.IssuerKeyAddress,
		Status:             models.PriceLockCreated,
		CreatedAt:          now,
		ExpiresAt:          now.Add(e.cfg.TTL),
	}

	unlock := e.locks.Lock(lock.ID.String())
	defer unlock()
	if e.store != nil {
		if err := e.store.SavePriceLock(ctx, &lock); err != nil {
			return nil, apperr.Internal(err, "persist price lock")
		}
	}
	e.mu.Lock()
	e.items[lock.ID] = lock
	e.mu.Unlock()

	e.observer.ObservePriceLock(string(models.PriceLockCreated))
	e.logger.Info("price lock created",
		zap.String("price_lock_id", lock.ID.String()),
		zap.Int("pair", lock.PairID),
		zap.Stringer("request_amount", lock.RequestAmount),
		zap.Stringer("unit_price", lock.UnitPrice),
		zap.Stringer("pay_amount", lock.PayAmount))
	return &lock, nil
}

func (e *PriceLockEngine) lookupPair(ctx context.Context, pairID int) (models.FiatPair, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()
	pairs, err := e.feed.ListSupportedPairs(ctx)
	if err != nil {
		return models.FiatPair{}, apperr.Upstream(err, "pricing feed unavailable")
	}
	for _, p := range pairs {
		if p.ID == pairID {
			return p, nil
		}
	}
	return models.FiatPair{}, apperr.Validation(apperr.CodeUnsupportedPair, "pair %d is not supported", pairID)
}

// GetPriceLock returns a lock, expiring it first if its TTL has passed.
func (e *PriceLockEngine) GetPriceLock(ctx context.Context, id uuid.UUID) (*models.PriceLock, error) {
	unlock := e.locks.Lock(id.String())
	defer unlock()
	p, err := e.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// current loads a lock and applies lazy expiry. Callers hold the id lock.
func (e *PriceLockEngine) current(ctx context.Context, id uuid.UUID) (models.PriceLock, error) {
	e.mu.RLock()
	p, ok := e.items[id]
	e.mu.RUnlock()
	if !ok {
		return models.PriceLock{}, apperr.NotFound("price lock not found")
	}
	if p.Status != models.PriceLockCreated || !p.PastTTL(e.clock()) {
		return p, nil
	}

	expired := p
	expired.Status = models.PriceLockExpired
	if e.store != nil {
		if err := e.store.SavePriceLock(ctx, &expired); err != nil {
			// the expired view is still returned; the write is retried on
			// the next access
			e.logger.Warn("failed to persist price lock expiry",
				zap.String("price_lock_id", id.String()), zap.Error(err))
			return expired, nil
		}
	}
	e.mu.Lock()
	e.items[id] = expired
	e.mu.Unlock()
	e.observer.ObservePriceLock(string(models.PriceLockExpired))
	return expired, nil
}

// UpdatePriceLock re-quotes an open lock at the current unit price and
// restarts its TTL.
func (e *PriceLockEngine) UpdatePriceLock(ctx context.Context, req UpdatePriceLockRequest) (*models.PriceLock, error) {
	if err := validateQuote(req.Amount, req.DestinationAddress); err != nil {
		return nil, err
	}
	unlock := e.locks.Lock(req.PriceLockID.String())
	defer unlock()

	prev, err := e.current(ctx, req.PriceLockID)
	if err != nil {
		return nil, err
	}
	switch prev.Status {
	case models.PriceLockCreated:
	case models.PriceLockExpired:
		return nil, apperr.InvalidState(apperr.CodeExpired, prev, "price lock has expired")
	default:
		return nil, apperr.InvalidState(apperr.CodeInvalidState, prev, "price lock is %s", prev.Status)
	}

	unit, pay, err := e.quote(ctx, prev.PairID, req.Amount)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.clock()
	next := prev
	next.RequestAmount = req.Amount
	next.DestinationAddress = strings.TrimSpace(req.DestinationAddress)
	next.UnitPrice = unit
	next.PayAmount = pay
	next.ExpiresAt = now.Add(e.cfg.TTL)
	if err := e.commit(ctx, prev, next); err != nil {
		return nil, err
	}
	e.logger.Info("price lock updated",
		zap.String("price_lock_id", next.ID.String()),
		zap.Stringer("unit_price", next.UnitPrice),
		zap.Stringer("pay_amount", next.PayAmount))
	return &next, nil
}

// SubmitPayment records the payment of an open lock once the verifier
// confirms it. Resubmitting the accepted reference is a no-op.
func (e *PriceLockEngine) SubmitPayment(ctx context.Context, id uuid.UUID, paymentReference string) (*models.PriceLock, error) {
	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "payment reference required")
	}
	unlock := e.locks.Lock(id.String())
	defer unlock()

	prev, err := e.current(ctx, id)
	if err != nil {
		return nil, err
	}
	switch prev.Status {
	case models.PriceLockCreated:
	case models.PriceLockExpired:
		return nil, apperr.InvalidState(apperr.CodeExpired, prev, "price lock has expired")
	case models.PriceLockPaid, models.PriceLockSettled:
		if prev.PaymentReference == paymentReference {
			return &prev, nil
		}
		return nil, apperr.Conflict(apperr.CodeAlreadyPaid, prev, "price lock is already paid")
	default:
		return nil, apperr.InvalidState(apperr.CodeInvalidState, prev, "price lock is %s", prev.Status)
	}

	// One reference pays one lock. The reference lock is taken after the
	// id lock and never the other way round.
	ref := paymentKey(paymentReference)
	unlockRef := e.locks.Lock("payment|" + ref)
	defer unlockRef()
	if owner, ok := e.paymentOwner(ref, id); ok {
		return nil, apperr.Conflict(apperr.CodePaymentReferenceUsed, owner,
			"payment %s already paid price lock %s", paymentReference, owner.ID)
	}

	vctx, cancel := context.WithTimeout(ctx, e.cfg.VerifyTimeout)
	verified, err := e.verifier.Verify(vctx, paymentReference, prev.PayAmount, prev.DestinationAddress)
	cancel()
	if err != nil {
		e.logger.Warn("payment verification unavailable",
			zap.String("price_lock_id", id.String()), zap.Error(err))
		return nil, apperr.Upstream(err, "payment verifier unavailable")
	}
	if !verified {
		return nil, apperr.Validation(apperr.CodePaymentVerificationFailed, "payment %s does not pay the price lock", paymentReference)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.clock()
	next := prev
	next.Status = models.PriceLockPaid
	next.PaymentReference = paymentReference
	next.PaidAt = &now
	e.mu.Lock()
	e.payments[ref] = id
	e.mu.Unlock()
	if err := e.commit(ctx, prev, next); err != nil {
		e.mu.Lock()
		delete(e.payments, ref)
		e.mu.Unlock()
		return nil, err
	}
	e.observer.ObservePriceLock(string(models.PriceLockPaid))
	e.logger.Info("price lock paid",
		zap.String("price_lock_id", id.String()),
		zap.String("payment_reference", paymentReference))
	return &next, nil
}

func paymentKey(reference string) string {
	return strings.ToLower(strings.TrimSpace(reference))
}

// paymentOwner returns the lock other than id that ref already paid.
func (e *PriceLockEngine) paymentOwner(ref string, id uuid.UUID) (models.PriceLock, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ownerID, ok := e.payments[ref]
	if !ok || ownerID == id {
		return models.PriceLock{}, false
	}
	owner, ok := e.items[ownerID]
	return owner, ok
}

// Settle marks a paid lock as settled.
func (e *PriceLockEngine) Settle(ctx context.Context, id uuid.UUID) (*models.PriceLock, error) {
	unlock := e.locks.Lock(id.String())
	defer unlock()

	prev, err := e.current(ctx, id)
	if err != nil {
		return nil, err
	}
	switch prev.Status {
	case models.PriceLockSettled:
		return &prev, nil
	case models.PriceLockPaid:
	default:
		return nil, apperr.InvalidState(apperr.CodeInvalidState, prev, "price lock is %s", prev.Status)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := e.clock()
	next := prev
	next.Status = models.PriceLockSettled
	next.SettledAt = &now
	if err := e.commit(ctx, prev, next); err != nil {
		return nil, err
	}
	e.observer.ObservePriceLock(string(models.PriceLockSettled))
	e.logger.Info("price lock settled", zap.String("price_lock_id", id.String()))
	return &next, nil
}

// commit persists next and swaps it in, leaving prev in place on failure.
func (e *PriceLockEngine) commit(ctx context.Context, prev, next models.PriceLock) error {
	e.mu.Lock()
	e.items[next.ID] = next
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	if err := e.store.SavePriceLock(ctx, &next); err != nil {
		e.mu.Lock()
		e.items[prev.ID] = prev
		e.mu.Unlock()
		return apperr.Internal(err, "persist price lock")
	}
	return nil
}

// GetPairList lists the supported pairs with their current price.
func (e *PriceLockEngine) GetPairList(ctx context.Context) ([]models.FiatPair, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
	defer cancel()
	pairs, err := e.feed.ListSupportedPairs(ctx)
	if err != nil {
		return nil, apperr.Upstream(err, "pricing feed unavailable")
	}
	out := make([]models.FiatPair, 0, len(pairs))
	for _, p := range pairs {
		price, err := e.feed.CurrentUnitPrice(ctx, p.ID)
		if err != nil {
			return nil, apperr.Upstream(err, "price for pair %d unavailable", p.ID)
		}
		p.Price = price
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetPrice returns one pair with its current price.
func (e *PriceLockEngine) GetPrice(ctx context.Context, pairID int) (*models.FiatPair, error) {
	pair, err := e.lookupPair(ctx, pairID)
	if err != nil {
		return nil, err
	}
	unit, _, err := e.quote(ctx, pairID, fixed.FromUnits(fixed.Scale))
	if err != nil {
		return nil, err
	}
	pair.Price = unit
	return &pair, nil
}

// Count returns the number of locks held, in any state.
func (e *PriceLockEngine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.items)
}

// Reap drops locks that have been expired or settled for longer than
// retention. Paid locks are kept until settled.
func (e *PriceLockEngine) Reap(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	cutoff := now.Add(-retention)
	e.mu.RLock()
	var ids []uuid.UUID
	for id, p := range e.items {
		if reapable(p, cutoff) {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		unlock := e.locks.Lock(id.String())
		e.mu.RLock()
		p, ok := e.items[id]
		e.mu.RUnlock()
		if !ok || !reapable(p, cutoff) {
			unlock()
			continue
		}
		if e.store != nil {
			if err := e.store.DeletePriceLock(ctx, id); err != nil {
				unlock()
				return removed, apperr.Internal(err, "delete price lock")
			}
		}
		e.mu.Lock()
		delete(e.items, id)
		if p.PaymentReference != "" {
			delete(e.payments, paymentKey(p.PaymentReference))
		}
		e.mu.Unlock()
		unlock()
		removed++
	}
	if removed > 0 {
		e.logger.Info("reaped price locks", zap.Int("removed", removed))
	}
	return removed, nil
}

func reapable(p models.PriceLock, cutoff time.Time) bool {
	switch p.Status {
	case models.PriceLockCreated, models.PriceLockExpired:
		return p.ExpiresAt.Before(cutoff)
	case models.PriceLockSettled:
		return p.SettledAt != nil && p.SettledAt.Before(cutoff)
	}
	return false
}

// References implements Pinner: an issuer stays registered while it has
// open locks.
func (e *PriceLockEngine) References(keyAddress string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.items {
		open := p.Status == models.PriceLockCreated || p.Status == models.PriceLockPaid
		if open && strings.EqualFold(p.IssuerKeyAddress, keyAddress) {
			return true
		}
	}
	return false
}
