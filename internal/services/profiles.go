package services

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/chain"
	"github.com/xserver-network/xserverd/internal/keylock"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/signing"
)

// Merge sources and results reported to the MergeObserver.
const (
	SourceLocal = "local"
	SourcePeer  = "peer"
	SourceLost  = "lost"

	ResultCommitted = "committed"
	ResultReplaced  = "replaced"
	ResultIdentical = "identical"
	ResultRejected  = "rejected"
	ResultInvalid   = "invalid"
)

// LedgerConfig holds reservation ledger tunables
type LedgerConfig struct {
	// HeightWindow is how far below the best height a local claim may be.
	HeightWindow uint64
	// HeightDrift is how far above the best height a local claim may be.
	HeightDrift   uint64
	PageSize      int
	HeightTimeout time.Duration
	// SelfKeyAddress is recorded as Origin on locally accepted claims.
	SelfKeyAddress string
}

// ReservationLedger owns the profile-name namespace. Each name key is
// merged under its own lock and the winner is chosen by height, then by
// signature bytes, so every node converges to the same holder.
type ReservationLedger struct {
	cfg       LedgerConfig
	verifier  signing.Verifier
	heights   chain.HeightSource
	store     ReservationStore
	publisher Publisher
	observer  MergeObserver
	logger    *zap.Logger
	locks     *keylock.Locker
	clock     func() time.Time

	mu      sync.RWMutex
	entries map[string]models.ProfileReservation
}

// NewReservationLedger creates a ledger. heights, store and publisher may
// be nil.
func NewReservationLedger(cfg LedgerConfig, verifier signing.Verifier, heights chain.HeightSource, store ReservationStore, publisher Publisher, logger *zap.Logger) *ReservationLedger {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	if cfg.HeightTimeout <= 0 {
		cfg.HeightTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReservationLedger{
		cfg:       cfg,
		verifier:  verifier,
		heights:   heights,
		store:     store,
		publisher: publisher,
		observer:  nopObserver{},
		logger:    logger.Named("profiles"),
		locks:     keylock.New(),
		clock:     time.Now,
		entries:   make(map[string]models.ProfileReservation),
	}
}

// WithClock overrides the ledger clock.
func (l *ReservationLedger) WithClock(clock func() time.Time) {
	if clock != nil {
		l.clock = clock
	}
}

// WithObserver reports merge outcomes to o.
func (l *ReservationLedger) WithObserver(o MergeObserver) {
	if o != nil {
		l.observer = o
	}
}

// Load restores persisted winners. Call once before serving.
func (l *ReservationLedger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	items, err := l.store.LoadReservations(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range items {
		l.entries[r.Key()] = r
	}
	l.logger.Info("restored reservations", zap.Int("reservations", len(items)))
	return nil
}

// ReserveRequest represents a profile reservation submitted by its owner
type ReserveRequest struct {
	Name       string `json:"name" binding:"required"`
	KeyAddress string `json:"keyAddress" binding:"required"`
	Height     uint64 `json:"height" binding:"required"`
	Signature  string `json:"signature" binding:"required"`
}

// ReservationResult represents the outcome of a reservation
type ReservationResult struct {
	Success     bool                      `json:"success"`
	Reservation models.ProfileReservation `json:"reservation"`
}

// MergeOutcome is the per-item result of a batch receive
type MergeOutcome struct {
	Name     string                     `json:"name"`
	Accepted bool                       `json:"accepted"`
	Code     apperr.Code                `json:"code,omitempty"`
	Reason   string                     `json:"reason,omitempty"`
	Current  *models.ProfileReservation `json:"current,omitempty"`
}

func validProfileName(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && len(name) <= maxProfileNameLength && profileNamePattern.MatchString(name)
}

func (l *ReservationLedger) validate(r *models.ProfileReservation) error {
	if !validProfileName(r.Name) {
		return apperr.Validation(apperr.CodeInvalidRequest, "invalid profile name")
	}
	if !signing.ValidAddress(r.KeyAddress) {
		return apperr.Validation(apperr.CodeInvalidRequest, "invalid key address")
	}
	if err := l.verifier.Verify(r.KeyAddress, r.Payload(), r.Signature); err != nil {
		return apperr.InvalidSignature("reservation signature does not verify against key address")
	}
	return nil
}

func (l *ReservationLedger) checkHeight(ctx context.Context, height uint64) error {
	if l.heights == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HeightTimeout)
	defer cancel()
	best, err := l.heights.BestHeight(ctx)
	if err != nil {
		return apperr.Upstream(err, "best block height unavailable")
	}
	var floor uint64
	if best > l.cfg.HeightWindow {
		floor = best - l.cfg.HeightWindow
	}
	if height < floor || height > best+l.cfg.HeightDrift {
		return apperr.Validation(apperr.CodeInvalidRequest,
			"height %d outside accepted range [%d, %d]", height, floor, best+l.cfg.HeightDrift)
	}
	return nil
}

// ReserveProfile claims a name on behalf of its owner.
func (l *ReservationLedger) ReserveProfile(ctx context.Context, req ReserveRequest) (*ReservationResult, error) {
	res := models.ProfileReservation{
		Name:       strings.TrimSpace(req.Name),
		KeyAddress: strings.TrimSpace(req.KeyAddress),
		Height:     req.Height,
		Signature:  strings.TrimSpace(req.Signature),
		Origin:     l.cfg.SelfKeyAddress,
	}
	if err := l.validate(&res); err != nil {
		l.observer.ObserveMerge(SourceLocal, ResultInvalid)
		return nil, err
	}
	if err := l.checkHeight(ctx, res.Height); err != nil {
		return nil, err
	}
	current, err := l.merge(ctx, res, SourceLocal)
	if err != nil {
		return nil, err
	}
	return &ReservationResult{Success: true, Reservation: current}, nil
}

// ReceiveProfileReservation merges a reservation forwarded by a peer. It
// reports false together with a NameAlreadyReserved error when the
// reservation loses.
func (l *ReservationLedger) ReceiveProfileReservation(ctx context.Context, res models.ProfileReservation) (bool, error) {
	if err := l.validate(&res); err != nil {
		l.observer.ObserveMerge(SourcePeer, ResultInvalid)
		return false, err
	}
	if _, err := l.merge(ctx, res, SourcePeer); err != nil {
		return false, err
	}
	return true, nil
}

// ReceiveBatch merges each reservation independently.
func (l *ReservationLedger) ReceiveBatch(ctx context.Context, items []models.ProfileReservation) []MergeOutcome {
	out := make([]MergeOutcome, 0, len(items))
	for _, item := range items {
		ok, err := l.ReceiveProfileReservation(ctx, item)
		outcome := MergeOutcome{Name: item.Name, Accepted: ok}
		if err != nil {
			if e, isDomain := apperr.As(err); isDomain {
				outcome.Code = e.Code
				outcome.Reason = e.Reason
				if cur, ok := e.Current.(models.ProfileReservation); ok {
					outcome.Current = &cur
				}
			} else {
				outcome.Code = apperr.CodeInternal
				outcome.Reason = err.Error()
			}
		}
		out = append(out, outcome)
	}
	return out
}

// ReservationLost reacts to a notice that a claim this node holds was
// displaced elsewhere. If the loser is still held the winner is merged
// in, which replaces it.
func (l *ReservationLedger) ReservationLost(ctx context.Context, notice models.LostNotice) error {
	if notice.Loser.Key() != notice.Winner.Key() {
		return apperr.Validation(apperr.CodeInvalidRequest, "loser and winner name different profiles")
	}
	if err := l.validate(&notice.Winner); err != nil {
		return err
	}
	if !notice.Winner.Beats(&notice.Loser, l.sigBytes) {
		return apperr.Validation(apperr.CodeInvalidRequest, "winner does not outrank loser")
	}

	l.mu.RLock()
	held, ok := l.entries[notice.Loser.Key()]
	l.mu.RUnlock()
	if !ok || !held.SameClaim(&notice.Loser) {
		l.logger.Debug("lost notice for reservation not held",
			zap.String("name", notice.Loser.Name))
		return nil
	}

	l.logger.Warn("profile reservation lost",
		zap.String("name", notice.Loser.Name),
		zap.String("loser_key_address", notice.Loser.KeyAddress),
		zap.String("winner_key_address", notice.Winner.KeyAddress),
		zap.Uint64("winner_height", notice.Winner.Height))
	_, err := l.merge(ctx, notice.Winner, SourceLost)
	if e, ok := apperr.As(err); ok && e.Code == apperr.CodeNameAlreadyReserved {
		// something better than the notified winner arrived meanwhile
		return nil
	}
	return err
}

// merge resolves res against the current holder under the name lock and
// returns the holder afterwards.
func (l *ReservationLedger) merge(ctx context.Context, res models.ProfileReservation, source string) (models.ProfileReservation, error) {
	key := res.Key()
	unlock := l.locks.Lock(key)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return models.ProfileReservation{}, err
	}

	l.mu.RLock()
	cur, held := l.entries[key]
	l.mu.RUnlock()

	switch {
	case held && cur.SameClaim(&res):
		l.observer.ObserveMerge(source, ResultIdentical)
		return cur, nil
	case held && !res.Beats(&cur, l.sigBytes):
		l.observer.ObserveMerge(source, ResultRejected)
		return models.ProfileReservation{}, apperr.Conflict(apperr.CodeNameAlreadyReserved, cur,
			"profile name %q is already reserved", cur.Name)
	}

	res.ReceivedAt = l.clock()
	l.mu.Lock()
	l.entries[key] = res
	l.mu.Unlock()

	if l.store != nil {
		if err := l.store.SaveReservation(ctx, &res); err != nil {
			l.mu.Lock()
			if held {
				l.entries[key] = cur
			} else {
				delete(l.entries, key)
			}
			l.mu.Unlock()
			return models.ProfileReservation{}, apperr.Internal(err, "persist reservation")
		}
	}

	l.publisher.PublishReservation(res)
	if held {
		l.publisher.PublishLost(models.LostNotice{Loser: cur, Winner: res})
		l.observer.ObserveMerge(source, ResultReplaced)
		l.logger.Info("profile reservation replaced",
			zap.String("name", res.Name),
			zap.String("source", source),
			zap.String("key_address", res.KeyAddress),
			zap.String("displaced_key_address", cur.KeyAddress))
	} else {
		l.observer.ObserveMerge(source, ResultCommitted)
		l.logger.Info("profile reserved",
			zap.String("name", res.Name),
			zap.String("source", source),
			zap.String("key_address", res.KeyAddress),
			zap.Uint64("height", res.Height))
	}
	return res, nil
}

func (l *ReservationLedger) sigBytes(sig string) []byte {
	b, err := signing.DecodeSignature(sig)
	if err != nil {
		return []byte(strings.ToLower(sig))
	}
	return b
}

func (l *ReservationLedger) less(a, b *models.ProfileReservation) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if c := bytes.Compare(l.sigBytes(a.Signature), l.sigBytes(b.Signature)); c != 0 {
		return c < 0
	}
	return a.Key() < b.Key()
}

// GetProfiles returns reservations at or above fromBlock in height order,
// one page at a time.
func (l *ReservationLedger) GetProfiles(fromBlock uint64) []models.ProfileReservation {
	l.mu.RLock()
	out := make([]models.ProfileReservation, 0)
	for _, r := range l.entries {
		if r.Height >= fromBlock {
			out = append(out, r)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return l.less(&out[i], &out[j]) })
	if len(out) > l.cfg.PageSize {
		out = out[:l.cfg.PageSize]
	}
	return out
}

// GetProfile looks a reservation up by name, by owner key address, or by
// both. A key address that holds several names resolves to its earliest
// claim.
func (l *ReservationLedger) GetProfile(name, keyAddress string) (*models.ProfileReservation, error) {
	name = strings.TrimSpace(name)
	keyAddress = strings.TrimSpace(keyAddress)
	if name == "" && keyAddress == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "name or key address required")
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if name != "" {
		r, ok := l.entries[models.NameKey(name)]
		if !ok || (keyAddress != "" && !strings.EqualFold(r.KeyAddress, keyAddress)) {
			return nil, apperr.NotFound("profile not found")
		}
		return &r, nil
	}

	var best *models.ProfileReservation
	for _, r := range l.entries {
		if !strings.EqualFold(r.KeyAddress, keyAddress) {
			continue
		}
		if best == nil || l.less(&r, best) {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, apperr.NotFound("profile not found")
	}
	return best, nil
}

// Count returns the number of reserved names.
func (l *ReservationLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// References implements Pinner: a registry entry stays while it owns or
// originated a held reservation.
func (l *ReservationLedger) References(keyAddress string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, r := range l.entries {
		if strings.EqualFold(r.KeyAddress, keyAddress) || strings.EqualFold(r.Origin, keyAddress) {
			return true
		}
	}
	return false
}
