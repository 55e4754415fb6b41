package services

import (
	"context"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/keylock"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/tier"
)

const maxProfileNameLength = 64

var (
	profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	hostnamePattern    = regexp.MustCompile(`^([A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
)

// RegistryConfig holds registry tunables
type RegistryConfig struct {
	LivenessWindow time.Duration
	PageSize       int
	HeartbeatSkew  time.Duration
}

// Registry holds every known xServer. Mutations of one key address are
// serialised by a per-key lock; the structural lock only guards map
// access and is never held across I/O.
type Registry struct {
	cfg      RegistryConfig
	verifier signing.Verifier
	store    RegistryStore
	logger   *zap.Logger
	locks    *keylock.Locker
	clock    func() time.Time

	mu      sync.RWMutex
	nodes   map[string]models.ServerNode
	names   map[string]string
	nextSeq uint64
	pinners []Pinner
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(cfg RegistryConfig, verifier signing.Verifier, store RegistryStore, logger *zap.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 30 * time.Minute
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.HeartbeatSkew <= 0 {
		cfg.HeartbeatSkew = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		verifier: verifier,
		store:    store,
		logger:   logger.Named("registry"),
		locks:    keylock.New(),
		clock:    time.Now,
		nodes:    make(map[string]models.ServerNode),
		names:    make(map[string]string),
	}
}

// WithClock overrides the registry clock for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) {
	if clock != nil {
		r.clock = clock
	}
}

// AddPinner registers a component whose references block pruning.
func (r *Registry) AddPinner(p Pinner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinners = append(r.pinners, p)
}

// Load restores persisted entries. Call once before serving.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	nodes, err := r.store.LoadServers(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range nodes {
		r.nodes[n.KeyAddress] = n
		r.names[strings.ToLower(n.ProfileName)] = n.KeyAddress
		if n.Seq > r.nextSeq {
			r.nextSeq = n.Seq
		}
	}
	r.logger.Info("restored registry", zap.Int("nodes", len(nodes)))
	return nil
}

// RegisterRequest represents a server registration request
type RegisterRequest struct {
	ProfileName     string     `json:"profileName" binding:"required"`
	NetworkAddress  string     `json:"networkAddress" binding:"required"`
	NetworkPort     int        `json:"networkPort" binding:"required"`
	KeyAddress      string     `json:"keyAddress" binding:"required"`
	SignAddress     string     `json:"signAddress" binding:"required"`
	FeeAddress      string     `json:"feeAddress" binding:"required"`
	Signature       string     `json:"signature" binding:"required"`
	Tier            tier.Level `json:"tier" binding:"required"`
	NetworkProtocol int        `json:"networkProtocol"`
}

// Payload is the message the request's signature must cover.
func (req RegisterRequest) Payload() string {
	return models.RegistrationPayload(req.ProfileName, req.NetworkAddress, req.NetworkPort,
		req.KeyAddress, req.SignAddress, req.FeeAddress, req.Tier, req.NetworkProtocol)
}

// RegisterResult represents the registration outcome
type RegisterResult struct {
	Success bool              `json:"success"`
	Renewed bool              `json:"renewed"`
	Node    models.ServerNode `json:"node"`
}

func validateRegistration(req RegisterRequest) (keyAddr, signAddr, feeAddr string, err error) {
	name := strings.TrimSpace(req.ProfileName)
	switch {
	case name == "" || len(name) > maxProfileNameLength || !profileNamePattern.MatchString(name):
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid profile name")
	case !validHost(req.NetworkAddress):
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid network address")
	case req.NetworkPort < 1 || req.NetworkPort > 65535:
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid network port")
	case !req.Tier.Valid():
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid tier")
	case req.NetworkProtocol < 1:
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid network protocol")
	}
	if keyAddr, err = signing.NormalizeAddress(req.KeyAddress); err != nil {
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid key address")
	}
	if signAddr, err = signing.NormalizeAddress(req.SignAddress); err != nil {
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid sign address")
	}
	if feeAddr, err = signing.NormalizeAddress(req.FeeAddress); err != nil {
		return "", "", "", apperr.Validation(apperr.CodeInvalidRegistration, "invalid fee address")
	}
	return keyAddr, signAddr, feeAddr, nil
}

func validHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnamePattern.MatchString(host)
}

// Register inserts a new xServer or renews a known key address. Renewal
// overwrites the mutable fields and keeps counters and the cursor id.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.NetworkProtocol == 0 {
		req.NetworkProtocol = 1
	}
	keyAddr, signAddr, feeAddr, err := validateRegistration(req)
	if err != nil {
		return nil, err
	}
	if err := r.verifier.Verify(req.SignAddress, req.Payload(), req.Signature); err != nil {
		return nil, apperr.InvalidSignature("registration signature does not verify against sign address")
	}

	unlock := r.locks.Lock(keyAddr)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.clock()
	nameKey := strings.ToLower(strings.TrimSpace(req.ProfileName))

	r.mu.Lock()
	prev, renewed := r.nodes[keyAddr]
	if renewed && prev.SignAddress != signAddr {
		r.mu.Unlock()
		return nil, apperr.InvalidSignature("sign address differs from the registered sign address")
	}
	if holder, ok := r.names[nameKey]; ok && holder != keyAddr {
		current := r.nodes[holder]
		r.mu.Unlock()
		return nil, apperr.Conflict(apperr.CodeProfileNameTaken, current, "profile name is registered to another key address")
	}

	node := models.ServerNode{
		ProfileName:     strings.TrimSpace(req.ProfileName),
		NetworkAddress:  strings.TrimSpace(req.NetworkAddress),
		NetworkPort:     req.NetworkPort,
		KeyAddress:      keyAddr,
		SignAddress:     signAddr,
		FeeAddress:      feeAddr,
		Signature:       req.Signature,
		Tier:            req.Tier,
		NetworkProtocol: req.NetworkProtocol,
		LastSeen:        now,
	}
	if renewed {
		node.Seq = prev.Seq
		node.RequestCount = prev.RequestCount
		node.HeartbeatCount = prev.HeartbeatCount
		node.RegisteredAt = prev.RegisteredAt
		delete(r.names, strings.ToLower(prev.ProfileName))
	} else {
		r.nextSeq++
		node.Seq = r.nextSeq
		node.RegisteredAt = now
	}
	r.nodes[keyAddr] = node
	r.names[nameKey] = keyAddr
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveServer(ctx, &node); err != nil {
			r.mu.Lock()
			delete(r.names, nameKey)
			if renewed {
				r.nodes[keyAddr] = prev
				r.names[strings.ToLower(prev.ProfileName)] = keyAddr
			} else {
				delete(r.nodes, keyAddr)
			}
			r.mu.Unlock()
			return nil, apperr.Internal(err, "persist registration")
		}
	}

	r.logger.Info("xserver registered",
		zap.String("key_address", keyAddr),
		zap.String("profile_name", node.ProfileName),
		zap.Stringer("tier", node.Tier),
		zap.Bool("renewed", renewed))
	return &RegisterResult{Success: true, Renewed: renewed, Node: node}, nil
}

// HeartbeatRequest represents a signed liveness report
type HeartbeatRequest struct {
	KeyAddress string `json:"keyAddress" binding:"required"`
	Timestamp  int64  `json:"timestamp" binding:"required"`
	Requests   uint64 `json:"requests"`
	Signature  string `json:"signature" binding:"required"`
}

// Heartbeat bumps a node's liveness and adds its reported request count.
func (r *Registry) Heartbeat(ctx context.Context, req HeartbeatRequest) (*models.ServerNode, error) {
	keyAddr, err := signing.NormalizeAddress(req.KeyAddress)
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "invalid key address")
	}
	now := r.clock()
	sent := time.Unix(req.Timestamp, 0)
	if sent.Before(now.Add(-r.cfg.HeartbeatSkew)) || sent.After(now.Add(r.cfg.HeartbeatSkew)) {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "heartbeat timestamp outside allowed skew")
	}

	unlock := r.locks.Lock(keyAddr)
	defer unlock()

	r.mu.RLock()
	prev, ok := r.nodes[keyAddr]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("xserver not registered")
	}
	if err := r.verifier.Verify(prev.SignAddress, models.HeartbeatPayload(req.KeyAddress, req.Timestamp), req.Signature); err != nil {
		return nil, apperr.InvalidSignature("heartbeat signature does not verify against sign address")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node := prev
	node.LastSeen = now
	node.HeartbeatCount++
	node.RequestCount += req.Requests

	r.mu.Lock()
	r.nodes[keyAddr] = node
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveServer(ctx, &node); err != nil {
			r.mu.Lock()
			r.nodes[keyAddr] = prev
			r.mu.Unlock()
			return nil, apperr.Internal(err, "persist heartbeat")
		}
	}
	return &node, nil
}

func (r *Registry) activeSnapshot() []models.ServerNode {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ServerNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.ActiveAt(now, r.cfg.LivenessWindow) {
			out = append(out, n)
		}
	}
	return out
}

// GetTopXServers ranks active nodes by tier, then recency, then key
// address, and returns the first n. Out-of-range n is clamped.
func (r *Registry) GetTopXServers(n int) []models.ServerNode {
	active := r.activeSnapshot()
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.Tier != b.Tier {
			return a.Tier > b.Tier
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.KeyAddress < b.KeyAddress
	})
	if n <= 0 || n > len(active) {
		n = len(active)
	}
	return active[:n]
}

// ActivePage is one page of the insertion-ordered active listing
type ActivePage struct {
	Nodes      []models.ServerNode `json:"nodes"`
	NextCursor uint64              `json:"nextCursor"`
	HasMore    bool                `json:"hasMore"`
}

// GetActiveXServers returns active nodes inserted strictly after fromID.
func (r *Registry) GetActiveXServers(fromID uint64) ActivePage {
	active := r.activeSnapshot()
	sort.Slice(active, func(i, j int) bool { return active[i].Seq < active[j].Seq })
	start := sort.Search(len(active), func(i int) bool { return active[i].Seq > fromID })
	rest := active[start:]

	page := ActivePage{NextCursor: fromID, Nodes: []models.ServerNode{}}
	if len(rest) > r.cfg.PageSize {
		rest = rest[:r.cfg.PageSize]
		page.HasMore = true
	}
	page.Nodes = append(page.Nodes, rest...)
	if len(rest) > 0 {
		page.NextCursor = rest[len(rest)-1].Seq
	}
	return page
}

// GetActiveServerCount returns the number of nodes seen within the
// liveness window.
func (r *Registry) GetActiveServerCount() int {
	return len(r.activeSnapshot())
}

// SearchForXServer finds a node by profile name and/or sign address.
// When both are given they must match the same entry. A sign address
// alone resolves to the earliest registered entry using it.
func (r *Registry) SearchForXServer(profileName, signAddress string) (*models.ServerNode, error) {
	profileName = strings.TrimSpace(profileName)
	signAddress = strings.TrimSpace(signAddress)
	if profileName == "" && signAddress == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "profile name or sign address required")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if profileName != "" {
		key, ok := r.names[strings.ToLower(profileName)]
		if !ok {
			return nil, apperr.NotFound("xserver not found")
		}
		node := r.nodes[key]
		if signAddress != "" && !strings.EqualFold(node.SignAddress, signAddress) {
			return nil, apperr.NotFound("xserver not found")
		}
		return &node, nil
	}
	// several key addresses may share a sign address; the oldest entry wins
	var found *models.ServerNode
	for _, node := range r.nodes {
		if strings.EqualFold(node.SignAddress, signAddress) && (found == nil || node.Seq < found.Seq) {
			match := node
			found = &match
		}
	}
	if found == nil {
		return nil, apperr.NotFound("xserver not found")
	}
	return found, nil
}

// Lookup returns the entry for a key address.
func (r *Registry) Lookup(keyAddress string) (models.ServerNode, bool) {
	key, err := signing.NormalizeAddress(keyAddress)
	if err != nil {
		return models.ServerNode{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[key]
	return node, ok
}

// IsActive reports whether keyAddress is registered and live.
func (r *Registry) IsActive(keyAddress string) bool {
	node, ok := r.Lookup(keyAddress)
	return ok && node.ActiveAt(r.clock(), r.cfg.LivenessWindow)
}

// SignAddressOf returns the sign address of an active entry. It backs
// peer authentication.
func (r *Registry) SignAddressOf(keyAddress string) (string, bool) {
	node, ok := r.Lookup(keyAddress)
	if !ok || !node.ActiveAt(r.clock(), r.cfg.LivenessWindow) {
		return "", false
	}
	return node.SignAddress, true
}

// TierSource reads the local node's tier from its own registry entry,
// falling back to the configured tier until it has registered.
func (r *Registry) TierSource(selfKeyAddress string, fallback tier.Level) tier.Source {
	return tier.SourceFunc(func() tier.Level {
		if node, ok := r.Lookup(selfKeyAddress); ok {
			return node.Tier
		}
		return fallback
	})
}

// Prune removes entries not seen since cutoff unless a pinner still
// references them.
func (r *Registry) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.RLock()
	var stale []string
	for key, n := range r.nodes {
		if n.LastSeen.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	pinners := append([]Pinner(nil), r.pinners...)
	r.mu.RUnlock()

	removed := 0
	for _, key := range stale {
		if pinned(pinners, key) {
			continue
		}
		if err := r.pruneOne(ctx, key, cutoff); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("pruned inactive xservers", zap.Int("removed", removed))
	}
	return removed, nil
}

func (r *Registry) pruneOne(ctx context.Context, key string, cutoff time.Time) error {
	unlock := r.locks.Lock(key)
	defer unlock()

	r.mu.RLock()
	node, ok := r.nodes[key]
	r.mu.RUnlock()
	if !ok || !node.LastSeen.Before(cutoff) {
		return nil
	}
	if r.store != nil {
		if err := r.store.DeleteServer(ctx, key); err != nil {
			return apperr.Internal(err, "delete xserver")
		}
	}
	r.mu.Lock()
	delete(r.nodes, key)
	if r.names[strings.ToLower(node.ProfileName)] == key {
		delete(r.names, strings.ToLower(node.ProfileName))
	}
	r.mu.Unlock()
	return nil
}

func pinned(pinners []Pinner, key string) bool {
	for _, p := range pinners {
		if p.References(key) {
			return true
		}
	}
	return false
}
