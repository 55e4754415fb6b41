package services

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/tier"
)

var errStoreDown = errors.New("store down")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type identity struct {
	key     *ecdsa.PrivateKey
	signKey *ecdsa.PrivateKey
}

func newIdentity(t *testing.T) identity {
	t.Helper()
	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signKey, err := signing.GenerateKey()
	require.NoError(t, err)
	return identity{key: key, signKey: signKey}
}

func (id identity) keyAddress() string  { return signing.Address(id.key) }
func (id identity) signAddress() string { return signing.Address(id.signKey) }

func (id identity) registration(t *testing.T, name string, level tier.Level) RegisterRequest {
	t.Helper()
	req := RegisterRequest{
		ProfileName:     name,
		NetworkAddress:  "node.example.org",
		NetworkPort:     4242,
		KeyAddress:      id.keyAddress(),
		SignAddress:     id.signAddress(),
		FeeAddress:      id.keyAddress(),
		Tier:            level,
		NetworkProtocol: 1,
	}
	sig, err := signing.Sign(id.signKey, req.Payload())
	require.NoError(t, err)
	req.Signature = sig
	return req
}

func (id identity) heartbeat(t *testing.T, at time.Time, requests uint64) HeartbeatRequest {
	t.Helper()
	sig, err := signing.Sign(id.signKey, models.HeartbeatPayload(id.keyAddress(), at.Unix()))
	require.NoError(t, err)
	return HeartbeatRequest{KeyAddress: id.keyAddress(), Timestamp: at.Unix(), Requests: requests, Signature: sig}
}

func (id identity) reservation(t *testing.T, name string, height uint64) models.ProfileReservation {
	t.Helper()
	sig, err := signing.Sign(id.key, models.ReservationPayload(name, id.keyAddress(), height))
	require.NoError(t, err)
	return models.ProfileReservation{Name: name, KeyAddress: id.keyAddress(), Height: height, Signature: sig}
}

func reserveRequest(r models.ProfileReservation) ReserveRequest {
	return ReserveRequest{Name: r.Name, KeyAddress: r.KeyAddress, Height: r.Height, Signature: r.Signature}
}

type memStore struct {
	mu      sync.Mutex
	fail    bool
	servers map[string]models.ServerNode
	res     map[string]models.ProfileReservation
	locks   map[uuid.UUID]models.PriceLock
}

func newMemStore() *memStore {
	return &memStore{
		servers: make(map[string]models.ServerNode),
		res:     make(map[string]models.ProfileReservation),
		locks:   make(map[uuid.UUID]models.PriceLock),
	}
}

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) SaveServer(ctx context.Context, node *models.ServerNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.servers[node.KeyAddress] = *node
	return nil
}

func (m *memStore) DeleteServer(ctx context.Context, keyAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	delete(m.servers, keyAddress)
	return nil
}

func (m *memStore) LoadServers(ctx context.Context) ([]models.ServerNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ServerNode, 0, len(m.servers))
	for _, n := range m.servers {
		out = append(out, n)
	}
	return out, nil
}

func (m *memStore) SaveReservation(ctx context.Context, r *models.ProfileReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.res[r.Key()] = *r
	return nil
}

func (m *memStore) DeleteReservation(ctx context.Context, nameKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.res, nameKey)
	return nil
}

func (m *memStore) LoadReservations(ctx context.Context) ([]models.ProfileReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ProfileReservation, 0, len(m.res))
	for _, r := range m.res {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) SavePriceLock(ctx context.Context, p *models.PriceLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.locks[p.ID] = *p
	return nil
}

func (m *memStore) DeletePriceLock(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	delete(m.locks, id)
	return nil
}

func (m *memStore) LoadPriceLocks(ctx context.Context) ([]models.PriceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PriceLock, 0, len(m.locks))
	for _, p := range m.locks {
		out = append(out, p)
	}
	return out, nil
}

type recordingPublisher struct {
	mu           sync.Mutex
	reservations []models.ProfileReservation
	lost         []models.LostNotice
}

func (p *recordingPublisher) PublishReservation(r models.ProfileReservation) {
	p.mu.Lock()
	p.reservations = append(p.reservations, r)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishLost(n models.LostNotice) {
	p.mu.Lock()
	p.lost = append(p.lost, n)
	p.mu.Unlock()
}

func (p *recordingPublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reservations), len(p.lost)
}

type pinFunc func(string) bool

func (f pinFunc) References(key string) bool { return f(key) }
