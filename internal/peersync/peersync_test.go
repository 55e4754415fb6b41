package peersync

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/services"
	"github.com/xserver-network/xserverd/internal/signing"
	"github.com/xserver-network/xserverd/internal/tier"
)

type scriptedTransport struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(peer Peer, attempt int) error
}

func (s *scriptedTransport) Deliver(ctx context.Context, peer Peer, msg Message) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[peer.KeyAddress]++
	attempt := s.calls[peer.KeyAddress]
	s.mu.Unlock()
	if s.fail != nil {
		return s.fail(peer, attempt)
	}
	return nil
}

func (s *scriptedTransport) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

type countingObserver struct {
	mu      sync.Mutex
	results map[string]int
}

func (o *countingObserver) ObserveSync(kind, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.results == nil {
		o.results = make(map[string]int)
	}
	o.results[result]++
}

func (o *countingObserver) get(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.results[result]
}

func testMessage() Message {
	return Message{Kind: KindReservation, Reservation: &models.ProfileReservation{Name: "alice", Height: 10}}
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestOutbox_DropsWhenFull(t *testing.T) {
	o := NewOutbox(2, nil)
	for i := 0; i < 5; i++ {
		o.PublishReservation(models.ProfileReservation{Name: fmt.Sprintf("n%d", i)})
	}
	assert.Equal(t, 2, o.Len())
	assert.Equal(t, uint64(3), o.Dropped())

	msg := <-o.Messages()
	assert.Equal(t, KindReservation, msg.Kind)
	assert.Equal(t, "n0", msg.Reservation.Name)

	o.PublishLost(models.LostNotice{})
	assert.Equal(t, 2, o.Len())
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	transport := &scriptedTransport{fail: func(peer Peer, attempt int) error {
		if attempt < 3 {
			return errors.New("connection refused")
		}
		return nil
	}}
	obs := &countingObserver{}
	d := NewDispatcher(fastConfig(), NewOutbox(1, nil), StaticPeers{{KeyAddress: "a"}}, transport, nil)
	d.WithObserver(obs)

	d.Dispatch(context.Background(), testMessage())
	d.Wait()
	assert.Equal(t, 3, transport.count("a"))
	assert.Equal(t, 1, obs.get("delivered"))
}

func TestDispatcher_GivesUpAfterLimit(t *testing.T) {
	transport := &scriptedTransport{fail: func(peer Peer, attempt int) error {
		if peer.KeyAddress == "down" {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	}}
	obs := &countingObserver{}
	d := NewDispatcher(fastConfig(), NewOutbox(1, nil), StaticPeers{{KeyAddress: "down"}, {KeyAddress: "up"}}, transport, nil)
	d.WithObserver(obs)

	d.Dispatch(context.Background(), testMessage())
	d.Wait()
	assert.Equal(t, 3, transport.count("down"))
	assert.Equal(t, 1, transport.count("up"))
	assert.Equal(t, 1, obs.get("failed"))
	assert.Equal(t, 1, obs.get("delivered"))
}

func TestDispatcher_DoesNotRetryClientErrors(t *testing.T) {
	transport := &scriptedTransport{fail: func(Peer, int) error {
		return &StatusError{StatusCode: http.StatusBadRequest, Code: "InvalidSignature"}
	}}
	d := NewDispatcher(fastConfig(), NewOutbox(1, nil), StaticPeers{{KeyAddress: "a"}}, transport, nil)
	d.Dispatch(context.Background(), testMessage())
	d.Wait()
	assert.Equal(t, 1, transport.count("a"))
}

type recordingReconciler struct {
	mu  sync.Mutex
	got []models.ProfileReservation
}

func (r *recordingReconciler) ReceiveProfileReservation(ctx context.Context, res models.ProfileReservation) (bool, error) {
	r.mu.Lock()
	r.got = append(r.got, res)
	r.mu.Unlock()
	return true, nil
}

func TestDispatcher_RejectionReconciles(t *testing.T) {
	winner := models.ProfileReservation{Name: "alice", Height: 1}
	transport := &scriptedTransport{fail: func(Peer, int) error {
		return &RejectedError{Current: winner}
	}}
	rec := &recordingReconciler{}
	d := NewDispatcher(fastConfig(), NewOutbox(1, nil), StaticPeers{{KeyAddress: "a"}}, transport, nil)
	d.WithReconciler(rec)

	d.Dispatch(context.Background(), testMessage())
	d.Wait()
	assert.Equal(t, 1, transport.count("a"))
	require.Len(t, rec.got, 1)
	assert.Equal(t, winner, rec.got[0])
}

func TestDispatcher_RunDrainsOutbox(t *testing.T) {
	transport := &scriptedTransport{}
	outbox := NewOutbox(4, nil)
	d := NewDispatcher(fastConfig(), outbox, StaticPeers{{KeyAddress: "a"}}, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	outbox.PublishReservation(models.ProfileReservation{Name: "alice"})
	outbox.PublishLost(models.LostNotice{})

	assert.Eventually(t, func() bool { return transport.count("a") == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestDispatcher_LostNoticeReachesEveryPeer(t *testing.T) {
	transport := &scriptedTransport{}
	outbox := NewOutbox(4, nil)
	peers := StaticPeers{{KeyAddress: "a"}, {KeyAddress: "b"}, {KeyAddress: "c"}}
	d := NewDispatcher(fastConfig(), outbox, peers, transport, nil)

	loser := models.ProfileReservation{Name: "alice", KeyAddress: "0xb", Height: 9, Origin: "b"}
	outbox.PublishLost(models.LostNotice{Loser: loser, Winner: models.ProfileReservation{Name: "alice", Height: 3}})
	d.Dispatch(context.Background(), <-outbox.Messages())
	d.Wait()

	for _, p := range peers {
		assert.Equal(t, 1, transport.count(p.KeyAddress), p.KeyAddress)
	}
}

type fakeLister []models.ServerNode

func (f fakeLister) GetTopXServers(n int) []models.ServerNode { return f }

func TestRegistryPeers(t *testing.T) {
	peers := RegistryPeers{
		Registry: fakeLister{
			{KeyAddress: "0xSelf", NetworkAddress: "self.example.org", NetworkPort: 1, Tier: tier.Three},
			{KeyAddress: "0xLow", NetworkAddress: "low.example.org", NetworkPort: 2, Tier: tier.One},
			{KeyAddress: "0xPeer", NetworkAddress: "peer.example.org", NetworkPort: 4242, Tier: tier.Two},
		},
		SelfKeyAddress: "0xself",
		Scheme:         "https",
	}
	got := peers.Peers()
	require.Len(t, got, 1)
	assert.Equal(t, Peer{KeyAddress: "0xPeer", BaseURL: "https://peer.example.org:4242"}, got[0])
}

type pagedFetcher struct {
	items []models.ProfileReservation
	page  int
	calls []uint64
}

func (f *pagedFetcher) FetchProfiles(ctx context.Context, peer Peer, fromBlock uint64) ([]models.ProfileReservation, error) {
	f.calls = append(f.calls, fromBlock)
	var out []models.ProfileReservation
	for _, r := range f.items {
		if r.Height >= fromBlock && len(out) < f.page {
			out = append(out, r)
		}
	}
	return out, nil
}

type setMerger struct {
	names map[string]bool
}

func (m *setMerger) ReceiveBatch(ctx context.Context, items []models.ProfileReservation) []services.MergeOutcome {
	out := make([]services.MergeOutcome, 0, len(items))
	for _, r := range items {
		fresh := !m.names[r.Name]
		m.names[r.Name] = true
		out = append(out, services.MergeOutcome{Name: r.Name, Accepted: fresh})
	}
	return out
}

func TestParseStaticPeersAndCombined(t *testing.T) {
	static := ParseStaticPeers([]string{
		"http://seed.example.org:8080",
		"0x00000000000000000000000000000000000000aa@http://other.example.org",
		" ",
	})
	require.Len(t, static, 2)
	assert.Equal(t, "", static[0].KeyAddress)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", static[1].KeyAddress)
	assert.Equal(t, "http://other.example.org", static[1].BaseURL)

	dup := StaticPeers{{BaseURL: "HTTP://seed.example.org:8080/"}, {BaseURL: "http://third.example.org"}}
	peers := Combined{static, dup}.Peers()
	require.Len(t, peers, 3)
	assert.Equal(t, "http://third.example.org", peers[2].BaseURL)
}

func TestPuller_PagesEveryReservation(t *testing.T) {
	var items []models.ProfileReservation
	for i := 0; i < 25; i++ {
		items = append(items, models.ProfileReservation{Name: fmt.Sprintf("n%02d", i), Height: uint64(i / 2)})
	}
	fetcher := &pagedFetcher{items: items, page: 10}
	merger := &setMerger{names: make(map[string]bool)}
	p := NewPuller(PullerConfig{PageSize: 10}, StaticPeers{{KeyAddress: "a"}}, fetcher, merger, nil)

	accepted := p.PullOnce(context.Background())
	assert.Equal(t, 25, accepted)
	assert.Len(t, merger.names, 25)
	assert.Equal(t, uint64(0), fetcher.calls[0])
}

func TestPuller_StepsPastCrowdedHeight(t *testing.T) {
	var items []models.ProfileReservation
	for i := 0; i < 12; i++ {
		items = append(items, models.ProfileReservation{Name: fmt.Sprintf("n%02d", i), Height: 7})
	}
	items = append(items, models.ProfileReservation{Name: "later", Height: 9})
	fetcher := &pagedFetcher{items: items, page: 10}
	merger := &setMerger{names: make(map[string]bool)}
	p := NewPuller(PullerConfig{PageSize: 10, MaxPages: 10}, StaticPeers{{KeyAddress: "a"}}, fetcher, merger, nil)

	p.PullOnce(context.Background())
	assert.True(t, merger.names["later"])
	assert.LessOrEqual(t, len(fetcher.calls), 4)
}

func TestClient_DeliverSignsAndDecodesRejection(t *testing.T) {
	key, err := signing.GenerateKey()
	require.NoError(t, err)
	self := signing.Address(key)
	winner := models.ProfileReservation{Name: "alice", KeyAddress: "0xabc", Height: 3, Signature: "0x01"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/receiveprofilereservation", r.URL.Path)
		assert.Equal(t, self, r.Header.Get(HeaderKeyAddress))
		ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		assert.NoError(t, err)
		assert.NoError(t, signing.Secp256k1{}.Verify(self, models.PeerAuthPayload(self, ts), r.Header.Get(HeaderSignature)))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"kind": "ConflictError", "code": "NameAlreadyReserved", "reason": "taken", "current": winner,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), self, key)
	err = c.Deliver(context.Background(), Peer{KeyAddress: "peer", BaseURL: srv.URL}, testMessage())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, winner.Name, rejected.Current.Name)
	assert.Equal(t, winner.Height, rejected.Current.Height)
}

func TestClient_FetchProfiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getprofiles", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("fromBlock"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"profiles": []models.ProfileReservation{{Name: "alice", Height: 42}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), "", nil)
	got, err := c.FetchProfiles(context.Background(), Peer{BaseURL: srv.URL}, 42)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].Name)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), "", nil)
	err := c.Deliver(context.Background(), Peer{BaseURL: srv.URL}, Message{Kind: KindLost, Lost: &models.LostNotice{}})
	require.Error(t, err)
	assert.True(t, retryable(err))
}

func TestAuthenticator(t *testing.T) {
	key, err := signing.GenerateKey()
	require.NoError(t, err)
	signKey, err := signing.GenerateKey()
	require.NoError(t, err)
	keyAddress := signing.Address(key)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	lookup := func(k string) (string, bool) {
		if k == keyAddress {
			return signing.Address(signKey), true
		}
		return "", false
	}
	auth := NewAuthenticator(lookup, signing.Secp256k1{}, time.Minute).WithClock(func() time.Time { return now })

	sign := func(k *ecdsa.PrivateKey, addr string, at time.Time) Credentials {
		creds, err := NewCredentials(k, addr, at)
		require.NoError(t, err)
		return creds
	}

	tests := []struct {
		name  string
		creds Credentials
		err   error
	}{
		{"signed by sign key", sign(signKey, keyAddress, now), nil},
		{"within skew", sign(signKey, keyAddress, now.Add(-30*time.Second)), nil},
		{"empty", Credentials{}, ErrMissingCredentials},
		{"stale", sign(signKey, keyAddress, now.Add(-2*time.Minute)), ErrStaleCredentials},
		{"future", sign(signKey, keyAddress, now.Add(2*time.Minute)), ErrStaleCredentials},
		{"signed by key address", sign(key, keyAddress, now), ErrInvalidCredentials},
		{"unregistered", sign(signKey, signing.Address(signKey), now), ErrUnknownPeer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.Authenticate(tt.creds)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err = NewCredentials(nil, keyAddress, now)
	assert.Error(t, err)
}
