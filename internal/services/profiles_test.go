package services

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/apperr"
	"github.com/xserver-network/xserverd/internal/chain"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/signing"
)

func newTestLedger(t *testing.T, store ReservationStore) (*ReservationLedger, *recordingPublisher, *chain.Static) {
	t.Helper()
	pub := &recordingPublisher{}
	heights := chain.NewStatic(1000)
	l := NewReservationLedger(LedgerConfig{HeightWindow: 100, HeightDrift: 5}, signing.Secp256k1{}, heights, store, pub, nil)
	l.WithClock(newTestClock().Now)
	return l, pub, heights
}

func TestLedger_ReserveUnclaimed(t *testing.T) {
	ctx := context.Background()
	l, pub, _ := newTestLedger(t, nil)
	owner := newIdentity(t)

	res, err := l.ReserveProfile(ctx, reserveRequest(owner.reservation(t, "Alice", 1000)))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Alice", res.Reservation.Name)

	got, err := l.GetProfile("alice", "")
	require.NoError(t, err)
	assert.Equal(t, owner.keyAddress(), got.KeyAddress)

	published, lost := pub.counts()
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, lost)
}

func TestLedger_IdenticalClaimIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, pub, _ := newTestLedger(t, nil)
	claim := newIdentity(t).reservation(t, "alice", 1000)

	_, err := l.ReserveProfile(ctx, reserveRequest(claim))
	require.NoError(t, err)
	res, err := l.ReserveProfile(ctx, reserveRequest(claim))
	require.NoError(t, err)
	assert.True(t, res.Success)

	ok, err := l.ReceiveProfileReservation(ctx, claim)
	require.NoError(t, err)
	assert.True(t, ok)

	published, _ := pub.counts()
	assert.Equal(t, 1, published)
}

func TestLedger_LowerHeightWins(t *testing.T) {
	ctx := context.Background()
	l, pub, _ := newTestLedger(t, nil)
	first := newIdentity(t).reservation(t, "alice", 1000)
	earlier := newIdentity(t).reservation(t, "ALICE", 990)

	_, err := l.ReserveProfile(ctx, reserveRequest(first))
	require.NoError(t, err)
	res, err := l.ReserveProfile(ctx, reserveRequest(earlier))
	require.NoError(t, err)
	assert.Equal(t, earlier.KeyAddress, res.Reservation.KeyAddress)

	published, lost := pub.counts()
	assert.Equal(t, 2, published)
	require.Equal(t, 1, lost)
	assert.Equal(t, first.KeyAddress, pub.lost[0].Loser.KeyAddress)
	assert.Equal(t, earlier.KeyAddress, pub.lost[0].Winner.KeyAddress)
}

func TestLedger_LaterClaimRejectedWithWinner(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	winner := newIdentity(t).reservation(t, "alice", 995)
	later := newIdentity(t).reservation(t, "alice", 1000)

	_, err := l.ReserveProfile(ctx, reserveRequest(winner))
	require.NoError(t, err)

	_, err = l.ReserveProfile(ctx, reserveRequest(later))
	require.ErrorIs(t, err, apperr.ErrNameAlreadyReserved)
	e, _ := apperr.As(err)
	current, ok := e.Current.(models.ProfileReservation)
	require.True(t, ok)
	assert.Equal(t, winner.KeyAddress, current.KeyAddress)

	ok, err = l.ReceiveProfileReservation(ctx, later)
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperr.ErrNameAlreadyReserved)
}

func TestLedger_SameHeightTieBreakIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	a := newIdentity(t).reservation(t, "alice", 1000)
	b := newIdentity(t).reservation(t, "alice", 1000)

	sa, err := signing.DecodeSignature(a.Signature)
	require.NoError(t, err)
	sb, err := signing.DecodeSignature(b.Signature)
	require.NoError(t, err)
	want := a
	if bytes.Compare(sb, sa) < 0 {
		want = b
	}

	orders := [][]models.ProfileReservation{{a, b}, {b, a}}
	for i, order := range orders {
		t.Run(fmt.Sprintf("order %d", i), func(t *testing.T) {
			l, _, _ := newTestLedger(t, nil)
			for _, r := range order {
				_, _ = l.ReceiveProfileReservation(ctx, r)
			}
			got, err := l.GetProfile("alice", "")
			require.NoError(t, err)
			assert.Equal(t, want.Signature, got.Signature)
		})
	}
}

func TestLedger_HeightWindow(t *testing.T) {
	ctx := context.Background()
	l, _, heights := newTestLedger(t, nil)
	owner := newIdentity(t)

	tests := []struct {
		name   string
		height uint64
		ok     bool
	}{
		{"at best", 1000, true},
		{"window floor", 900, true},
		{"below window", 899, false},
		{"within drift", 1005, true},
		{"beyond drift", 1006, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			heights.Set(1000)
			_, err := l.ReserveProfile(ctx, reserveRequest(owner.reservation(t, fmt.Sprintf("name%d", i), tt.height)))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
			}
		})
	}

	// peers are not held to the local window
	ok, err := l.ReceiveProfileReservation(ctx, owner.reservation(t, "historic", 5))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedger_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	claim := newIdentity(t).reservation(t, "alice", 1000)
	claim.Height = 999

	ok, err := l.ReceiveProfileReservation(ctx, claim)
	assert.False(t, ok)
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)

	_, err = l.ReserveProfile(ctx, reserveRequest(claim))
	assert.ErrorIs(t, err, apperr.ErrInvalidSignature)
	assert.Equal(t, 0, l.Count())
}

func TestLedger_ReceiveBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	owner := newIdentity(t)

	good := owner.reservation(t, "good", 10)
	forged := owner.reservation(t, "forged", 10)
	forged.Name = "stolen"
	holder := newIdentity(t).reservation(t, "held", 5)
	_, err := l.ReceiveProfileReservation(ctx, holder)
	require.NoError(t, err)
	loser := owner.reservation(t, "held", 50)

	out := l.ReceiveBatch(ctx, []models.ProfileReservation{forged, good, loser})
	require.Len(t, out, 3)
	assert.False(t, out[0].Accepted)
	assert.Equal(t, apperr.CodeInvalidSignature, out[0].Code)
	assert.True(t, out[1].Accepted)
	assert.False(t, out[2].Accepted)
	assert.Equal(t, apperr.CodeNameAlreadyReserved, out[2].Code)
	require.NotNil(t, out[2].Current)
	assert.Equal(t, holder.KeyAddress, out[2].Current.KeyAddress)

	_, err = l.GetProfile("good", "")
	assert.NoError(t, err)
}

func TestLedger_ReservationLost(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	loser := newIdentity(t).reservation(t, "alice", 1000)
	winner := newIdentity(t).reservation(t, "alice", 900)

	_, err := l.ReserveProfile(ctx, reserveRequest(loser))
	require.NoError(t, err)
	require.NoError(t, l.ReservationLost(ctx, models.LostNotice{Loser: loser, Winner: winner}))

	got, err := l.GetProfile("alice", "")
	require.NoError(t, err)
	assert.Equal(t, winner.KeyAddress, got.KeyAddress)

	// a notice for something not held changes nothing
	other := newIdentity(t).reservation(t, "bob", 1000)
	otherWinner := newIdentity(t).reservation(t, "bob", 900)
	require.NoError(t, l.ReservationLost(ctx, models.LostNotice{Loser: other, Winner: otherWinner}))
	_, err = l.GetProfile("bob", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	// a "winner" that does not outrank the loser is refused
	err = l.ReservationLost(ctx, models.LostNotice{Loser: winner, Winner: loser})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestLedger_GetProfiles(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	owner := newIdentity(t)
	for i := 0; i < 15; i++ {
		_, err := l.ReceiveProfileReservation(ctx, owner.reservation(t, fmt.Sprintf("name%02d", i), uint64(100+i)))
		require.NoError(t, err)
	}

	page := l.GetProfiles(0)
	require.Len(t, page, 10)
	for i := 1; i < len(page); i++ {
		assert.LessOrEqual(t, page[i-1].Height, page[i].Height)
	}

	page = l.GetProfiles(110)
	require.Len(t, page, 5)
	assert.Equal(t, uint64(110), page[0].Height)

	assert.Empty(t, l.GetProfiles(1000))
}

func TestLedger_GetProfileByKey(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	owner := newIdentity(t)
	for _, h := range []uint64{300, 100, 200} {
		_, err := l.ReceiveProfileReservation(ctx, owner.reservation(t, fmt.Sprintf("name%d", h), h))
		require.NoError(t, err)
	}

	got, err := l.GetProfile("", owner.keyAddress())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Height)

	_, err = l.GetProfile("name200", newIdentity(t).keyAddress())
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = l.GetProfile("", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestLedger_References(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t, nil)
	origin := newIdentity(t)
	claim := newIdentity(t).reservation(t, "alice", 10)
	claim.Origin = origin.keyAddress()
	_, err := l.ReceiveProfileReservation(ctx, claim)
	require.NoError(t, err)

	assert.True(t, l.References(claim.KeyAddress))
	assert.True(t, l.References(origin.keyAddress()))
	assert.False(t, l.References(newIdentity(t).keyAddress()))
}

func TestLedger_StoreFailureReverts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l, pub, _ := newTestLedger(t, store)
	holder := newIdentity(t).reservation(t, "alice", 1000)
	_, err := l.ReserveProfile(ctx, reserveRequest(holder))
	require.NoError(t, err)

	store.setFail(true)
	_, err = l.ReserveProfile(ctx, reserveRequest(newIdentity(t).reservation(t, "alice", 950)))
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	got, err := l.GetProfile("alice", "")
	require.NoError(t, err)
	assert.Equal(t, holder.KeyAddress, got.KeyAddress)
	published, lost := pub.counts()
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, lost)

	store.setFail(false)
	restored, _, _ := newTestLedger(t, store)
	require.NoError(t, restored.Load(ctx))
	assert.Equal(t, 1, restored.Count())
}
