package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/fixed"
	"github.com/xserver-network/xserverd/internal/models"
	"github.com/xserver-network/xserverd/internal/tier"
)

// openTestDB connects to XSERVER_TEST_DATABASE_URL, a scratch database
// whose tables are truncated by the test.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("XSERVER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("XSERVER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate())
	_, err = db.Pool.Exec(ctx, "TRUNCATE server_nodes, profile_reservations, price_locks")
	require.NoError(t, err)
	return db
}

func TestServerNodesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	node := &models.ServerNode{
		ProfileName:     "alpha",
		NetworkAddress:  "10.0.0.7",
		NetworkPort:     4242,
		KeyAddress:      "0x00000000000000000000000000000000000000Aa",
		SignAddress:     "0x00000000000000000000000000000000000000bB",
		FeeAddress:      "0x00000000000000000000000000000000000000Aa",
		Signature:       "0xsig",
		Tier:            tier.Two,
		NetworkProtocol: 1,
		LastSeen:        now,
		RequestCount:    5,
		Seq:             3,
		RegisteredAt:    now,
	}
	require.NoError(t, db.SaveServer(ctx, node))
	node.RequestCount = 9
	require.NoError(t, db.SaveServer(ctx, node))

	nodes, err := db.LoadServers(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, uint64(9), nodes[0].RequestCount)
	assert.Equal(t, tier.Two, nodes[0].Tier)
	assert.Equal(t, uint64(3), nodes[0].Seq)

	require.NoError(t, db.DeleteServer(ctx, node.KeyAddress))
	nodes, err = db.LoadServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestReservationsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := &models.ProfileReservation{Name: "Alice", KeyAddress: "0xabc", Height: 100, Signature: "0x01", ReceivedAt: time.Now().UTC()}
	require.NoError(t, db.SaveReservation(ctx, r))
	winner := &models.ProfileReservation{Name: "alice", KeyAddress: "0xdef", Height: 90, Signature: "0x02", ReceivedAt: time.Now().UTC()}
	require.NoError(t, db.SaveReservation(ctx, winner))

	res, err := db.LoadReservations(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "0xdef", res[0].KeyAddress)

	require.NoError(t, db.DeleteReservation(ctx, winner.Key()))
	res, err = db.LoadReservations(ctx)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestPriceLocksRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	lock := &models.PriceLock{
		ID:                 uuid.New(),
		PairID:             1,
		Currency:           "USD",
		RequestAmount:      fixed.MustParse("10"),
		UnitPrice:          fixed.MustParse("0.5"),
		PayAmount:          fixed.MustParse("20"),
		DestinationAddress: "XQXeqrNFad2Uu7k3E9Dx5t4524fBsnEeSw",
		Status:             models.PriceLockCreated,
		CreatedAt:          now,
		ExpiresAt:          now.Add(30 * time.Minute),
	}
	require.NoError(t, db.SavePriceLock(ctx, lock))

	paidAt := now.Add(time.Minute)
	lock.Status = models.PriceLockPaid
	lock.PaymentReference = "tx-1"
	lock.PaidAt = &paidAt
	require.NoError(t, db.SavePriceLock(ctx, lock))

	locks, err := db.LoadPriceLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, models.PriceLockPaid, locks[0].Status)
	assert.Equal(t, fixed.MustParse("20"), locks[0].PayAmount)
	require.NotNil(t, locks[0].PaidAt)
	assert.True(t, paidAt.Equal(*locks[0].PaidAt))

	require.NoError(t, db.DeletePriceLock(ctx, lock.ID))
}

func TestPaymentReferenceUniqueAcrossLocks(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	newLock := func(ref string) *models.PriceLock {
		return &models.PriceLock{
			ID:                 uuid.New(),
			PairID:             1,
			Currency:           "USD",
			RequestAmount:      fixed.MustParse("10"),
			UnitPrice:          fixed.MustParse("0.5"),
			PayAmount:          fixed.MustParse("20"),
			DestinationAddress: "XQXeqrNFad2Uu7k3E9Dx5t4524fBsnEeSw",
			Status:             models.PriceLockPaid,
			PaymentReference:   ref,
			CreatedAt:          now,
			ExpiresAt:          now.Add(30 * time.Minute),
		}
	}

	require.NoError(t, db.SavePriceLock(ctx, newLock("tx-1")))
	assert.Error(t, db.SavePriceLock(ctx, newLock("TX-1")))

	unpaid := newLock("")
	unpaid.Status = models.PriceLockCreated
	require.NoError(t, db.SavePriceLock(ctx, unpaid))
	other := newLock("")
	other.Status = models.PriceLockCreated
	require.NoError(t, db.SavePriceLock(ctx, other))
}
