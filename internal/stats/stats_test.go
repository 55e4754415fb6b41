package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xserver-network/xserverd/internal/tier"
)

func TestStatsCountsAndExports(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(reg)

	s.IncrementPublicRequest()
	s.IncrementPublicRequest()
	s.ReportTier(tier.Two)
	s.ObserveMerge("peer", "committed")
	s.ObservePriceLock("Paid")
	s.ObserveSync("reservation", "delivered")

	assert.Equal(t, uint64(2), s.PublicRequests())
	assert.Equal(t, tier.Two, s.Tier())
	assert.Equal(t, float64(2), testutil.ToFloat64(s.requests))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.tierGauge))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.merges.WithLabelValues("peer", "committed")))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP xserver_price_lock_transitions_total Price lock state transitions by resulting status.
# TYPE xserver_price_lock_transitions_total counter
xserver_price_lock_transitions_total{status="Paid"} 1
`), "xserver_price_lock_transitions_total")
	require.NoError(t, err)
}

func TestNilStatsIsSafe(t *testing.T) {
	var s *Stats
	s.IncrementPublicRequest()
	s.ReportTier(tier.Three)
	s.ObserveMerge("local", "committed")
	s.ObservePriceLock("Created")
	s.ObserveSync("lost", "failed")
	assert.Equal(t, uint64(0), s.PublicRequests())
	assert.Equal(t, tier.Unknown, s.Tier())
}

func TestNewWithoutRegistry(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.IncrementPublicRequest()
	assert.Equal(t, uint64(1), a.PublicRequests())
	assert.Equal(t, uint64(0), b.PublicRequests())
}
