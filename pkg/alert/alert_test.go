package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lootfox/revmatch/pkg/reconcile"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/testutil"
)

func testFormatter(t *testing.T, opts Options) *Formatter {
	t.Helper()
	f, err := New(Config{Logger: testutil.NewLogger(), Options: opts})
	require.NoError(t, err)
	return f
}

func ptr(v float64) *float64 { return &v }

func comparisonRow(network schema.Network, app string, date string, maxRev float64, netRev float64, delta *float64) reconcile.ComparisonRow {
	row := reconcile.ComparisonRow{
		Date:           date,
		Network:        network,
		Platform:       schema.PlatformIOS,
		AdType:         schema.AdTypeRewarded,
		Application:    app,
		MaxRevenue:     maxRev,
		MaxImpressions: int64(maxRev * 200),
	}
	if delta != nil || netRev > 0 {
		row.HasNetworkData = true
		row.NetworkRevenue = netRev
		row.NetworkImpressions = int64(netRev * 200)
		row.RevDeltaPct = delta
	}
	return row
}

func TestRevMatch_Alert_ThresholdBreach(t *testing.T) {
	t.Parallel()

	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkUnity, "MyApp", "2026-01-08", 100, 80, ptr(-20)),
		comparisonRow(schema.NetworkAdMob, "MyApp", "2026-01-08", 200, 195, ptr(-2.5)),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkUnity: {Network: schema.NetworkUnity, Fetched: true, LastAvailableDate: "2026-01-07"},
		schema.NetworkAdMob: {Network: schema.NetworkAdMob, Fetched: true, LastAvailableDate: "2026-01-07"},
	}

	p := testFormatter(t, Options{}).Build(rows, statuses, "2026-01-08", "2026-01-08", time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))

	require.Equal(t, KindThresholdExceeded, p.Kind)
	require.Len(t, p.Exceeded, 1)
	require.Equal(t, schema.NetworkUnity, p.Exceeded[0].Network)
	require.True(t, p.Exceeded[0].ThresholdExceeded)
	require.Len(t, p.Exceeded[0].Breaches, 1)
	require.Equal(t, "2026-01-07", p.Exceeded[0].LastAvailableDate)

	require.Len(t, p.Normal, 1)
	require.Equal(t, schema.NetworkAdMob, p.Normal[0].Network)
	require.Equal(t, 1, p.Context.BreachedRows)
	require.Equal(t, 1, p.Context.BreachedNetworks)
}

func TestRevMatch_Alert_RevenueFloorFiltersBreaches(t *testing.T) {
	t.Parallel()

	// A 40% swing on a $10 row stays under the $25 floor: no breach.
	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkUnity, "MyApp", "2026-01-08", 10, 6, ptr(-40)),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkUnity: {Network: schema.NetworkUnity, Fetched: true},
	}

	p := testFormatter(t, Options{ThresholdPct: 10, MinRevenueFloor: 25}).
		Build(rows, statuses, "2026-01-08", "2026-01-08", time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))

	require.Equal(t, KindAllNormal, p.Kind)
	require.Empty(t, p.Exceeded)
	require.Len(t, p.Normal, 1)
	require.False(t, p.Normal[0].ThresholdExceeded)
}

func TestRevMatch_Alert_FailedNetworksGroupedSeparately(t *testing.T) {
	t.Parallel()

	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkVungle, "MyApp", "2026-01-08", 60, 0, nil),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkVungle: {Network: schema.NetworkVungle, Failed: true, FailureReason: "transport failed"},
	}

	p := testFormatter(t, Options{}).Build(rows, statuses, "2026-01-08", "2026-01-08", time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))

	require.Equal(t, KindAllNormal, p.Kind)
	require.Len(t, p.Failed, 1)
	require.Equal(t, schema.NetworkVungle, p.Failed[0].Network)
	require.Equal(t, []schema.Network{schema.NetworkVungle}, p.Context.FailedNetworks)
	require.Empty(t, p.Normal)
}

func TestRevMatch_Alert_AggregatesAndCoverage(t *testing.T) {
	t.Parallel()

	// Two compared rows plus one with no network data. Coverage counts all
	// MAX revenue in the denominator; aggregate deltas recompute from sums.
	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkUnity, "AppA", "2026-01-08", 100, 90, ptr(-10)),
		comparisonRow(schema.NetworkUnity, "AppB", "2026-01-08", 100, 110, ptr(10)),
		comparisonRow(schema.NetworkUnity, "AppC", "2026-01-08", 50, 0, nil),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkUnity: {Network: schema.NetworkUnity, Fetched: true},
	}

	p := testFormatter(t, Options{ThresholdPct: 25}).
		Build(rows, statuses, "2026-01-08", "2026-01-08", time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))

	require.Len(t, p.Normal, 1)
	block := p.Normal[0]
	require.InDelta(t, 250, block.MaxRevenue, 1e-9)
	require.InDelta(t, 200, block.NetworkRevenue, 1e-9)
	require.InDelta(t, 80.0, block.CoveragePct, 1e-9)
	require.NotNil(t, block.RevDeltaPct)
	require.InDelta(t, 0.0, *block.RevDeltaPct, 1e-9)
}

func TestRevMatch_Alert_OrderingAndDailySummary(t *testing.T) {
	t.Parallel()

	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkAdMob, "MyApp", "2026-01-08", 100, 60, ptr(-40)),
		comparisonRow(schema.NetworkUnity, "MyApp", "2026-01-08", 300, 180, ptr(-40)),
		comparisonRow(schema.NetworkMeta, "MyApp", "2026-01-07", 500, 490, ptr(-2)),
		comparisonRow(schema.NetworkMeta, "MyApp", "2026-01-08", 50, 49, ptr(-2)),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkAdMob: {Network: schema.NetworkAdMob, Fetched: true},
		schema.NetworkUnity: {Network: schema.NetworkUnity, Fetched: true},
		schema.NetworkMeta:  {Network: schema.NetworkMeta, Fetched: true},
	}

	p := testFormatter(t, Options{}).Build(rows, statuses, "2026-01-07", "2026-01-08", time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))

	// Exceeded sorted by MAX revenue descending.
	require.Len(t, p.Exceeded, 2)
	require.Equal(t, schema.NetworkUnity, p.Exceeded[0].Network)
	require.Equal(t, schema.NetworkAdMob, p.Exceeded[1].Network)

	// Daily summary covers only the end date.
	require.Equal(t, "2026-01-08", p.DailySummary.Date)
	require.InDelta(t, 450, p.DailySummary.MaxRevenue, 1e-9)
	require.InDelta(t, 289, p.DailySummary.NetworkRevenue, 1e-9)
	require.Equal(t, []schema.Network{schema.NetworkAdMob, schema.NetworkMeta, schema.NetworkUnity}, p.DailySummary.Networks)
}

func TestRevMatch_Alert_Deterministic(t *testing.T) {
	t.Parallel()

	rows := []reconcile.ComparisonRow{
		comparisonRow(schema.NetworkUnity, "MyApp", "2026-01-08", 100, 80, ptr(-20)),
		comparisonRow(schema.NetworkAdMob, "MyApp", "2026-01-08", 100, 70, ptr(-30)),
	}
	statuses := map[schema.Network]reconcile.NetworkStatus{
		schema.NetworkUnity: {Network: schema.NetworkUnity, Fetched: true},
		schema.NetworkAdMob: {Network: schema.NetworkAdMob, Fetched: true},
	}
	at := time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC)

	f := testFormatter(t, Options{})
	require.Equal(t, f.Build(rows, statuses, "2026-01-08", "2026-01-08", at), f.Build(rows, statuses, "2026-01-08", "2026-01-08", at))
}
