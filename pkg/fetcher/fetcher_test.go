package fetcher

import (
	"context"
	"errors"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/testutil"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := schema.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestRevMatch_Fetcher_Accumulator_CoherentTotals(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(schema.NetworkUnity, day(t, "2026-08-18"), day(t, "2026-08-19"))
	acc.Add(schema.PlatformIOS, schema.AdTypeRewarded, 48.50, 9800)
	acc.Add(schema.PlatformIOS, schema.AdTypeBanner, 12.00, 40000)
	acc.Add(schema.PlatformAndroid, schema.AdTypeRewarded, 30.25, 7100)

	b := acc.Finalize(time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC))

	require.InDelta(t, 90.75, b.Totals.Revenue, 1e-9)
	require.Equal(t, int64(56900), b.Totals.Impressions)

	// Platform totals sum to the overall totals.
	var platformRev float64
	var platformImp int64
	for _, m := range b.PlatformTotals {
		platformRev += m.Revenue
		platformImp += m.Impressions
	}
	require.InDelta(t, b.Totals.Revenue, platformRev, 0.01)
	require.Equal(t, b.Totals.Impressions, platformImp)

	// Platform×adType totals sum to their platform's totals.
	for platform, byType := range b.AdTypeTotals {
		var rev float64
		var imp int64
		for _, m := range byType {
			rev += m.Revenue
			imp += m.Impressions
		}
		require.InDelta(t, b.PlatformTotals[platform].Revenue, rev, 0.01, "platform=%s", platform)
		require.Equal(t, b.PlatformTotals[platform].Impressions, imp, "platform=%s", platform)
	}
}

func TestRevMatch_Fetcher_Accumulator_ECPMLevels(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(schema.NetworkUnity, day(t, "2026-08-18"), day(t, "2026-08-18"))
	acc.Add(schema.PlatformIOS, schema.AdTypeRewarded, 50.0, 10000)
	acc.Add(schema.PlatformAndroid, schema.AdTypeBanner, 0, 0)
	b := acc.Finalize(time.Now())

	require.InDelta(t, 5.0, b.Totals.ECPM, 1e-9)
	require.InDelta(t, 5.0, b.PlatformTotals[schema.PlatformIOS].ECPM, 1e-9)
	require.InDelta(t, 5.0, b.AdTypeTotals[schema.PlatformIOS][schema.AdTypeRewarded].ECPM, 1e-9)

	// Zero impressions means zero eCPM, never NaN or Inf.
	zero := b.PlatformTotals[schema.PlatformAndroid].ECPM
	require.Zero(t, zero)
	require.False(t, math.IsNaN(zero))
}

func TestRevMatch_Fetcher_Accumulator_DailyData(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(schema.NetworkMintegral, day(t, "2026-08-17"), day(t, "2026-08-19"))
	acc.AddDay("2026-08-17", schema.PlatformIOS, schema.AdTypeRewarded, 10.0, 2000)
	acc.AddDay("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded, 12.0, 2400)
	acc.AddDay("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded, 3.0, 600)
	acc.AddDay("2026-08-19", schema.PlatformIOS, schema.AdTypeRewarded, 0, 0)
	b := acc.Finalize(time.Now())

	// Daily rows roll up into the aggregate totals.
	require.InDelta(t, 25.0, b.Totals.Revenue, 1e-9)
	require.Equal(t, int64(5000), b.Totals.Impressions)

	// Same-key rows within a day sum rather than overwrite.
	m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.InDelta(t, 15.0, m.Revenue, 1e-9)
	require.Equal(t, int64(3000), m.Impressions)
	require.InDelta(t, 5.0, m.ECPM, 1e-9)

	_, ok = b.DailyMetrics("2026-08-20", schema.PlatformIOS, schema.AdTypeRewarded)
	require.False(t, ok)
}

func TestRevMatch_Fetcher_Breakdown_LatestActiveDay(t *testing.T) {
	t.Parallel()

	t.Run("skips trailing zero impression days", func(t *testing.T) {
		t.Parallel()
		acc := NewAccumulator(schema.NetworkPangle, day(t, "2026-08-15"), day(t, "2026-08-19"))
		acc.AddDay("2026-08-16", schema.PlatformIOS, schema.AdTypeInterstitial, 5.0, 1000)
		acc.AddDay("2026-08-17", schema.PlatformIOS, schema.AdTypeInterstitial, 6.0, 1200)
		acc.AddDay("2026-08-18", schema.PlatformIOS, schema.AdTypeInterstitial, 0, 0)
		acc.AddDay("2026-08-19", schema.PlatformIOS, schema.AdTypeInterstitial, 0, 0)
		b := acc.Finalize(time.Now())

		latest, ok := b.LatestActiveDay()
		require.True(t, ok)
		require.Equal(t, "2026-08-17", latest)
	})

	t.Run("absent daily data reports none", func(t *testing.T) {
		t.Parallel()
		acc := NewAccumulator(schema.NetworkUnity, day(t, "2026-08-18"), day(t, "2026-08-18"))
		acc.Add(schema.PlatformIOS, schema.AdTypeRewarded, 1.0, 100)
		b := acc.Finalize(time.Now())

		_, ok := b.LatestActiveDay()
		require.False(t, ok)
	})
}

func TestRevMatch_Fetcher_Classify(t *testing.T) {
	t.Parallel()

	t.Run("sorts status codes into the taxonomy", func(t *testing.T) {
		t.Parallel()

		err := Classify(schema.NetworkUnity, &httpclient.StatusError{Code: http.StatusUnauthorized})
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, schema.NetworkUnity, authErr.Network)

		err = Classify(schema.NetworkUnity, &httpclient.StatusError{Code: http.StatusForbidden})
		require.ErrorAs(t, err, &authErr)

		err = Classify(schema.NetworkUnity, &httpclient.StatusError{Code: http.StatusTooManyRequests})
		var rateErr *RateLimitError
		require.ErrorAs(t, err, &rateErr)

		err = Classify(schema.NetworkUnity, &httpclient.StatusError{Code: http.StatusBadGateway})
		var transErr *TransportError
		require.ErrorAs(t, err, &transErr)

		err = Classify(schema.NetworkUnity, errors.New("dial tcp: connection refused"))
		require.ErrorAs(t, err, &transErr)
	})

	t.Run("already classified errors pass through", func(t *testing.T) {
		t.Parallel()
		orig := &ResponseShapeError{Network: schema.NetworkMeta, Err: errors.New("missing field")}
		require.Equal(t, error(orig), Classify(schema.NetworkMeta, orig))
	})

	t.Run("nil and cancellation pass through", func(t *testing.T) {
		t.Parallel()
		require.NoError(t, Classify(schema.NetworkUnity, nil))
		require.Equal(t, context.Canceled, Classify(schema.NetworkUnity, context.Canceled))
	})
}

func TestRevMatch_Fetcher_RetryAuth(t *testing.T) {
	t.Parallel()

	newCache := func(t *testing.T) *tokencache.Store {
		t.Helper()
		cache, err := tokencache.New(tokencache.Config{Logger: testutil.NewLogger(), Dir: t.TempDir()})
		require.NoError(t, err)
		return cache
	}

	t.Run("auth rejection purges token and retries once with force", func(t *testing.T) {
		t.Parallel()
		cache := newCache(t)
		_, err := cache.Put(schema.NetworkInMobi, "stale", "Bearer", time.Hour, nil)
		require.NoError(t, err)

		var calls []bool
		err = RetryAuth(context.Background(), cache, schema.NetworkInMobi, func(ctx context.Context, force bool) error {
			calls = append(calls, force)
			if !force {
				return &AuthError{Network: schema.NetworkInMobi, Err: errors.New("401")}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []bool{false, true}, calls)

		// The rejected credential was purged before the forced retry.
		_, ok, err := cache.Get(schema.NetworkInMobi)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("second rejection surfaces", func(t *testing.T) {
		t.Parallel()
		cache := newCache(t)
		calls := 0
		err := RetryAuth(context.Background(), cache, schema.NetworkInMobi, func(ctx context.Context, force bool) error {
			calls++
			return &AuthError{Network: schema.NetworkInMobi, Err: errors.New("401")}
		})
		var authErr *AuthError
		require.ErrorAs(t, err, &authErr)
		require.Equal(t, 2, calls)
	})

	t.Run("non auth failures do not retry", func(t *testing.T) {
		t.Parallel()
		cache := newCache(t)
		calls := 0
		err := RetryAuth(context.Background(), cache, schema.NetworkInMobi, func(ctx context.Context, force bool) error {
			calls++
			return &TransportError{Network: schema.NetworkInMobi, Err: errors.New("boom")}
		})
		var transErr *TransportError
		require.ErrorAs(t, err, &transErr)
		require.Equal(t, 1, calls)
	})
}
