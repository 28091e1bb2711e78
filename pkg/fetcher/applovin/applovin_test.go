package applovin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/testutil"
)

func testDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := schema.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestRevMatch_AppLovin_Max_ColumnNegotiation(t *testing.T) {
	t.Parallel()

	// The hourly variant comes back empty; the daily variant carries rows.
	var requested []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		columns := r.URL.Query().Get("columns")
		requested = append(requested, columns)
		if strings.Contains(columns, "hour") {
			io.WriteString(w, `{"results":[]}`)
			return
		}
		io.WriteString(w, `{"results":[
			{"day":"2026-08-18","application":"MyApp (iOS)","package_name":"com.example.myapp","platform":"ios","network":"UNITY_NETWORK","ad_format":"REWARD","estimated_revenue":"12.50","impressions":"2500"},
			{"day":"2026-08-18","application":"MyApp (iOS)","package_name":"com.example.myapp","platform":"ios","network":"UNITY_NETWORK","ad_format":"REWARD","estimated_revenue":"7.50","impressions":"1500"},
			{"day":"2026-08-18","application":"","package_name":"com.example.myapp","platform":"android","network":"Facebook","ad_format":"BANNER","estimated_revenue":"3.00","impressions":"12000"}
		]}`)
	}))
	defer server.Close()

	m, err := NewMax(MaxConfig{Logger: testutil.NewLogger(), APIKey: "max-key", BaseURL: server.URL})
	require.NoError(t, err)

	b, err := m.FetchMediator(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)

	require.Len(t, requested, 2)
	require.Contains(t, requested[0], "hour")
	require.NotContains(t, requested[1], "hour")

	// Duplicate unity rows collapse onto one comparison row.
	require.Len(t, b.Rows, 2)
	unity := b.Rows[0]
	require.Equal(t, schema.NetworkUnity, unity.Network)
	require.Equal(t, "MyApp (iOS)", unity.Application)
	require.InDelta(t, 20.0, unity.Revenue, 1e-9)
	require.Equal(t, int64(4000), unity.Impressions)
	require.InDelta(t, 5.0, unity.ECPM, 1e-9)

	// Application falls back to the package name when the label is empty.
	meta := b.Rows[1]
	require.Equal(t, schema.NetworkMeta, meta.Network)
	require.Equal(t, "com.example.myapp", meta.Application)
	require.Equal(t, schema.AdTypeBanner, meta.AdType)

	require.InDelta(t, 23.0, b.Totals.Revenue, 1e-9)
	require.Empty(t, b.UnresolvedNetworks)
}

func TestRevMatch_AppLovin_Max_HourRange(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("columns"), "hour") {
			io.WriteString(w, `{"results":[]}`)
			return
		}
		io.WriteString(w, `{"results":[
			{"day":"2026-08-18","hour":9,"application":"MyApp","platform":"ios","network":"APPLOVIN_EXCHANGE","ad_format":"INTER","estimated_revenue":1.0,"impressions":100},
			{"day":"2026-08-18","hour":11,"application":"MyApp","platform":"ios","network":"APPLOVIN_EXCHANGE","ad_format":"INTER","estimated_revenue":2.0,"impressions":200}
		]}`)
	}))
	defer server.Close()

	m, err := NewMax(MaxConfig{Logger: testutil.NewLogger(), APIKey: "max-key", BaseURL: server.URL})
	require.NoError(t, err)

	b, err := m.FetchMediator(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)

	require.Len(t, b.Rows, 1)
	require.Equal(t, "09-11", b.Rows[0].HourRange)
	require.InDelta(t, 3.0, b.Rows[0].Revenue, 1e-9)
}

func TestRevMatch_AppLovin_Max_UnresolvedNetworksDroppedAndCounted(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":[
			{"day":"2026-08-18","hour":0,"application":"MyApp","platform":"ios","network":"SOME_FUTURE_SDK","ad_format":"BANNER","estimated_revenue":1.0,"impressions":100},
			{"day":"2026-08-18","hour":0,"application":"MyApp","platform":"ios","network":"SOME_FUTURE_SDK","ad_format":"BANNER","estimated_revenue":1.0,"impressions":100},
			{"day":"2026-08-18","hour":0,"application":"MyApp","platform":"ios","network":"UNITY_NETWORK","ad_format":"BANNER","estimated_revenue":2.0,"impressions":300}
		]}`)
	}))
	defer server.Close()

	m, err := NewMax(MaxConfig{Logger: testutil.NewLogger(), APIKey: "max-key", BaseURL: server.URL})
	require.NoError(t, err)

	b, err := m.FetchMediator(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)

	require.Equal(t, map[string]int{"SOME_FUTURE_SDK": 2}, b.UnresolvedNetworks)
	require.Len(t, b.Rows, 1)
	require.Equal(t, schema.NetworkUnity, b.Rows[0].Network)

	// Dropped rows never reach the aggregate totals either.
	require.InDelta(t, 2.0, b.Totals.Revenue, 1e-9)
}

func TestRevMatch_AppLovin_Max_AllVariantsEmpty(t *testing.T) {
	t.Parallel()

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, `{"results":[]}`)
	}))
	defer server.Close()

	m, err := NewMax(MaxConfig{Logger: testutil.NewLogger(), APIKey: "max-key", BaseURL: server.URL})
	require.NoError(t, err)

	b, err := m.FetchMediator(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	require.Equal(t, len(maxColumnVariants), calls)
	require.Empty(t, b.Rows)
	require.Zero(t, b.Totals.Revenue)
}

func TestRevMatch_AppLovin_Demand_Fetch(t *testing.T) {
	t.Parallel()

	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		io.WriteString(w, `{"results":[
			{"day":"2026-08-18","platform":"ios","ad_type":"REGULAR","revenue":"10.00","impressions":"4000"},
			{"day":"2026-08-18","platform":"ios","ad_type":"REWARD","revenue":"25.00","impressions":"5000"},
			{"day":"2026-08-19","platform":"android","ad_type":"BANNER","revenue":"2.40","impressions":"8000"}
		]}`)
	}))
	defer server.Close()

	f, err := NewDemand(DemandConfig{Logger: testutil.NewLogger(), APIKey: "report-key", BaseURL: server.URL})
	require.NoError(t, err)
	require.Equal(t, schema.NetworkAppLovin, f.Network())

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-19"))
	require.NoError(t, err)
	require.Equal(t, "report-key", gotKey)

	require.InDelta(t, 37.40, b.Totals.Revenue, 1e-9)
	require.Equal(t, int64(17000), b.Totals.Impressions)

	m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeInterstitial)
	require.True(t, ok)
	require.InDelta(t, 10.0, m.Revenue, 1e-9)

	m, ok = b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.Equal(t, int64(5000), m.Impressions)
}
