package export

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lootfox/revmatch/pkg/reconcile"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/testutil"
)

// memStore is an in-memory PartitionStore with real replace semantics.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (s *memStore) Name() string { return "mem" }

func (s *memStore) List(ctx context.Context, date string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, PartitionKey(date)+"/") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) Delete(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects, key)
	}
	return nil
}

func (s *memStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func sampleRows(t *testing.T) []reconcile.ComparisonRow {
	t.Helper()
	rev := -3.0
	imp := -2.0
	ecpm := -1.02
	fetchedAt := time.Date(2026, 1, 9, 6, 30, 15, 123456000, time.UTC)
	return []reconcile.ComparisonRow{
		{
			Date:           "2026-01-08",
			Network:        schema.NetworkUnity,
			Platform:       schema.PlatformIOS,
			AdType:         schema.AdTypeRewarded,
			Application:    "MyApp (iOS)",
			MaxRevenue:     50.00,
			MaxImpressions: 10000,
			MaxECPM:        5.00,
			NetworkRevenue: 48.50, NetworkImpressions: 9800, NetworkECPM: 4.948979591836735,
			RevDeltaPct: &rev, ImpDeltaPct: &imp, EcpmDeltaPct: &ecpm,
			HasNetworkData: true,
			FetchedAt:      fetchedAt,
			HourRange:      "00-23",
		},
		{
			Date:           "2026-01-08",
			Network:        schema.NetworkPangle,
			Platform:       schema.PlatformAndroid,
			AdType:         schema.AdTypeInterstitial,
			Application:    "MyApp",
			MaxRevenue:     12.00,
			MaxImpressions: 3000,
			MaxECPM:        4.00,
			FetchedAt:      fetchedAt,
		},
	}
}

func TestRevMatch_Export_RoundTrip(t *testing.T) {
	t.Parallel()

	rows := sampleRows(t)
	data, err := Encode(rows)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded, len(rows))

	first := decoded[0]
	require.Equal(t, "unity", first.Network)
	require.Equal(t, "ios", first.Platform)
	require.Equal(t, "rewarded", first.AdType)
	require.Equal(t, "MyApp (iOS)", first.Application)
	require.Equal(t, "2026-01-08", first.Date.UTC().Format(schema.DateLayout))
	require.InDelta(t, 50.00, first.MaxRevenue, 1e-9)
	require.Equal(t, int64(10000), first.MaxImpressions)
	require.NotNil(t, first.RevDeltaPct)
	require.InDelta(t, -3.0, *first.RevDeltaPct, 1e-9)
	require.NotNil(t, first.HourRange)
	require.Equal(t, "00-23", *first.HourRange)
	require.Equal(t, rows[0].FetchedAt.UnixMicro(), first.FetchedAt.UnixMicro())

	// Missing-side row keeps nulls as nulls, not zeros.
	second := decoded[1]
	require.Equal(t, "pangle", second.Network)
	require.Nil(t, second.RevDeltaPct)
	require.Nil(t, second.ImpDeltaPct)
	require.Nil(t, second.EcpmDeltaPct)
	require.Nil(t, second.HourRange)
	require.Zero(t, second.NetworkRevenue)
}

func TestRevMatch_Export_IdempotentReplace(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))
	e, err := New(Config{Logger: testutil.NewLogger(), Store: store, Clock: clock})
	require.NoError(t, err)

	rows := sampleRows(t)
	ctx := context.Background()

	key1, err := e.WritePartition(ctx, "2026-01-08", rows)
	require.NoError(t, err)

	clock.Advance(1 * time.Hour)
	key2, err := e.WritePartition(ctx, "2026-01-08", rows)
	require.NoError(t, err)
	require.NotEqual(t, key1, key2)

	keys, err := store.List(ctx, "2026-01-08")
	require.NoError(t, err)
	require.Equal(t, []string{key2}, keys)

	decoded, err := Decode(store.objects[key2])
	require.NoError(t, err)
	require.Len(t, decoded, len(rows))
}

func TestRevMatch_Export_LocalStoreKeepsHistory(t *testing.T) {
	t.Parallel()

	store, err := NewLocalStore(testutil.NewLogger(), t.TempDir())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC))
	e, err := New(Config{Logger: testutil.NewLogger(), Store: store, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = e.WritePartition(ctx, "2026-01-08", sampleRows(t))
	require.NoError(t, err)

	clock.Advance(1 * time.Hour)
	_, err = e.WritePartition(ctx, "2026-01-08", sampleRows(t))
	require.NoError(t, err)

	keys, err := store.List(ctx, "2026-01-08")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestRevMatch_Export_WriteAllGroupsByDate(t *testing.T) {
	t.Parallel()

	rows := sampleRows(t)
	rows = append(rows, reconcile.ComparisonRow{
		Date: "2026-01-07", Network: schema.NetworkUnity, Platform: schema.PlatformIOS,
		AdType: schema.AdTypeBanner, Application: "MyApp", MaxRevenue: 1, MaxImpressions: 10,
		FetchedAt: rows[0].FetchedAt,
	})

	store := newMemStore()
	e, err := New(Config{
		Logger: testutil.NewLogger(),
		Store:  store,
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	keys, err := e.WriteAll(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Contains(t, keys[0], "dt=2026-01-07/")
	require.Contains(t, keys[1], "dt=2026-01-08/")
}

func TestRevMatch_Export_BadDateIsExportError(t *testing.T) {
	t.Parallel()

	e, err := New(Config{
		Logger: testutil.NewLogger(),
		Store:  newMemStore(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 1, 9, 6, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	_, err = e.WritePartition(context.Background(), "nonsense", []reconcile.ComparisonRow{{Date: "nonsense"}})
	require.Error(t, err)
	var exportErr *Error
	require.ErrorAs(t, err, &exportErr)
}
