package networks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/testutil"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

func testDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := schema.ParseDate(s)
	require.NoError(t, err)
	return d
}

func testTokens(t *testing.T) *tokencache.Store {
	t.Helper()
	store, err := tokencache.New(tokencache.Config{Logger: testutil.NewLogger(), Dir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestRevMatch_Networks_Unity_Fetch(t *testing.T) {
	t.Parallel()

	t.Run("parses csv rows into a daily breakdown", func(t *testing.T) {
		t.Parallel()
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			io.WriteString(w, strings.Join([]string{
				"timestamp,platform,ad type,revenue,impressions",
				"2026-08-18T00:00:00Z,ios,rewardedVideo,48.50,9800",
				"2026-08-18T00:00:00Z,android,banner,3.20,16000",
				"2026-08-19T00:00:00Z,ios,rewardedVideo,50.10,10100",
			}, "\n"))
		}))
		defer server.Close()

		f, err := NewUnity(UnityConfig{
			Logger:         testutil.NewLogger(),
			APIKey:         "key-1",
			OrganizationID: "org-1",
			BaseURL:        server.URL,
		})
		require.NoError(t, err)

		b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-19"))
		require.NoError(t, err)
		require.Equal(t, "Bearer key-1", gotAuth)

		require.InDelta(t, 101.80, b.Totals.Revenue, 1e-9)
		require.Equal(t, int64(35900), b.Totals.Impressions)

		m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
		require.True(t, ok)
		require.InDelta(t, 48.50, m.Revenue, 1e-9)
		require.Equal(t, int64(9800), m.Impressions)

		latest, ok := b.LatestActiveDay()
		require.True(t, ok)
		require.Equal(t, "2026-08-19", latest)
	})

	t.Run("reordered csv columns still parse", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, strings.Join([]string{
				"revenue,ad type,timestamp,impressions,platform",
				"12.00,banner,2026-08-18T00:00:00Z,40000,ios",
			}, "\n"))
		}))
		defer server.Close()

		f, err := NewUnity(UnityConfig{
			Logger:         testutil.NewLogger(),
			APIKey:         "key-1",
			OrganizationID: "org-1",
			BaseURL:        server.URL,
		})
		require.NoError(t, err)

		b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
		require.NoError(t, err)
		require.InDelta(t, 12.00, b.Totals.Revenue, 1e-9)
	})

	t.Run("missing columns are a shape error", func(t *testing.T) {
		t.Parallel()
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "day,os,money\n2026-08-18,ios,5")
		}))
		defer server.Close()

		f, err := NewUnity(UnityConfig{
			Logger:         testutil.NewLogger(),
			APIKey:         "key-1",
			OrganizationID: "org-1",
			BaseURL:        server.URL,
		})
		require.NoError(t, err)

		_, err = f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
		var shapeErr *fetcher.ResponseShapeError
		require.ErrorAs(t, err, &shapeErr)
		require.Equal(t, schema.NetworkUnity, shapeErr.Network)
	})
}

func TestRevMatch_Networks_AdMob_Fetch(t *testing.T) {
	t.Parallel()

	const envelope = `[
		{"header":{"dateRange":{}}},
		{"row":{
			"dimensionValues":{"DATE":{"value":"20260818"},"PLATFORM":{"value":"IOS"},"FORMAT":{"value":"REWARDED"}},
			"metricValues":{"ESTIMATED_EARNINGS":{"microsValue":"48500000"},"IMPRESSIONS":{"integerValue":"9800"}}}},
		{"row":{
			"dimensionValues":{"DATE":{"value":"20260818"},"PLATFORM":{"value":"ANDROID"},"FORMAT":{"value":"BANNER"}},
			"metricValues":{"ESTIMATED_EARNINGS":{"microsValue":"3200000"},"IMPRESSIONS":{"integerValue":"16000"}}}},
		{"footer":{"matchingRowCount":"2"}}
	]`

	t.Run("exchanges refresh token and scales micros", func(t *testing.T) {
		t.Parallel()
		var tokenCalls, reportCalls atomic.Int64
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			tokenCalls.Add(1)
			require.NoError(t, r.ParseForm())
			require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			require.Equal(t, "rt-1", r.Form.Get("refresh_token"))
			io.WriteString(w, `{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`)
		})
		mux.HandleFunc("/v1/accounts/pub-123/networkReport:generate", func(w http.ResponseWriter, r *http.Request) {
			reportCalls.Add(1)
			require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			io.WriteString(w, envelope)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		tokens := testTokens(t)
		f, err := NewAdMob(AdMobConfig{
			Logger:       testutil.NewLogger(),
			Tokens:       tokens,
			ClientID:     "cid",
			ClientSecret: "cs",
			RefreshToken: "rt-1",
			PublisherID:  "pub-123",
			BaseURL:      server.URL,
			AuthURL:      server.URL + "/token",
		})
		require.NoError(t, err)

		b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
		require.NoError(t, err)
		require.Equal(t, int64(1), tokenCalls.Load())
		require.Equal(t, int64(1), reportCalls.Load())

		require.InDelta(t, 51.70, b.Totals.Revenue, 1e-9)
		m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
		require.True(t, ok)
		require.InDelta(t, 48.50, m.Revenue, 1e-9)

		// The access token was cached for the next run.
		rec, ok, err := tokens.Get(schema.NetworkAdMob)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "at-1", rec.Token)
	})

	t.Run("stale cached token is purged and refreshed once on 401", func(t *testing.T) {
		t.Parallel()
		var reportCalls atomic.Int64
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"access_token":"at-fresh","token_type":"Bearer","expires_in":3600}`)
		})
		mux.HandleFunc("/v1/accounts/pub-123/networkReport:generate", func(w http.ResponseWriter, r *http.Request) {
			reportCalls.Add(1)
			if r.Header.Get("Authorization") != "Bearer at-fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, envelope)
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		tokens := testTokens(t)
		_, err := tokens.Put(schema.NetworkAdMob, "at-revoked", "Bearer", time.Hour, nil)
		require.NoError(t, err)

		f, err := NewAdMob(AdMobConfig{
			Logger:       testutil.NewLogger(),
			Tokens:       tokens,
			ClientID:     "cid",
			ClientSecret: "cs",
			RefreshToken: "rt-1",
			PublisherID:  "pub-123",
			BaseURL:      server.URL,
			AuthURL:      server.URL + "/token",
		})
		require.NoError(t, err)

		b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
		require.NoError(t, err)
		require.Equal(t, int64(2), reportCalls.Load(), "one rejected attempt, one with the fresh token")
		require.InDelta(t, 51.70, b.Totals.Revenue, 1e-9)

		rec, ok, err := tokens.Get(schema.NetworkAdMob)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "at-fresh", rec.Token)
	})
}

func TestRevMatch_Networks_Mintegral_Fetch(t *testing.T) {
	t.Parallel()

	var days []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, q.Get("start_time"), q.Get("end_time"), "endpoint is one day per request")
		days = append(days, q.Get("start_time"))

		// Verify the HMAC signature over access key + timestamp.
		skey := r.Header.Get("skey")
		timestamp := r.Header.Get("timestamp")
		mac := hmac.New(sha256.New, []byte("api-secret"))
		mac.Write([]byte(skey + timestamp))
		require.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("sign"))

		io.WriteString(w, `{"code":200,"data":{"lists":[
			{"platform":"ios","ad_format":"rewarded_video","est_revenue":"12.34","impression":"1,234"}
		]}}`)
	}))
	defer server.Close()

	f, err := NewMintegral(MintegralConfig{
		Logger:    testutil.NewLogger(),
		AccessKey: "ak-1",
		APIKey:    "api-secret",
		BaseURL:   server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-17"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	require.Equal(t, []string{"2026-08-17", "2026-08-18"}, days)

	require.InDelta(t, 24.68, b.Totals.Revenue, 1e-9)
	require.Equal(t, int64(2468), b.Totals.Impressions)

	m, ok := b.DailyMetrics("2026-08-17", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.Equal(t, int64(1234), m.Impressions, "string impression counts coerce")
}

func TestRevMatch_Networks_Pangle_Fetch(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		require.Equal(t, "uid-1", q.Get("user_id"))
		require.Equal(t, "role-9", q.Get("role_id"))

		// Recompute the signature over the sorted parameters minus sign.
		keys := make([]string, 0, len(q))
		for k := range q {
			if k != "sign" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+q.Get(k))
		}
		mac := hmac.New(sha256.New, []byte("sec-1"))
		mac.Write([]byte(strings.Join(pairs, "&")))
		require.Equal(t, hex.EncodeToString(mac.Sum(nil)), q.Get("sign"))

		io.WriteString(w, `{"code":0,"data":{"list":[
			{"date":"`+q.Get("date")+`","os":2,"ad_slot_type":5,"revenue":"7.50","show":1500},
			{"date":"`+q.Get("date")+`","os":1,"ad_slot_type":6,"revenue":"2.00","show":800},
			{"date":"`+q.Get("date")+`","os":2,"ad_slot_type":99,"revenue":"9.99","show":123}
		]}}`)
	}))
	defer server.Close()

	f, err := NewPangle(PangleConfig{
		Logger:    testutil.NewLogger(),
		UserID:    "uid-1",
		SecureKey: "sec-1",
		RoleID:    "role-9",
		BaseURL:   server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-17"), testDay(t, "2026-08-19"))
	require.NoError(t, err)
	require.Equal(t, int64(3), requests.Load(), "single-day endpoint iterates the window")

	// Slot 5 is rewarded on ios, slot 6 interstitial on android, slot 99 dropped.
	m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.InDelta(t, 7.50, m.Revenue, 1e-9)

	m, ok = b.DailyMetrics("2026-08-18", schema.PlatformAndroid, schema.AdTypeInterstitial)
	require.True(t, ok)
	require.InDelta(t, 2.00, m.Revenue, 1e-9)

	require.InDelta(t, 3*9.50, b.Totals.Revenue, 1e-9, "unmapped slot rows are dropped")
}

func TestRevMatch_Networks_InMobi_Fetch(t *testing.T) {
	t.Parallel()

	var logins atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1.0/generatesession/generate":
			logins.Add(1)
			require.Equal(t, "user@example.com", r.Header.Get("userName"))
			require.Equal(t, "sk-1", r.Header.Get("secretKey"))
			require.Equal(t, "pw-1", r.Header.Get("password"))
			io.WriteString(w, `{"respList":[{"sessionId":"sess-1","accountId":"acct-1"}]}`)
		case "/v3.0/reporting/publisher":
			require.Equal(t, "sess-1", r.Header.Get("sessionId"))
			require.Equal(t, "acct-1", r.Header.Get("accountId"))
			io.WriteString(w, `{"respList":[
				{"date":"2026-08-18","platform":"iOS","adUnitFormat":"Rewarded","earnings":"6.00","impressions":"1200"},
				{"date":"2026-08-18","platform":"Android","adUnitFormat":"Banner","earnings":1.50,"impressions":3000}
			]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	f, err := NewInMobi(InMobiConfig{
		Logger:    testutil.NewLogger(),
		Tokens:    testTokens(t),
		UserName:  "user@example.com",
		SecretKey: "sk-1",
		Password:  "pw-1",
		BaseURL:   server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	require.Equal(t, int64(1), logins.Load())

	require.InDelta(t, 7.50, b.Totals.Revenue, 1e-9)
	m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.Equal(t, int64(1200), m.Impressions)
}

func TestRevMatch_Networks_Vungle_Fetch(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer vk-1", r.Header.Get("Authorization"))
		io.WriteString(w, `{"date":"2026-08-18","platform":"ios","placement type":"rewarded","revenue":"20.00","impressions":4000}`+"\n")
		io.WriteString(w, "\n")
		io.WriteString(w, `{"date":"2026-08-18","platform":"android","placement type":"interstitial","revenue":"5.00","impressions":2500}`+"\n")
	}))
	defer server.Close()

	f, err := NewVungle(VungleConfig{
		Logger:  testutil.NewLogger(),
		APIKey:  "vk-1",
		BaseURL: server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	require.InDelta(t, 25.00, b.Totals.Revenue, 1e-9)
	require.Equal(t, int64(6500), b.Totals.Impressions)
}

func TestRevMatch_Networks_DTExchange_Fetch(t *testing.T) {
	t.Parallel()

	var pollCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		io.WriteString(w, `{"accessToken":"dt-tok","tokenType":"Bearer","expiresIn":3600}`)
	})
	mux.HandleFunc("/api/v1/report", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer dt-tok", r.Header.Get("Authorization"))
		io.WriteString(w, `{"url":"`+serverURLPlaceholder+`/signed/report.csv"}`)
	})
	mux.HandleFunc("/signed/report.csv", func(w http.ResponseWriter, r *http.Request) {
		if pollCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.WriteString(w, strings.Join([]string{
			"Date,Platform,Ad Format,Revenue (USD),Impressions",
			"2026-08-17,ios,Rewarded,31.00,6200",
			"2026-08-17,android,Banner,1.50,7500",
		}, "\n"))
	})
	server := newPlaceholderServer(t, mux)
	defer server.Close()

	clock := clockwork.NewFakeClock()
	tokens := testTokens(t)
	f, err := NewDTExchange(DTExchangeConfig{
		Logger:       testutil.NewLogger(),
		Clock:        clock,
		Tokens:       tokens,
		ClientID:     "cid",
		ClientSecret: "cs",
		BaseURL:      server.URL,
	})
	require.NoError(t, err)

	advCtx, advCancel := context.WithCancel(context.Background())
	defer advCancel()
	go func() {
		for {
			if err := clock.BlockUntilContext(advCtx, 1); err != nil {
				return
			}
			clock.Advance(30 * time.Second)
		}
	}()

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-17"), testDay(t, "2026-08-17"))
	require.NoError(t, err)
	require.Equal(t, int64(2), pollCalls.Load(), "first poll not ready, second serves the csv")

	require.InDelta(t, 32.50, b.Totals.Revenue, 1e-9)
	m, ok := b.DailyMetrics("2026-08-17", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.Equal(t, int64(6200), m.Impressions)

	// The client-credentials token was cached for later runs.
	rec, ok, err := tokens.Get(schema.NetworkDTExchange)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dt-tok", rec.Token)
}

// serverURLPlaceholder is substituted with the live test server URL so the
// report endpoint can hand back an absolute signed URL.
const serverURLPlaceholder = "__SERVER_URL__"

func newPlaceholderServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, r)
		body := strings.ReplaceAll(rec.Body.String(), serverURLPlaceholder, server.URL)
		for k, vs := range rec.Header() {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rec.Code)
		io.WriteString(w, body)
	}))
	return server
}

func TestRevMatch_Networks_PollReport_Deadline(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	advCtx, advCancel := context.WithCancel(context.Background())
	defer advCancel()
	go func() {
		for {
			if err := clock.BlockUntilContext(advCtx, 1); err != nil {
				return
			}
			clock.Advance(30 * time.Second)
		}
	}()

	var polls atomic.Int64
	err := pollReport(context.Background(), clock, schema.NetworkMeta, func(ctx context.Context) (bool, error) {
		polls.Add(1)
		return false, nil
	})

	var transErr *fetcher.TransportError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, schema.NetworkMeta, transErr.Network)
	require.Greater(t, polls.Load(), int64(5), "polling kept trying until the deadline")
}

func TestRevMatch_Networks_Meta_Fetch(t *testing.T) {
	t.Parallel()

	var submits, reads atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/biz-1/adnetworkanalytics", func(w http.ResponseWriter, r *http.Request) {
		submits.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "tok-meta", r.Form.Get("access_token"))
		io.WriteString(w, `{"query_id":"q-77"}`)
	})
	mux.HandleFunc("/v21.0/biz-1/adnetworkanalytics_results", func(w http.ResponseWriter, r *http.Request) {
		if reads.Add(1) == 1 {
			io.WriteString(w, `{"data":[{"status":"running","results":[]}]}`)
			return
		}
		io.WriteString(w, `{"data":[{"status":"complete","results":[
			{"metric":"fb_ad_network_revenue","time":"2026-08-18T07:00:00+0000","value":"48.50",
			 "breakdowns":{"platform":"ios","display_format":"rewarded_video"}},
			{"metric":"fb_ad_network_imp","time":"2026-08-18T07:00:00+0000","value":"9800",
			 "breakdowns":{"platform":"ios","display_format":"rewarded_video"}}
		]}]}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	clock := clockwork.NewFakeClock()
	advCtx, advCancel := context.WithCancel(context.Background())
	defer advCancel()
	go func() {
		for {
			if err := clock.BlockUntilContext(advCtx, 1); err != nil {
				return
			}
			clock.Advance(30 * time.Second)
		}
	}()

	f, err := NewMeta(MetaConfig{
		Logger:      testutil.NewLogger(),
		Clock:       clock,
		AccessToken: "tok-meta",
		BusinessID:  "biz-1",
		BaseURL:     server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	require.Equal(t, int64(1), submits.Load())
	require.Equal(t, int64(2), reads.Load())

	m, ok := b.DailyMetrics("2026-08-18", schema.PlatformIOS, schema.AdTypeRewarded)
	require.True(t, ok)
	require.InDelta(t, 48.50, m.Revenue, 1e-9, "string dollars coerce")
	require.Equal(t, int64(9800), m.Impressions)
}

func TestRevMatch_Networks_Ogury_CentsScaling(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer ok-1", r.Header.Get("Authorization"))
		io.WriteString(w, `{"report":[
			{"date":"2026-08-17","os":"ios","ad_format":"interstitial","revenue_cents":1250,"impressions":3000}
		]}`)
	}))
	defer server.Close()

	f, err := NewOgury(OguryConfig{
		Logger:      testutil.NewLogger(),
		APIKey:      "ok-1",
		PublisherID: "pub-9",
		BaseURL:     server.URL,
	})
	require.NoError(t, err)

	b, err := f.Fetch(context.Background(), testDay(t, "2026-08-17"), testDay(t, "2026-08-17"))
	require.NoError(t, err)
	require.InDelta(t, 12.50, b.Totals.Revenue, 1e-9, "cents scale to dollars")
}

func TestRevMatch_Networks_Fetchers_ClassifyTransportFailures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f, err := NewBidMachine(BidMachineConfig{
		Logger:    testutil.NewLogger(),
		SellerKey: "sk-1",
		BaseURL:   server.URL,
	})
	require.NoError(t, err)

	// Shrink retries so the test does not sleep through real backoff.
	f.client, err = httpclient.New(httpclient.Config{
		Logger:      testutil.NewLogger(),
		Name:        string(schema.NetworkBidMachine),
		MaxAttempts: 2,
		BaseBackoff: 2 * time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	var transErr *fetcher.TransportError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, schema.NetworkBidMachine, transErr.Network)
}

func TestRevMatch_Networks_IronSource_TokenReuse(t *testing.T) {
	t.Parallel()

	var authCalls, statsCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/partners/publisher/auth", func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		require.Equal(t, "sk-1", r.Header.Get("secretkey"))
		require.Equal(t, "rt-1", r.Header.Get("refreshToken"))
		io.WriteString(w, `"is-bearer-1"`)
	})
	mux.HandleFunc("/partners/publisher/monetization/v2", func(w http.ResponseWriter, r *http.Request) {
		statsCalls.Add(1)
		require.Equal(t, "Bearer is-bearer-1", r.Header.Get("Authorization"))
		io.WriteString(w, `[
			{"date":"2026-08-18","platform":"iOS","adUnits":"rewardedVideo",
			 "data":[{"revenue":10.5,"impressions":2100}]}
		]`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tokens := testTokens(t)
	newFetcher := func() *IronSource {
		f, err := NewIronSource(IronSourceConfig{
			Logger:       testutil.NewLogger(),
			Tokens:       tokens,
			SecretKey:    "sk-1",
			RefreshToken: "rt-1",
			BaseURL:      server.URL,
		})
		require.NoError(t, err)
		return f
	}

	_, err := newFetcher().Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)
	_, err = newFetcher().Fetch(context.Background(), testDay(t, "2026-08-18"), testDay(t, "2026-08-18"))
	require.NoError(t, err)

	require.Equal(t, int64(1), authCalls.Load(), "second run reuses the cached bearer")
	require.Equal(t, int64(2), statsCalls.Load())
}
