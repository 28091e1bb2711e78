package networks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

const (
	defaultAdMobBaseURL = "https://admob.googleapis.com"
	defaultAdMobAuthURL = "https://oauth2.googleapis.com/token"
)

// AdMobConfig configures the AdMob fetcher.
type AdMobConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Tokens *tokencache.Store

	// OAuth refresh-token credentials for the AdMob API scope.
	ClientID     string
	ClientSecret string
	RefreshToken string

	// PublisherID is the pub-... account the report is generated for.
	PublisherID string

	// AppIDs restricts the report to specific apps. AdUnitAdTypes overrides
	// the format mapping for ad units with bespoke naming. TimeZone shifts
	// report days for accounts not set to UTC.
	AppIDs        []string
	AdUnitAdTypes map[string]string
	TimeZone      string

	BaseURL   string
	AuthURL   string
	Transport http.RoundTripper
}

func (c *AdMobConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Tokens == nil {
		return errors.New("token store is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" || c.RefreshToken == "" {
		return errors.New("client id, client secret and refresh token are required")
	}
	if c.PublisherID == "" {
		return errors.New("publisher id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultAdMobBaseURL
	}
	if c.AuthURL == "" {
		c.AuthURL = defaultAdMobAuthURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// AdMob fetches the network report from the AdMob API. Access tokens come
// from the OAuth refresh-token grant and are cached across runs; earnings
// arrive in micro-dollars.
type AdMob struct {
	log    *slog.Logger
	cfg    AdMobConfig
	client *httpclient.Client
	tokens *tokencache.Store
	clock  clockwork.Clock
}

func NewAdMob(cfg AdMobConfig) (*AdMob, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid admob config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkAdMob),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &AdMob{log: cfg.Logger, cfg: cfg, client: client, tokens: cfg.Tokens, clock: cfg.Clock}, nil
}

func (f *AdMob) Network() schema.Network { return schema.NetworkAdMob }

// accessToken returns a cached OAuth access token, exchanging the refresh
// token for a fresh one when the cache is empty or a refresh is forced.
func (f *AdMob) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if rec, ok, err := f.tokens.Get(schema.NetworkAdMob); err != nil {
			return "", err
		} else if ok {
			return rec.Token, nil
		}
	}

	resp, err := f.client.PostForm(ctx, f.cfg.AuthURL, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {f.cfg.ClientID},
		"client_secret": {f.cfg.ClientSecret},
		"refresh_token": {f.cfg.RefreshToken},
	}, nil)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkAdMob), "error").Inc()
		return "", fetcher.Classify(schema.NetworkAdMob, err)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := resp.JSON(&grant); err != nil {
		return "", &fetcher.ResponseShapeError{Network: schema.NetworkAdMob, Err: err}
	}
	if grant.AccessToken == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkAdMob, "token response missing access_token")
	}

	if _, err := f.tokens.Put(schema.NetworkAdMob, grant.AccessToken, grant.TokenType,
		time.Duration(grant.ExpiresIn)*time.Second, nil); err != nil {
		return "", err
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkAdMob), "success").Inc()
	return grant.AccessToken, nil
}

// admobReportRow mirrors one element of the streamed report envelope. The
// envelope is a JSON array of header/row/footer objects.
type admobReportRow struct {
	Row *struct {
		DimensionValues map[string]struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues map[string]struct {
			MicrosValue  any `json:"microsValue"`
			IntegerValue any `json:"integerValue"`
		} `json:"metricValues"`
	} `json:"row"`
}

func (f *AdMob) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkAdMob, start, end)

	err := fetcher.RetryAuth(ctx, f.tokens, schema.NetworkAdMob, func(ctx context.Context, force bool) error {
		token, err := f.accessToken(ctx, force)
		if err != nil {
			return err
		}

		acc = fetcher.NewAccumulator(schema.NetworkAdMob, start, end)
		return f.generateReport(ctx, token, acc, start, end)
	})
	if err != nil {
		return nil, err
	}
	return acc.Finalize(f.clock.Now()), nil
}

func (f *AdMob) generateReport(ctx context.Context, token string, acc *fetcher.Accumulator, start, end time.Time) error {
	dimensions := []string{"DATE", "PLATFORM", "FORMAT"}
	if len(f.cfg.AdUnitAdTypes) > 0 {
		dimensions = append(dimensions, "AD_UNIT")
	}
	spec := map[string]any{
		"dateRange": map[string]any{
			"startDate": admobDate(start),
			"endDate":   admobDate(end),
		},
		"dimensions": dimensions,
		"metrics":    []string{"ESTIMATED_EARNINGS", "IMPRESSIONS"},
		"localizationSettings": map[string]any{
			"currencyCode": "USD",
		},
	}
	if len(f.cfg.AppIDs) > 0 {
		spec["dimensionFilters"] = []map[string]any{{
			"dimension":  "APP",
			"matchesAny": map[string]any{"values": f.cfg.AppIDs},
		}}
	}
	if f.cfg.TimeZone != "" {
		spec["timeZone"] = f.cfg.TimeZone
	}
	payload := map[string]any{"reportSpec": spec}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/networkReport:generate", f.cfg.BaseURL, f.cfg.PublisherID)
	resp, err := f.client.PostJSON(ctx, endpoint, payload,
		http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		return fetcher.Classify(schema.NetworkAdMob, err)
	}

	var envelope []admobReportRow
	if err := resp.JSON(&envelope); err != nil {
		return &fetcher.ResponseShapeError{Network: schema.NetworkAdMob, Err: err}
	}

	for _, item := range envelope {
		if item.Row == nil {
			continue
		}
		date, err := parseAdMobDate(item.Row.DimensionValues["DATE"].Value)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkAdMob, Err: err}
		}
		platform, ok := schema.NormalizePlatform(item.Row.DimensionValues["PLATFORM"].Value)
		if !ok {
			f.log.Warn("admob: unmapped platform", "value", item.Row.DimensionValues["PLATFORM"].Value)
		}
		adType, ok := schema.NormalizeAdType(item.Row.DimensionValues["FORMAT"].Value, false)
		if !ok {
			f.log.Warn("admob: skipping unmapped format", "value", item.Row.DimensionValues["FORMAT"].Value)
			continue
		}
		if unit := item.Row.DimensionValues["AD_UNIT"].Value; unit != "" {
			if raw, ok := f.cfg.AdUnitAdTypes[unit]; ok {
				if override, ok := schema.NormalizeAdType(raw, false); ok {
					adType = override
				}
			}
		}

		micros, err := schema.CoerceFloat(item.Row.MetricValues["ESTIMATED_EARNINGS"].MicrosValue)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkAdMob, Err: err}
		}
		impressions, err := schema.CoerceInt(item.Row.MetricValues["IMPRESSIONS"].IntegerValue)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkAdMob, Err: err}
		}

		acc.AddDay(date, platform, adType, micros/1e6, impressions)
	}
	return nil
}

// admobDate renders the API's year/month/day object.
func admobDate(t time.Time) map[string]int {
	u := t.UTC()
	return map[string]int{"year": u.Year(), "month": int(u.Month()), "day": u.Day()}
}

// parseAdMobDate converts the report's compact YYYYMMDD dimension value.
func parseAdMobDate(raw string) (string, error) {
	t, err := time.ParseInLocation("20060102", raw, time.UTC)
	if err != nil {
		return "", fmt.Errorf("parse report date %q: %w", raw, err)
	}
	return schema.FormatDate(t), nil
}
