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
	"github.com/lootfox/revmatch/pkg/schema"
)

const defaultUnityBaseURL = "https://monetization.api.unity.com"

// UnityConfig configures the Unity Ads fetcher.
type UnityConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// APIKey is the monetization stats key, sent as a bearer token.
	APIKey string

	// OrganizationID scopes the stats endpoint.
	OrganizationID string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *UnityConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultUnityBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Unity fetches monetization stats from the Unity Ads publisher API. The
// endpoint returns CSV with one row per (day, platform, ad type).
type Unity struct {
	log    *slog.Logger
	cfg    UnityConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewUnity(cfg UnityConfig) (*Unity, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid unity config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkUnity),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Unity{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Unity) Network() schema.Network { return schema.NetworkUnity }

func (f *Unity) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	query := url.Values{
		"start":   {schema.FormatDate(start) + "T00:00:00Z"},
		"end":     {schema.FormatDate(end) + "T23:59:59Z"},
		"scale":   {"day"},
		"splitBy": {"platform,adType"},
		"fields":  {"revenue,impressions"},
	}
	header := http.Header{"Authorization": {"Bearer " + f.cfg.APIKey}}

	endpoint := fmt.Sprintf("%s/stats/v1/operate/organizations/%s", f.cfg.BaseURL, f.cfg.OrganizationID)
	resp, err := f.client.Get(ctx, endpoint, query, header)
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkUnity, err)
	}

	table, err := parseCSV(schema.NetworkUnity, resp.Body)
	if err != nil {
		return nil, err
	}
	if missing := table.require("timestamp", "platform", "ad type", "revenue", "impressions"); missing != nil {
		return nil, fetcher.ShapeErrorf(schema.NetworkUnity, "csv missing columns %v", missing)
	}

	acc := fetcher.NewAccumulator(schema.NetworkUnity, start, end)
	for _, row := range table.rows {
		ts := table.field(row, "timestamp")
		if len(ts) < len(schema.DateLayout) {
			return nil, fetcher.ShapeErrorf(schema.NetworkUnity, "bad timestamp %q", ts)
		}
		date := ts[:len(schema.DateLayout)]

		platform, ok := schema.NormalizePlatform(table.field(row, "platform"))
		if !ok {
			f.log.Warn("unity: unmapped platform", "value", table.field(row, "platform"))
		}
		adType, ok := schema.NormalizeAdType(table.field(row, "ad type"), false)
		if !ok {
			f.log.Warn("unity: skipping unmapped ad type", "value", table.field(row, "ad type"))
			continue
		}

		revenue, err := schema.CoerceFloat(table.field(row, "revenue"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkUnity, Err: err}
		}
		impressions, err := schema.CoerceInt(table.field(row, "impressions"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkUnity, Err: err}
		}

		acc.AddDay(date, platform, adType, revenue, impressions)
	}

	return acc.Finalize(f.clock.Now()), nil
}
