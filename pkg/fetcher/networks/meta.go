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

const (
	defaultMetaBaseURL    = "https://graph.facebook.com"
	defaultMetaAPIVersion = "v21.0"

	metaRevenueMetric     = "fb_ad_network_revenue"
	metaImpressionsMetric = "fb_ad_network_imp"
)

// MetaConfig configures the Meta Audience Network fetcher.
type MetaConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// AccessToken is a long-lived system-user token with the
	// read_audience_network_insights scope.
	AccessToken string

	// BusinessID scopes the analytics query.
	BusinessID string

	BaseURL    string
	APIVersion string
	Transport  http.RoundTripper
}

func (c *MetaConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.AccessToken == "" {
		return errors.New("access token is required")
	}
	if c.BusinessID == "" {
		return errors.New("business id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultMetaBaseURL
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultMetaAPIVersion
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Meta fetches Audience Network analytics through the asynchronous query
// flow: submit a query, poll until complete, then read the result rows.
// Metric values arrive as string dollars.
type Meta struct {
	log    *slog.Logger
	cfg    MetaConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewMeta(cfg MetaConfig) (*Meta, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid meta config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkMeta),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Meta{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Meta) Network() schema.Network { return schema.NetworkMeta }

type metaResult struct {
	Metric     string `json:"metric"`
	Value      any    `json:"value"`
	Time       string `json:"time"`
	Breakdowns struct {
		Platform      string `json:"platform"`
		DisplayFormat string `json:"display_format"`
	} `json:"breakdowns"`
}

func (f *Meta) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	queryID, err := f.submitQuery(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var results []metaResult
	err = pollReport(ctx, f.clock, schema.NetworkMeta, func(ctx context.Context) (bool, error) {
		status, rows, err := f.queryResults(ctx, queryID)
		if err != nil {
			return false, err
		}
		switch status {
		case "complete":
			results = rows
			return true, nil
		case "failed":
			return false, fetcher.ShapeErrorf(schema.NetworkMeta, "analytics query %s failed", queryID)
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}

	return f.accumulate(results, start, end)
}

func (f *Meta) submitQuery(ctx context.Context, start, end time.Time) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/adnetworkanalytics", f.cfg.BaseURL, f.cfg.APIVersion, f.cfg.BusinessID)
	resp, err := f.client.PostForm(ctx, endpoint, url.Values{
		"access_token": {f.cfg.AccessToken},
		"metrics":      {fmt.Sprintf(`["%s","%s"]`, metaRevenueMetric, metaImpressionsMetric)},
		"breakdowns":   {`["platform","display_format"]`},
		"aggregation_period": {"day"},
		"since":        {schema.FormatDate(start)},
		"until":        {schema.FormatDate(end)},
	}, nil)
	if err != nil {
		return "", fetcher.Classify(schema.NetworkMeta, err)
	}

	var submitted struct {
		QueryID string `json:"query_id"`
	}
	if err := resp.JSON(&submitted); err != nil {
		return "", &fetcher.ResponseShapeError{Network: schema.NetworkMeta, Err: err}
	}
	if submitted.QueryID == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkMeta, "analytics submission missing query_id")
	}
	return submitted.QueryID, nil
}

func (f *Meta) queryResults(ctx context.Context, queryID string) (string, []metaResult, error) {
	endpoint := fmt.Sprintf("%s/%s/%s/adnetworkanalytics_results", f.cfg.BaseURL, f.cfg.APIVersion, f.cfg.BusinessID)
	resp, err := f.client.Get(ctx, endpoint, url.Values{
		"access_token": {f.cfg.AccessToken},
		"query_ids":    {fmt.Sprintf(`["%s"]`, queryID)},
	}, nil)
	if err != nil {
		return "", nil, fetcher.Classify(schema.NetworkMeta, err)
	}

	var envelope struct {
		Data []struct {
			Status  string       `json:"status"`
			Results []metaResult `json:"results"`
		} `json:"data"`
	}
	if err := resp.JSON(&envelope); err != nil {
		return "", nil, &fetcher.ResponseShapeError{Network: schema.NetworkMeta, Err: err}
	}
	if len(envelope.Data) == 0 {
		return "", nil, fetcher.ShapeErrorf(schema.NetworkMeta, "analytics result envelope empty")
	}
	return envelope.Data[0].Status, envelope.Data[0].Results, nil
}

// accumulate joins the separate revenue and impression result streams by
// (day, platform, format) and folds them into one breakdown.
func (f *Meta) accumulate(results []metaResult, start, end time.Time) (*fetcher.Breakdown, error) {
	type cellKey struct {
		date     string
		platform schema.Platform
		adType   schema.AdType
	}
	type cell struct {
		revenue     float64
		impressions int64
	}
	cells := make(map[cellKey]cell)

	for _, r := range results {
		if len(r.Time) < len(schema.DateLayout) {
			return nil, fetcher.ShapeErrorf(schema.NetworkMeta, "bad result time %q", r.Time)
		}
		date := r.Time[:len(schema.DateLayout)]

		platform, ok := schema.NormalizePlatform(r.Breakdowns.Platform)
		if !ok {
			f.log.Warn("meta: unmapped platform", "value", r.Breakdowns.Platform)
		}
		adType, ok := schema.NormalizeAdType(r.Breakdowns.DisplayFormat, false)
		if !ok {
			f.log.Warn("meta: skipping unmapped display format", "value", r.Breakdowns.DisplayFormat)
			continue
		}

		key := cellKey{date: date, platform: platform, adType: adType}
		c := cells[key]
		switch r.Metric {
		case metaRevenueMetric:
			revenue, err := schema.CoerceFloat(r.Value)
			if err != nil {
				return nil, &fetcher.ResponseShapeError{Network: schema.NetworkMeta, Err: err}
			}
			c.revenue += revenue
		case metaImpressionsMetric:
			impressions, err := schema.CoerceInt(r.Value)
			if err != nil {
				return nil, &fetcher.ResponseShapeError{Network: schema.NetworkMeta, Err: err}
			}
			c.impressions += impressions
		default:
			continue
		}
		cells[key] = c
	}

	acc := fetcher.NewAccumulator(schema.NetworkMeta, start, end)
	for key, c := range cells {
		acc.AddDay(key.date, key.platform, key.adType, c.revenue, c.impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
