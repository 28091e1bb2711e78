package applovin

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

// DemandConfig configures the AppLovin demand-side fetcher.
type DemandConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// APIKey is the publisher report key, sent as a query parameter.
	APIKey string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *DemandConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultReportBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Demand fetches the AppLovin publisher report, the network-side feed for
// AppLovin's own demand. Ad types arrive as the publisher report's REGULAR,
// REWARD and BANNER labels.
type Demand struct {
	log    *slog.Logger
	cfg    DemandConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewDemand(cfg DemandConfig) (*Demand, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid applovin demand config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkAppLovin),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Demand{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Demand) Network() schema.Network { return schema.NetworkAppLovin }

type demandRow struct {
	Day         string `json:"day"`
	Platform    string `json:"platform"`
	AdType      string `json:"ad_type"`
	Revenue     any    `json:"revenue"`
	Impressions any    `json:"impressions"`
}

func (f *Demand) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/report", url.Values{
		"api_key": {f.cfg.APIKey},
		"start":   {schema.FormatDate(start)},
		"end":     {schema.FormatDate(end)},
		"columns": {"day,platform,ad_type,revenue,impressions"},
		"format":  {"json"},
	}, nil)
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkAppLovin, err)
	}

	var envelope struct {
		Results []demandRow `json:"results"`
	}
	if err := resp.JSON(&envelope); err != nil {
		return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
	}

	acc := fetcher.NewAccumulator(schema.NetworkAppLovin, start, end)
	for _, row := range envelope.Results {
		platform, ok := schema.NormalizePlatform(row.Platform)
		if !ok {
			f.log.Warn("applovin: unmapped platform", "value", row.Platform)
		}
		adType, ok := schema.NormalizeAdType(row.AdType, false)
		if !ok {
			f.log.Warn("applovin: skipping unmapped ad type", "value", row.AdType)
			continue
		}
		revenue, err := schema.CoerceFloat(row.Revenue)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impressions)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
		}
		acc.AddDay(row.Day, platform, adType, revenue, impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
