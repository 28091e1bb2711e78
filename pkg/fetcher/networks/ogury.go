package networks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
)

const defaultOguryBaseURL = "https://api.ogury.io"

// OguryConfig configures the Ogury fetcher.
type OguryConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// APIKey is a static bearer token; PublisherID scopes the report.
	APIKey      string
	PublisherID string

	// AssetIDs restricts the report to specific assets.
	AssetIDs []string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *OguryConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.PublisherID == "" {
		return errors.New("publisher id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultOguryBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Ogury fetches publisher monetization reports. Revenue arrives in cents.
type Ogury struct {
	log    *slog.Logger
	cfg    OguryConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewOgury(cfg OguryConfig) (*Ogury, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ogury config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkOgury),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Ogury{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Ogury) Network() schema.Network { return schema.NetworkOgury }

type oguryRow struct {
	Date         string `json:"date"`
	OS           string `json:"os"`
	AdFormat     string `json:"ad_format"`
	RevenueCents any    `json:"revenue_cents"`
	Impressions  any    `json:"impressions"`
}

func (f *Ogury) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	endpoint := fmt.Sprintf("%s/v1/publishers/%s/reports", f.cfg.BaseURL, f.cfg.PublisherID)
	query := url.Values{
		"date_from":  {schema.FormatDate(start)},
		"date_to":    {schema.FormatDate(end)},
		"dimensions": {"date,os,ad_format"},
		"fields":     {"revenue_cents,impressions"},
	}
	if len(f.cfg.AssetIDs) > 0 {
		query.Set("asset_ids", strings.Join(f.cfg.AssetIDs, ","))
	}
	resp, err := f.client.Get(ctx, endpoint, query,
		http.Header{"Authorization": {"Bearer " + f.cfg.APIKey}})
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkOgury, err)
	}

	var report struct {
		Report []oguryRow `json:"report"`
	}
	if err := resp.JSON(&report); err != nil {
		return nil, &fetcher.ResponseShapeError{Network: schema.NetworkOgury, Err: err}
	}

	acc := fetcher.NewAccumulator(schema.NetworkOgury, start, end)
	for _, row := range report.Report {
		platform, ok := schema.NormalizePlatform(row.OS)
		if !ok {
			f.log.Warn("ogury: unmapped os", "value", row.OS)
		}
		adType, ok := schema.NormalizeAdType(row.AdFormat, false)
		if !ok {
			f.log.Warn("ogury: skipping unmapped ad format", "value", row.AdFormat)
			continue
		}
		cents, err := schema.CoerceFloat(row.RevenueCents)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkOgury, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impressions)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkOgury, Err: err}
		}
		acc.AddDay(row.Date, platform, adType, cents/100, impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
