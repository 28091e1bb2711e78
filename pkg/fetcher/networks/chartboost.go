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

const defaultChartboostBaseURL = "https://analytics.chartboost.com"

// ChartboostConfig configures the Chartboost fetcher.
type ChartboostConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// UserID and UserSignature authenticate as query parameters.
	UserID        string
	UserSignature string

	// AppIDs restricts the report to specific apps.
	AppIDs []string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *ChartboostConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.UserID == "" || c.UserSignature == "" {
		return errors.New("user id and user signature are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultChartboostBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Chartboost fetches the ad-type metrics report as CSV. Credentials ride in
// the query string, so request URLs are never logged with their query.
type Chartboost struct {
	log    *slog.Logger
	cfg    ChartboostConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewChartboost(cfg ChartboostConfig) (*Chartboost, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chartboost config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkChartboost),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Chartboost{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Chartboost) Network() schema.Network { return schema.NetworkChartboost }

func (f *Chartboost) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	query := url.Values{
		"userId":        {f.cfg.UserID},
		"userSignature": {f.cfg.UserSignature},
		"dateMin":       {schema.FormatDate(start)},
		"dateMax":       {schema.FormatDate(end)},
		"aggregate":     {"daily"},
		"groupBy":       {"platform"},
		"format":        {"csv"},
	}
	if len(f.cfg.AppIDs) > 0 {
		query.Set("appIds", strings.Join(f.cfg.AppIDs, ","))
	}
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/v3/metrics/adtype", query, nil)
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkChartboost, err)
	}

	table, err := parseCSV(schema.NetworkChartboost, resp.Body)
	if err != nil {
		return nil, err
	}
	if missing := table.require("dt", "platform", "adtype", "moneyearned", "impressionsdelivered"); missing != nil {
		return nil, fetcher.ShapeErrorf(schema.NetworkChartboost, "csv missing columns %v", missing)
	}

	acc := fetcher.NewAccumulator(schema.NetworkChartboost, start, end)
	for _, row := range table.rows {
		platform, ok := schema.NormalizePlatform(table.field(row, "platform"))
		if !ok {
			f.log.Warn("chartboost: unmapped platform", "value", table.field(row, "platform"))
		}
		adType, ok := schema.NormalizeAdType(table.field(row, "adtype"), false)
		if !ok {
			f.log.Warn("chartboost: skipping unmapped ad type", "value", table.field(row, "adtype"))
			continue
		}
		revenue, err := schema.CoerceFloat(table.field(row, "moneyearned"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkChartboost, Err: err}
		}
		impressions, err := schema.CoerceInt(table.field(row, "impressionsdelivered"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkChartboost, Err: err}
		}
		acc.AddDay(table.field(row, "dt"), platform, adType, revenue, impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
