// Package applovin talks to the AppLovin reporting endpoints: the MAX
// mediation report that drives reconciliation, and the demand-side publisher
// report that serves as AppLovin's own network feed.
package applovin

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

const defaultReportBaseURL = "https://r.applovin.com"

// maxColumnVariants are the column sets the MAX report endpoint is asked
// for, most informative first. Accounts differ in which sets they serve;
// the first variant that yields rows wins.
var maxColumnVariants = []string{
	"day,hour,application,package_name,platform,network,ad_format,estimated_revenue,impressions",
	"day,application,package_name,platform,network,ad_format,estimated_revenue,impressions",
	"day,application,platform,network,ad_format,estimated_revenue,impressions",
	"day,application,platform,network,ad_format,revenue,impressions",
}

// MaxConfig configures the MAX mediation fetcher.
type MaxConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// APIKey is the MAX report key, sent as a query parameter.
	APIKey string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *MaxConfig) Validate() error {
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

// Max fetches the MAX mediation report. Beyond the aggregate breakdown
// every adapter produces, it emits one comparison row per (application,
// platform, network, adType, day) carrying the MAX-side metrics that
// reconciliation checks each network against.
type Max struct {
	log    *slog.Logger
	cfg    MaxConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewMax(cfg MaxConfig) (*Max, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid applovin max config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      "applovin-max",
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Max{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

// maxRow covers the union of all column variants; absent columns decode to
// zero values.
type maxRow struct {
	Day              string `json:"day"`
	Hour             any    `json:"hour"`
	Application      string `json:"application"`
	PackageName      string `json:"package_name"`
	Platform         string `json:"platform"`
	Network          string `json:"network"`
	AdFormat         string `json:"ad_format"`
	EstimatedRevenue any    `json:"estimated_revenue"`
	Revenue          any    `json:"revenue"`
	Impressions      any    `json:"impressions"`
}

func (r maxRow) revenue() (float64, error) {
	if r.EstimatedRevenue != nil {
		return schema.CoerceFloat(r.EstimatedRevenue)
	}
	return schema.CoerceFloat(r.Revenue)
}

// FetchMediator pulls the MAX report for the window, negotiating the column
// set and resolving every network label through the canonical table.
func (m *Max) FetchMediator(ctx context.Context, start, end time.Time) (*fetcher.MediatorBreakdown, error) {
	rows, variant, err := m.negotiate(ctx, start, end)
	if err != nil {
		return nil, err
	}
	m.log.Info("applovin: max report fetched",
		"rows", len(rows), "variant", variant,
		"start", schema.FormatDate(start), "end", schema.FormatDate(end))
	return m.assemble(rows, start, end)
}

// negotiate tries each column variant in preference order and returns the
// rows of the first non-empty payload. An empty report on every variant is
// a valid (empty) result, not an error.
func (m *Max) negotiate(ctx context.Context, start, end time.Time) ([]maxRow, int, error) {
	var lastEmpty []maxRow
	for i, columns := range maxColumnVariants {
		rows, err := m.report(ctx, columns, start, end)
		if err != nil {
			return nil, 0, err
		}
		if len(rows) > 0 {
			return rows, i, nil
		}
		m.log.Debug("applovin: column variant returned no rows", "variant", i)
		lastEmpty = rows
	}
	return lastEmpty, len(maxColumnVariants) - 1, nil
}

func (m *Max) report(ctx context.Context, columns string, start, end time.Time) ([]maxRow, error) {
	resp, err := m.client.Get(ctx, m.cfg.BaseURL+"/maxReport", url.Values{
		"api_key": {m.cfg.APIKey},
		"start":   {schema.FormatDate(start)},
		"end":     {schema.FormatDate(end)},
		"columns": {columns},
		"format":  {"json"},
	}, nil)
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkAppLovin, err)
	}

	var envelope struct {
		Results []maxRow `json:"results"`
	}
	if err := resp.JSON(&envelope); err != nil {
		return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
	}
	return envelope.Results, nil
}

// rowKey identifies one comparison row; hourly report rows collapse onto it.
type rowKey struct {
	application string
	platform    schema.Platform
	network     schema.Network
	adType      schema.AdType
	date        string
}

type rowAgg struct {
	revenue     float64
	impressions int64
	minHour     int64
	maxHour     int64
	hasHour     bool
}

func (m *Max) assemble(rows []maxRow, start, end time.Time) (*fetcher.MediatorBreakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkAppLovin, start, end)
	aggs := make(map[rowKey]*rowAgg)
	order := make([]rowKey, 0, len(rows))
	unresolved := make(map[string]int)

	for _, row := range rows {
		network, ok := schema.ResolveNetwork(row.Network)
		if !ok {
			unresolved[row.Network]++
			continue
		}
		platform, ok := schema.NormalizePlatform(row.Platform)
		if !ok {
			m.log.Warn("applovin: unmapped platform", "value", row.Platform)
		}
		adType, ok := schema.NormalizeAdType(row.AdFormat, false)
		if !ok {
			m.log.Warn("applovin: skipping unmapped ad format", "value", row.AdFormat)
			continue
		}

		revenue, err := row.revenue()
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impressions)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkAppLovin, Err: err}
		}

		application := row.Application
		if application == "" {
			application = row.PackageName
		}

		key := rowKey{
			application: application,
			platform:    platform,
			network:     network,
			adType:      adType,
			date:        row.Day,
		}
		agg, ok := aggs[key]
		if !ok {
			agg = &rowAgg{}
			aggs[key] = agg
			order = append(order, key)
		}
		agg.revenue += revenue
		agg.impressions += impressions

		if row.Hour != nil {
			hour, err := schema.CoerceInt(row.Hour)
			if err == nil {
				if !agg.hasHour {
					agg.minHour, agg.maxHour, agg.hasHour = hour, hour, true
				} else {
					if hour < agg.minHour {
						agg.minHour = hour
					}
					if hour > agg.maxHour {
						agg.maxHour = hour
					}
				}
			}
		}

		acc.AddDay(row.Day, platform, adType, revenue, impressions)
	}

	breakdown := acc.Finalize(m.clock.Now())
	out := &fetcher.MediatorBreakdown{
		Breakdown:          *breakdown,
		Rows:               make([]fetcher.MediatorRow, 0, len(order)),
		UnresolvedNetworks: unresolved,
	}
	for _, key := range order {
		agg := aggs[key]
		var hourRange string
		if agg.hasHour {
			hourRange = fmt.Sprintf("%02d-%02d", agg.minHour, agg.maxHour)
		}
		out.Rows = append(out.Rows, fetcher.MediatorRow{
			Application: key.application,
			Platform:    key.platform,
			Network:     key.network,
			AdType:      key.adType,
			Date:        key.date,
			Revenue:     agg.revenue,
			Impressions: agg.impressions,
			ECPM:        fetcher.ECPM(agg.revenue, agg.impressions),
			HourRange:   hourRange,
		})
	}

	if len(unresolved) > 0 {
		labels := make([]string, 0, len(unresolved))
		for label, count := range unresolved {
			labels = append(labels, fmt.Sprintf("%s(%d)", label, count))
		}
		m.log.Warn("applovin: dropped rows with unresolved networks",
			"labels", strings.Join(labels, ","))
	}
	return out, nil
}
