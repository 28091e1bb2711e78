// Package reconcile joins the mediator's per-row breakdown against each
// network's own report. It determines every network's effective comparison
// date from its reporting delay and observed activity, looks up the
// network-side value for each mediator row, and emits comparison rows with
// signed percentage deltas in a deterministic order.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/schema"
)

// FetchResult is one network's outcome of the fetch fan-out: a complete
// breakdown or the error that sidelined it. Exactly one of the two is set.
type FetchResult struct {
	Breakdown *fetcher.Breakdown
	Err       error
}

// Config configures an Engine.
type Config struct {
	Logger *slog.Logger

	// Clock is the time source, defaulting to the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine performs the join. It never fails on a per-network fetch error;
// those rows simply carry no network data and the failure lands in the
// outcome's statuses.
type Engine struct {
	log   *slog.Logger
	clock clockwork.Clock
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconcile config: %w", err)
	}
	return &Engine{log: cfg.Logger, clock: cfg.Clock}, nil
}

// Outcome is the result of one reconciliation pass.
type Outcome struct {
	Rows          []ComparisonRow
	Statuses      map[schema.Network]NetworkStatus
	DuplicateKeys int
}

type rowKey struct {
	date        string
	network     schema.Network
	platform    schema.Platform
	adType      schema.AdType
	application string
}

type mediatorAgg struct {
	revenue     float64
	impressions int64
	hourRange   string
}

// Reconcile joins the mediator breakdown against the per-network fetch
// results for the inclusive window [start, end]. Mediator rows outside the
// window are ignored; duplicate keys on the mediator side are summed with a
// warning.
func (e *Engine) Reconcile(mediator *fetcher.MediatorBreakdown, results map[schema.Network]FetchResult, start, end time.Time) *Outcome {
	out := &Outcome{Statuses: make(map[schema.Network]NetworkStatus, len(results))}
	for network, result := range results {
		out.Statuses[network] = e.networkStatus(network, result, end)
	}

	startDay := schema.FormatDate(start)
	endDay := schema.FormatDate(end)
	fetchedAt := e.clock.Now().UTC().Truncate(time.Microsecond)

	aggs := make(map[rowKey]*mediatorAgg, len(mediator.Rows))
	order := make([]rowKey, 0, len(mediator.Rows))
	for _, row := range mediator.Rows {
		if row.Date < startDay || row.Date > endDay {
			continue
		}
		key := rowKey{
			date:        row.Date,
			network:     row.Network,
			platform:    row.Platform,
			adType:      row.AdType,
			application: row.Application,
		}
		agg, ok := aggs[key]
		if !ok {
			agg = &mediatorAgg{}
			aggs[key] = agg
			order = append(order, key)
		} else {
			out.DuplicateKeys++
			e.log.Warn("reconcile: duplicate mediator key",
				"network", key.network, "application", key.application,
				"platform", key.platform, "ad_type", key.adType, "date", key.date)
		}
		agg.revenue += row.Revenue
		agg.impressions += row.Impressions
		if agg.hourRange == "" {
			agg.hourRange = row.HourRange
		}
	}

	out.Rows = make([]ComparisonRow, 0, len(order))
	for _, key := range order {
		agg := aggs[key]
		row := ComparisonRow{
			Date:           key.date,
			Network:        key.network,
			Platform:       key.platform,
			AdType:         key.adType,
			Application:    key.application,
			MaxRevenue:     agg.revenue,
			MaxImpressions: agg.impressions,
			MaxECPM:        fetcher.ECPM(agg.revenue, agg.impressions),
			FetchedAt:      fetchedAt,
			HourRange:      agg.hourRange,
		}

		status := out.Statuses[key.network]
		if result, ok := results[key.network]; ok && result.Err == nil && result.Breakdown != nil {
			lookup := lookupDate(key.date, status.LastAvailableDate)
			m, found := networkMetrics(result.Breakdown, lookup, status.LastAvailableDate, key.platform, key.adType)
			if !found && key.network.Info().AllowPrevDayFallback {
				if prev, err := prevDay(lookup); err == nil {
					m, found = networkMetrics(result.Breakdown, prev, status.LastAvailableDate, key.platform, key.adType)
				}
			}
			if found {
				row.HasNetworkData = true
				row.NetworkRevenue = m.Revenue
				row.NetworkImpressions = m.Impressions
				row.NetworkECPM = fetcher.ECPM(m.Revenue, m.Impressions)
				row.RevDeltaPct = DeltaPct(row.NetworkRevenue, row.MaxRevenue)
				if row.MaxImpressions > 0 {
					row.ImpDeltaPct = DeltaPct(float64(row.NetworkImpressions), float64(row.MaxImpressions))
				}
				row.EcpmDeltaPct = DeltaPct(row.NetworkECPM, row.MaxECPM)
			}
		}
		out.Rows = append(out.Rows, row)
	}

	sort.Slice(out.Rows, func(i, j int) bool {
		a, b := out.Rows[i], out.Rows[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Network != b.Network {
			return a.Network < b.Network
		}
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.AdType != b.AdType {
			return a.AdType < b.AdType
		}
		return a.Application < b.Application
	})

	e.log.Info("reconcile: join completed",
		"rows", len(out.Rows), "networks", len(results),
		"duplicates", out.DuplicateKeys, "start", startDay, "end", endDay)
	return out
}

// networkStatus derives a network's effective comparison date: the latest
// day its report shows non-zero impressions, capped at end minus its typical
// reporting delay. Breakdowns without a daily split use the cap directly.
func (e *Engine) networkStatus(network schema.Network, result FetchResult, end time.Time) NetworkStatus {
	status := NetworkStatus{Network: network}
	if result.Err != nil {
		status.Failed = true
		status.FailureReason = result.Err.Error()
		return status
	}
	if result.Breakdown == nil {
		status.Failed = true
		status.FailureReason = "fetch produced no breakdown"
		return status
	}

	status.Fetched = true
	capDay := schema.FormatDate(schema.AddDays(end, -network.Info().ReportingDelayDays))
	status.LastAvailableDate = capDay
	if latest, ok := result.Breakdown.LatestActiveDay(); ok && latest < capDay {
		status.LastAvailableDate = latest
	}
	return status
}

// lookupDate picks the network-side day for a mediator row: rows dated past
// the network's last available day slide back onto it, historical rows join
// on their own date.
func lookupDate(rowDate, lastAvailable string) string {
	if lastAvailable != "" && rowDate > lastAvailable {
		return lastAvailable
	}
	return rowDate
}

// networkMetrics reads the (date, platform, adType) cell of a breakdown.
// Breakdowns without a daily split are treated as a snapshot at the
// network's last available day.
func networkMetrics(b *fetcher.Breakdown, date, lastAvailable string, platform schema.Platform, adType schema.AdType) (fetcher.Metrics, bool) {
	if b.DailyData != nil {
		return b.DailyMetrics(date, platform, adType)
	}
	if date != lastAvailable {
		return fetcher.Metrics{}, false
	}
	byType, ok := b.AdTypeTotals[platform]
	if !ok {
		return fetcher.Metrics{}, false
	}
	m, ok := byType[adType]
	return m, ok
}

func prevDay(date string) (string, error) {
	d, err := schema.ParseDate(date)
	if err != nil {
		return "", err
	}
	return schema.FormatDate(schema.AddDays(d, -1)), nil
}
