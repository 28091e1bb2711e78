// Package fetcher defines the contract every reporting adapter implements
// and the shared machinery they build on: coherent revenue accumulation,
// eCPM finalization, and the error taxonomy the reconciler sorts failures by.
package fetcher

import (
	"context"
	"time"

	"github.com/lootfox/revmatch/pkg/schema"
)

// Fetcher pulls one network's reporting data for an inclusive date window.
// Fetch returns a complete Breakdown or an error; partial data is never
// returned.
type Fetcher interface {
	Network() schema.Network
	Fetch(ctx context.Context, start, end time.Time) (*Breakdown, error)
}

// Metrics is the revenue/impressions/eCPM triple tracked at every
// aggregation level.
type Metrics struct {
	Revenue     float64
	Impressions int64
	ECPM        float64
}

// DateRange is an inclusive calendar-day window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days enumerates the window's calendar days as canonical date strings.
func (r DateRange) Days() []string {
	return schema.DateStrings(r.Start, r.End)
}

// Breakdown is one network's aggregated report for a window. PlatformTotals
// and AdTypeTotals stay coherent with Totals by construction when built
// through an Accumulator. DailyData is present only for adapters whose API
// exposes per-day rows; keys are canonical date strings.
type Breakdown struct {
	Network        schema.Network
	Range          DateRange
	Totals         Metrics
	PlatformTotals map[schema.Platform]Metrics
	AdTypeTotals   map[schema.Platform]map[schema.AdType]Metrics
	DailyData      map[string]map[schema.Platform]map[schema.AdType]Metrics
	FetchedAt      time.Time
}

// DailyMetrics returns the metrics for one (date, platform, adType) cell of
// the daily breakdown, when present.
func (b *Breakdown) DailyMetrics(date string, platform schema.Platform, adType schema.AdType) (Metrics, bool) {
	byPlatform, ok := b.DailyData[date]
	if !ok {
		return Metrics{}, false
	}
	byType, ok := byPlatform[platform]
	if !ok {
		return Metrics{}, false
	}
	m, ok := byType[adType]
	return m, ok
}

// LatestActiveDay returns the most recent day in the daily breakdown with
// non-zero impressions. The second return is false when the breakdown has no
// daily data or no day saw traffic.
func (b *Breakdown) LatestActiveDay() (string, bool) {
	var latest string
	for date, byPlatform := range b.DailyData {
		var impressions int64
		for _, byType := range byPlatform {
			for _, m := range byType {
				impressions += m.Impressions
			}
		}
		if impressions > 0 && date > latest {
			latest = date
		}
	}
	return latest, latest != ""
}

// MediatorRow is one mediator-reported cell: the revenue the mediation layer
// attributes to a network for an (application, platform, adType, date).
type MediatorRow struct {
	Application string
	Platform    schema.Platform
	Network     schema.Network
	AdType      schema.AdType
	Date        string
	Revenue     float64
	Impressions int64
	ECPM        float64
	HourRange   string
}

// MediatorBreakdown extends a Breakdown with the per-row detail only the
// mediator can provide. UnresolvedNetworks counts rows dropped because their
// network label mapped to no canonical Network.
type MediatorBreakdown struct {
	Breakdown
	Rows               []MediatorRow
	UnresolvedNetworks map[string]int
}
