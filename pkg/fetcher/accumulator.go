package fetcher

import (
	"time"

	"github.com/lootfox/revmatch/pkg/schema"
)

// Accumulator collects revenue and impressions per platform and per
// platform×adType so the two levels can never drift apart, then finalizes
// eCPMs in one pass. Adapters call Add (or AddDay when the API exposes
// per-day rows) once per response row and Finalize once.
type Accumulator struct {
	network   schema.Network
	dateRange DateRange

	totals    Metrics
	platforms map[schema.Platform]Metrics
	adTypes   map[schema.Platform]map[schema.AdType]Metrics
	daily     map[string]map[schema.Platform]map[schema.AdType]Metrics
}

// NewAccumulator starts an empty accumulation for a network and window.
func NewAccumulator(network schema.Network, start, end time.Time) *Accumulator {
	return &Accumulator{
		network:   network,
		dateRange: DateRange{Start: start, End: end},
		platforms: make(map[schema.Platform]Metrics),
		adTypes:   make(map[schema.Platform]map[schema.AdType]Metrics),
	}
}

// Add folds one response row into the platform and platform×adType totals.
func (a *Accumulator) Add(platform schema.Platform, adType schema.AdType, revenue float64, impressions int64) {
	a.totals.Revenue += revenue
	a.totals.Impressions += impressions

	p := a.platforms[platform]
	p.Revenue += revenue
	p.Impressions += impressions
	a.platforms[platform] = p

	byType, ok := a.adTypes[platform]
	if !ok {
		byType = make(map[schema.AdType]Metrics)
		a.adTypes[platform] = byType
	}
	t := byType[adType]
	t.Revenue += revenue
	t.Impressions += impressions
	byType[adType] = t
}

// AddDay folds one per-day response row into both the aggregate totals and
// the daily breakdown, keeping them coherent.
func (a *Accumulator) AddDay(date string, platform schema.Platform, adType schema.AdType, revenue float64, impressions int64) {
	a.Add(platform, adType, revenue, impressions)

	if a.daily == nil {
		a.daily = make(map[string]map[schema.Platform]map[schema.AdType]Metrics)
	}
	byPlatform, ok := a.daily[date]
	if !ok {
		byPlatform = make(map[schema.Platform]map[schema.AdType]Metrics)
		a.daily[date] = byPlatform
	}
	byType, ok := byPlatform[platform]
	if !ok {
		byType = make(map[schema.AdType]Metrics)
		byPlatform[platform] = byType
	}
	m := byType[adType]
	m.Revenue += revenue
	m.Impressions += impressions
	byType[adType] = m
}

// ECPM is revenue per thousand impressions, zero when there were none.
func ECPM(revenue float64, impressions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return 1000 * revenue / float64(impressions)
}

// Finalize computes eCPMs at every level and returns the completed
// Breakdown. fetchedAt stamps when the upstream was read.
func (a *Accumulator) Finalize(fetchedAt time.Time) *Breakdown {
	b := &Breakdown{
		Network:        a.network,
		Range:          a.dateRange,
		Totals:         a.totals,
		PlatformTotals: a.platforms,
		AdTypeTotals:   a.adTypes,
		DailyData:      a.daily,
		FetchedAt:      fetchedAt,
	}
	b.Totals.ECPM = ECPM(b.Totals.Revenue, b.Totals.Impressions)
	for platform, m := range b.PlatformTotals {
		m.ECPM = ECPM(m.Revenue, m.Impressions)
		b.PlatformTotals[platform] = m
	}
	for _, byType := range b.AdTypeTotals {
		for adType, m := range byType {
			m.ECPM = ECPM(m.Revenue, m.Impressions)
			byType[adType] = m
		}
	}
	for _, byPlatform := range b.DailyData {
		for _, byType := range byPlatform {
			for adType, m := range byType {
				m.ECPM = ECPM(m.Revenue, m.Impressions)
				byType[adType] = m
			}
		}
	}
	return b
}
