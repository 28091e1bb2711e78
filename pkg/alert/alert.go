// Package alert turns a run's comparison rows into the structured payload
// the notifier delivers. The payload is a pure function of its inputs:
// identical rows, statuses, and timestamps always produce an identical
// payload, so alerts are reproducible from exported data.
package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/lootfox/revmatch/pkg/reconcile"
	"github.com/lootfox/revmatch/pkg/schema"
)

const (
	// DefaultThresholdPct flags a network when any row's revenue delta
	// exceeds this magnitude.
	DefaultThresholdPct = 10.0

	// DefaultMinRevenueFloor ignores rows below this daily MAX revenue;
	// small placements produce noisy percentage swings.
	DefaultMinRevenueFloor = 25.0
)

// Kind classifies the payload header.
type Kind string

const (
	KindAllNormal         Kind = "all-normal"
	KindThresholdExceeded Kind = "threshold-exceeded"
)

// Options tune the threshold logic. Zero values take the defaults.
type Options struct {
	ThresholdPct    float64
	MinRevenueFloor float64
	DashboardURL    string
}

func (o Options) withDefaults() Options {
	if o.ThresholdPct <= 0 {
		o.ThresholdPct = DefaultThresholdPct
	}
	if o.MinRevenueFloor <= 0 {
		o.MinRevenueFloor = DefaultMinRevenueFloor
	}
	return o
}

// BreachRow is one placement whose revenue delta breached the threshold.
type BreachRow struct {
	Application    string   `json:"application"`
	Platform       string   `json:"platform"`
	AdType         string   `json:"ad_type"`
	Date           string   `json:"date"`
	MaxRevenue     float64  `json:"max_revenue"`
	NetworkRevenue float64  `json:"network_revenue"`
	RevDeltaPct    *float64 `json:"rev_delta_pct"`
}

// NetworkBlock summarizes one network over the reporting window. Aggregate
// deltas are recomputed from summed revenue and impressions, never averaged
// across rows.
type NetworkBlock struct {
	Network           schema.Network `json:"network"`
	Display           string         `json:"display"`
	Icon              string         `json:"icon"`
	LastAvailableDate string         `json:"last_available_date,omitempty"`
	MaxRevenue        float64        `json:"max_revenue"`
	NetworkRevenue    float64        `json:"network_revenue"`
	RevDeltaPct       *float64       `json:"rev_delta_pct"`
	ImpDeltaPct       *float64       `json:"imp_delta_pct"`
	CoveragePct       float64        `json:"coverage_pct"`
	ThresholdExceeded bool           `json:"threshold_exceeded"`
	Breaches          []BreachRow    `json:"breaches,omitempty"`
}

// DailySummary totals the window's final day across every network with data.
type DailySummary struct {
	Date           string           `json:"date"`
	MaxRevenue     float64          `json:"max_revenue"`
	NetworkRevenue float64          `json:"network_revenue"`
	Networks       []schema.Network `json:"networks"`
}

// Context carries the run facts the header references.
type Context struct {
	Start            string           `json:"start"`
	End              string           `json:"end"`
	GeneratedAt      time.Time        `json:"generated_at"`
	BreachedRows     int              `json:"breached_rows"`
	BreachedNetworks int              `json:"breached_networks"`
	FailedNetworks   []schema.Network `json:"failed_networks,omitempty"`
	DashboardURL     string           `json:"dashboard_url,omitempty"`
}

// Payload is the structured alert. Exceeded blocks come first, sorted by
// MAX revenue descending with name tie-break, then the normal networks in
// the same order, then the networks whose fetch failed.
type Payload struct {
	Kind          Kind           `json:"kind"`
	Context       Context        `json:"context"`
	Exceeded      []NetworkBlock `json:"exceeded,omitempty"`
	Normal        []NetworkBlock `json:"normal,omitempty"`
	Failed        []NetworkBlock `json:"failed,omitempty"`
	DailySummary  DailySummary   `json:"daily_summary"`
	ExportWarning string         `json:"export_warning,omitempty"`
}

// Config configures a Formatter.
type Config struct {
	Logger  *slog.Logger
	Options Options
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	c.Options = c.Options.withDefaults()
	return nil
}

// Formatter builds alert payloads.
type Formatter struct {
	log  *slog.Logger
	opts Options
}

func New(cfg Config) (*Formatter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert config: %w", err)
	}
	return &Formatter{log: cfg.Logger, opts: cfg.Options}, nil
}

type networkAgg struct {
	maxRevenue         float64
	maxImpressions     int64
	networkRevenue     float64
	networkImpressions int64
	comparedMaxRevenue float64
	breaches           []BreachRow
	breachedRows       int
}

// Build produces the payload for one run. generatedAt is passed in rather
// than read from a clock so the payload stays reproducible.
func (f *Formatter) Build(rows []reconcile.ComparisonRow, statuses map[schema.Network]reconcile.NetworkStatus, start, end string, generatedAt time.Time) *Payload {
	aggs := make(map[schema.Network]*networkAgg)
	agg := func(n schema.Network) *networkAgg {
		a, ok := aggs[n]
		if !ok {
			a = &networkAgg{}
			aggs[n] = a
		}
		return a
	}

	daily := DailySummary{Date: end}
	dailyNetworks := make(map[schema.Network]bool)

	for _, row := range rows {
		a := agg(row.Network)
		a.maxRevenue += row.MaxRevenue
		a.maxImpressions += row.MaxImpressions
		if row.HasNetworkData {
			a.networkRevenue += row.NetworkRevenue
			a.networkImpressions += row.NetworkImpressions
			a.comparedMaxRevenue += row.MaxRevenue
		}

		if row.Date == end {
			daily.MaxRevenue += row.MaxRevenue
			if row.HasNetworkData {
				daily.NetworkRevenue += row.NetworkRevenue
				dailyNetworks[row.Network] = true
			}
		}

		if row.MaxRevenue < f.opts.MinRevenueFloor {
			continue
		}
		if row.HasNetworkData && row.RevDeltaPct != nil && math.Abs(*row.RevDeltaPct) > f.opts.ThresholdPct {
			a.breachedRows++
			a.breaches = append(a.breaches, BreachRow{
				Application:    row.Application,
				Platform:       string(row.Platform),
				AdType:         string(row.AdType),
				Date:           row.Date,
				MaxRevenue:     row.MaxRevenue,
				NetworkRevenue: row.NetworkRevenue,
				RevDeltaPct:    row.RevDeltaPct,
			})
		}
	}

	for n := range dailyNetworks {
		daily.Networks = append(daily.Networks, n)
	}
	sort.Slice(daily.Networks, func(i, j int) bool { return daily.Networks[i] < daily.Networks[j] })

	payload := &Payload{
		Kind:         KindAllNormal,
		DailySummary: daily,
		Context: Context{
			Start:        start,
			End:          end,
			GeneratedAt:  generatedAt.UTC(),
			DashboardURL: f.opts.DashboardURL,
		},
	}

	// Every network the run touched gets a block: networks with rows, plus
	// networks that failed before producing any.
	networks := make(map[schema.Network]bool, len(aggs))
	for n := range aggs {
		networks[n] = true
	}
	for n := range statuses {
		networks[n] = true
	}

	var blocks []NetworkBlock
	for n := range networks {
		a := agg(n)
		info := n.Info()
		block := NetworkBlock{
			Network:        n,
			Display:        info.Display,
			Icon:           info.Icon,
			MaxRevenue:     a.maxRevenue,
			NetworkRevenue: a.networkRevenue,
		}
		if status, ok := statuses[n]; ok {
			block.LastAvailableDate = status.LastAvailableDate
		}
		if a.maxRevenue > 0 {
			block.CoveragePct = a.comparedMaxRevenue / a.maxRevenue * 100
		}
		if a.comparedMaxRevenue > 0 {
			block.RevDeltaPct = reconcile.DeltaPct(a.networkRevenue, a.comparedMaxRevenue)
			if a.networkImpressions > 0 && a.maxImpressions > 0 {
				block.ImpDeltaPct = reconcile.DeltaPct(float64(a.networkImpressions), float64(a.maxImpressions))
			}
		}
		if len(a.breaches) > 0 {
			block.ThresholdExceeded = true
			breaches := append([]BreachRow(nil), a.breaches...)
			sort.Slice(breaches, func(i, j int) bool {
				di, dj := math.Abs(*breaches[i].RevDeltaPct), math.Abs(*breaches[j].RevDeltaPct)
				if di != dj {
					return di > dj
				}
				return breaches[i].Application < breaches[j].Application
			})
			block.Breaches = breaches
		}
		blocks = append(blocks, block)
	}

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].MaxRevenue != blocks[j].MaxRevenue {
			return blocks[i].MaxRevenue > blocks[j].MaxRevenue
		}
		return blocks[i].Network < blocks[j].Network
	})

	for _, block := range blocks {
		status, hasStatus := statuses[block.Network]
		switch {
		case hasStatus && status.Failed:
			payload.Failed = append(payload.Failed, block)
			payload.Context.FailedNetworks = append(payload.Context.FailedNetworks, block.Network)
		case block.ThresholdExceeded:
			payload.Exceeded = append(payload.Exceeded, block)
			payload.Context.BreachedNetworks++
			payload.Context.BreachedRows += len(block.Breaches)
		default:
			payload.Normal = append(payload.Normal, block)
		}
	}

	if payload.Context.BreachedNetworks > 0 {
		payload.Kind = KindThresholdExceeded
	}

	f.log.Info("alert: payload built",
		"kind", payload.Kind,
		"exceeded", len(payload.Exceeded),
		"normal", len(payload.Normal),
		"failed", len(payload.Failed),
		"breached_rows", payload.Context.BreachedRows)
	return payload
}
