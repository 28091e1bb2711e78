package export

import (
	"fmt"
	"sort"
	"time"

	"github.com/lootfox/revmatch/pkg/reconcile"
	"github.com/lootfox/revmatch/pkg/schema"
)

// Row is the partition file schema. Column order and nullability are part of
// the contract with downstream readers; deltas are optional so an undefined
// delta survives the round trip as null, never as zero.
type Row struct {
	Date               time.Time `parquet:"date,date"`
	Network            string    `parquet:"network"`
	Platform           string    `parquet:"platform"`
	AdType             string    `parquet:"ad_type"`
	Application        string    `parquet:"application"`
	MaxRevenue         float64   `parquet:"max_revenue"`
	MaxImpressions     int64     `parquet:"max_impressions"`
	MaxECPM            float64   `parquet:"max_ecpm"`
	NetworkRevenue     float64   `parquet:"network_revenue"`
	NetworkImpressions int64     `parquet:"network_impressions"`
	NetworkECPM        float64   `parquet:"network_ecpm"`
	RevDeltaPct        *float64  `parquet:"rev_delta_pct,optional"`
	ImpDeltaPct        *float64  `parquet:"imp_delta_pct,optional"`
	EcpmDeltaPct       *float64  `parquet:"ecpm_delta_pct,optional"`
	HourRange          *string   `parquet:"hour_range,optional"`
	FetchedAt          time.Time `parquet:"fetched_at,timestamp(microsecond)"`
}

// RowFromComparison converts one comparison row to the file schema.
func RowFromComparison(c reconcile.ComparisonRow) (Row, error) {
	date, err := schema.ParseDate(c.Date)
	if err != nil {
		return Row{}, fmt.Errorf("comparison row date: %w", err)
	}
	row := Row{
		Date:               date,
		Network:            string(c.Network),
		Platform:           string(c.Platform),
		AdType:             string(c.AdType),
		Application:        c.Application,
		MaxRevenue:         c.MaxRevenue,
		MaxImpressions:     c.MaxImpressions,
		MaxECPM:            c.MaxECPM,
		NetworkRevenue:     c.NetworkRevenue,
		NetworkImpressions: c.NetworkImpressions,
		NetworkECPM:        c.NetworkECPM,
		RevDeltaPct:        c.RevDeltaPct,
		ImpDeltaPct:        c.ImpDeltaPct,
		EcpmDeltaPct:       c.EcpmDeltaPct,
		FetchedAt:          c.FetchedAt.UTC().Truncate(time.Microsecond),
	}
	if c.HourRange != "" {
		hr := c.HourRange
		row.HourRange = &hr
	}
	return row, nil
}

// GroupByDate splits comparison rows into per-partition groups, preserving
// the reconciler's row order within each date. The returned dates are
// sorted ascending.
func GroupByDate(rows []reconcile.ComparisonRow) (map[string][]reconcile.ComparisonRow, []string) {
	groups := make(map[string][]reconcile.ComparisonRow)
	var dates []string
	for _, row := range rows {
		if _, ok := groups[row.Date]; !ok {
			dates = append(dates, row.Date)
		}
		groups[row.Date] = append(groups[row.Date], row)
	}
	sort.Strings(dates)
	return groups, dates
}
