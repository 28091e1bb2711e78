package reconcile

import (
	"time"

	"github.com/lootfox/revmatch/pkg/schema"
)

// ComparisonRow is the pipeline's atomic output: one mediator-reported cell
// joined against the network's own report. When the network side is absent
// the three network metrics are zero and the deltas are nil, so a missing
// report is never mistaken for perfect agreement.
type ComparisonRow struct {
	Date        string
	Network     schema.Network
	Platform    schema.Platform
	AdType      schema.AdType
	Application string

	MaxRevenue     float64
	MaxImpressions int64
	MaxECPM        float64

	NetworkRevenue     float64
	NetworkImpressions int64
	NetworkECPM        float64

	RevDeltaPct  *float64
	ImpDeltaPct  *float64
	EcpmDeltaPct *float64

	HasNetworkData bool
	FetchedAt      time.Time
	HourRange      string
}

// DeltaPct is the signed percentage difference of a network-reported value
// against the mediator baseline. A zero or negative baseline leaves the
// delta undefined (nil), matching the sentinel grammar in the schema
// package.
func DeltaPct(networkValue, maxValue float64) *float64 {
	if maxValue <= 0 {
		return nil
	}
	d := (networkValue - maxValue) / maxValue * 100
	return &d
}
