package networks

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

const defaultBidMachineBaseURL = "https://dashboard.bidmachine.io"

// BidMachineConfig configures the BidMachine fetcher.
type BidMachineConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// SellerKey authenticates as a query parameter.
	SellerKey string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *BidMachineConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.SellerKey == "" {
		return errors.New("seller key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBidMachineBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// BidMachine fetches seller statistics as a flat JSON array.
type BidMachine struct {
	log    *slog.Logger
	cfg    BidMachineConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewBidMachine(cfg BidMachineConfig) (*BidMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bidmachine config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkBidMachine),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &BidMachine{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *BidMachine) Network() schema.Network { return schema.NetworkBidMachine }

type bidMachineRow struct {
	Date        string `json:"date"`
	OS          string `json:"os"`
	AdType      string `json:"ad_type"`
	Revenue     any    `json:"revenue"`
	Impressions any    `json:"impressions"`
}

func (f *BidMachine) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/api/v1/statistics", url.Values{
		"seller_key": {f.cfg.SellerKey},
		"from":       {schema.FormatDate(start)},
		"to":         {schema.FormatDate(end)},
		"group_by":   {"date,os,ad_type"},
	}, nil)
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkBidMachine, err)
	}

	var rows []bidMachineRow
	if err := resp.JSON(&rows); err != nil {
		return nil, &fetcher.ResponseShapeError{Network: schema.NetworkBidMachine, Err: err}
	}

	acc := fetcher.NewAccumulator(schema.NetworkBidMachine, start, end)
	for _, row := range rows {
		platform, ok := schema.NormalizePlatform(row.OS)
		if !ok {
			f.log.Warn("bidmachine: unmapped os", "value", row.OS)
		}
		adType, ok := schema.NormalizeAdType(row.AdType, false)
		if !ok {
			f.log.Warn("bidmachine: skipping unmapped ad type", "value", row.AdType)
			continue
		}
		revenue, err := schema.CoerceFloat(row.Revenue)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkBidMachine, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impressions)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkBidMachine, Err: err}
		}
		acc.AddDay(row.Date, platform, adType, revenue, impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
