package networks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
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

const defaultVungleBaseURL = "https://report.api.vungle.com"

// VungleConfig configures the Vungle fetcher.
type VungleConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// APIKey is the reporting key, sent as a bearer token.
	APIKey string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *VungleConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultVungleBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Vungle fetches publisher performance reports. The endpoint streams NDJSON,
// one row object per line.
type Vungle struct {
	log    *slog.Logger
	cfg    VungleConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewVungle(cfg VungleConfig) (*Vungle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vungle config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkVungle),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Vungle{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Vungle) Network() schema.Network { return schema.NetworkVungle }

type vungleRow struct {
	Date          string `json:"date"`
	Platform      string `json:"platform"`
	PlacementType string `json:"placement type"`
	Revenue       any    `json:"revenue"`
	Impressions   any    `json:"impressions"`
}

func (f *Vungle) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/ext/pub/reports/performance", url.Values{
		"start":      {schema.FormatDate(start)},
		"end":        {schema.FormatDate(end)},
		"dimensions": {"date,platform,placement type"},
		"aggregates": {"revenue,impressions"},
	}, http.Header{
		"Authorization":  {"Bearer " + f.cfg.APIKey},
		"Vungle-Version": {"1"},
		"Accept":         {"application/x-ndjson"},
	})
	if err != nil {
		return nil, fetcher.Classify(schema.NetworkVungle, err)
	}

	acc := fetcher.NewAccumulator(schema.NetworkVungle, start, end)
	scanner := bufio.NewScanner(bytes.NewReader(resp.Body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var row vungleRow
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fetcher.ShapeErrorf(schema.NetworkVungle, "bad ndjson line: %v", err)
		}

		platform, ok := schema.NormalizePlatform(row.Platform)
		if !ok {
			f.log.Warn("vungle: unmapped platform", "value", row.Platform)
		}
		adType, ok := schema.NormalizeAdType(row.PlacementType, false)
		if !ok {
			f.log.Warn("vungle: skipping unmapped placement type", "value", row.PlacementType)
			continue
		}
		revenue, err := schema.CoerceFloat(row.Revenue)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkVungle, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impressions)
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkVungle, Err: err}
		}
		acc.AddDay(row.Date, platform, adType, revenue, impressions)
	}
	if err := scanner.Err(); err != nil {
		return nil, fetcher.ShapeErrorf(schema.NetworkVungle, "read ndjson: %v", err)
	}

	return acc.Finalize(f.clock.Now()), nil
}
