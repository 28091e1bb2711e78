package networks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
)

const (
	defaultMintegralBaseURL = "https://api.mintegral.com"

	// The reporting endpoint allows two requests per second.
	mintegralMinInterval = 500 * time.Millisecond
)

// MintegralConfig configures the Mintegral fetcher.
type MintegralConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// AccessKey identifies the account; APIKey signs each request.
	AccessKey string
	APIKey    string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *MintegralConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.AccessKey == "" || c.APIKey == "" {
		return errors.New("access key and api key are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultMintegralBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Mintegral fetches reporting data one day per request, as the endpoint
// requires, pacing requests under the account QPS cap. Every request is
// authenticated by an HMAC-SHA256 signature over the access key and a
// timestamp. Impression counts arrive as strings with thousands separators.
type Mintegral struct {
	log    *slog.Logger
	cfg    MintegralConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewMintegral(cfg MintegralConfig) (*Mintegral, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mintegral config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:      cfg.Logger,
		Name:        string(schema.NetworkMintegral),
		Clock:       cfg.Clock,
		MinInterval: mintegralMinInterval,
		Transport:   cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Mintegral{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Mintegral) Network() schema.Network { return schema.NetworkMintegral }

// signedHeader builds the per-request auth headers: the access key, a unix
// timestamp, and sign = hex(HMAC-SHA256(api key, access key + timestamp)).
func (f *Mintegral) signedHeader() http.Header {
	timestamp := strconv.FormatInt(f.clock.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(f.cfg.APIKey))
	mac.Write([]byte(f.cfg.AccessKey + timestamp))
	return http.Header{
		"skey":      {f.cfg.AccessKey},
		"timestamp": {timestamp},
		"sign":      {hex.EncodeToString(mac.Sum(nil))},
	}
}

type mintegralEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Lists []struct {
			Platform   string `json:"platform"`
			AdFormat   string `json:"ad_format"`
			Revenue    any    `json:"est_revenue"`
			Impression any    `json:"impression"`
		} `json:"lists"`
	} `json:"data"`
}

func (f *Mintegral) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkMintegral, start, end)

	for _, day := range (fetcher.DateRange{Start: start, End: end}).Days() {
		if err := f.fetchDay(ctx, acc, day); err != nil {
			return nil, err
		}
	}
	return acc.Finalize(f.clock.Now()), nil
}

func (f *Mintegral) fetchDay(ctx context.Context, acc *fetcher.Accumulator, day string) error {
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/reporting/data", url.Values{
		"start_time": {day},
		"end_time":   {day},
		"group_by":   {"platform,ad_format"},
	}, f.signedHeader())
	if err != nil {
		return fetcher.Classify(schema.NetworkMintegral, err)
	}

	var envelope mintegralEnvelope
	if err := resp.JSON(&envelope); err != nil {
		return &fetcher.ResponseShapeError{Network: schema.NetworkMintegral, Err: err}
	}
	if envelope.Code != 200 {
		if envelope.Code == 401 || envelope.Code == 403 {
			return &fetcher.AuthError{Network: schema.NetworkMintegral,
				Err: fmt.Errorf("api code %d: %s", envelope.Code, envelope.Msg)}
		}
		return fetcher.ShapeErrorf(schema.NetworkMintegral, "api code %d: %s", envelope.Code, envelope.Msg)
	}

	for _, row := range envelope.Data.Lists {
		platform, ok := schema.NormalizePlatform(row.Platform)
		if !ok {
			f.log.Warn("mintegral: unmapped platform", "value", row.Platform)
		}
		adType, ok := schema.NormalizeAdType(row.AdFormat, false)
		if !ok {
			f.log.Warn("mintegral: skipping unmapped ad format", "value", row.AdFormat)
			continue
		}
		revenue, err := schema.CoerceFloat(row.Revenue)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkMintegral, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Impression)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkMintegral, Err: err}
		}
		acc.AddDay(day, platform, adType, revenue, impressions)
	}
	return nil
}
