package networks

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
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

const (
	defaultIronSourceBaseURL = "https://platform.ironsrc.com"

	// The auth endpoint issues bearer tokens valid for an hour.
	ironSourceTokenLifetime = time.Hour
)

// IronSourceConfig configures the ironSource fetcher.
type IronSourceConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Tokens *tokencache.Store

	// SecretKey and RefreshToken are exchanged at the auth endpoint for a
	// short-lived bearer token.
	SecretKey    string
	RefreshToken string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *IronSourceConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Tokens == nil {
		return errors.New("token store is required")
	}
	if c.SecretKey == "" || c.RefreshToken == "" {
		return errors.New("secret key and refresh token are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultIronSourceBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// IronSource fetches monetization stats. The auth endpoint trades the
// long-lived secret pair for a one-hour bearer token, cached across runs.
type IronSource struct {
	log    *slog.Logger
	cfg    IronSourceConfig
	client *httpclient.Client
	tokens *tokencache.Store
	clock  clockwork.Clock
}

func NewIronSource(cfg IronSourceConfig) (*IronSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ironsource config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkIronSource),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &IronSource{log: cfg.Logger, cfg: cfg, client: client, tokens: cfg.Tokens, clock: cfg.Clock}, nil
}

func (f *IronSource) Network() schema.Network { return schema.NetworkIronSource }

func (f *IronSource) bearerToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if rec, ok, err := f.tokens.Get(schema.NetworkIronSource); err != nil {
			return "", err
		} else if ok {
			return rec.Token, nil
		}
	}

	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/partners/publisher/auth", nil, http.Header{
		"secretkey":    {f.cfg.SecretKey},
		"refreshToken": {f.cfg.RefreshToken},
	})
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkIronSource), "error").Inc()
		return "", fetcher.Classify(schema.NetworkIronSource, err)
	}

	// The endpoint returns the bearer token as a bare JSON string.
	token := strings.Trim(strings.TrimSpace(string(resp.Body)), `"`)
	if token == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkIronSource, "auth response empty")
	}

	if _, err := f.tokens.Put(schema.NetworkIronSource, token, "Bearer", ironSourceTokenLifetime, nil); err != nil {
		return "", err
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkIronSource), "success").Inc()
	return token, nil
}

type ironSourceRow struct {
	Date     string `json:"date"`
	Platform string `json:"platform"`
	AdUnits  string `json:"adUnits"`
	Data     []struct {
		Revenue     any `json:"revenue"`
		Impressions any `json:"impressions"`
	} `json:"data"`
}

func (f *IronSource) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkIronSource, start, end)

	err := fetcher.RetryAuth(ctx, f.tokens, schema.NetworkIronSource, func(ctx context.Context, force bool) error {
		token, err := f.bearerToken(ctx, force)
		if err != nil {
			return err
		}

		resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/partners/publisher/monetization/v2", url.Values{
			"startDate": {schema.FormatDate(start)},
			"endDate":   {schema.FormatDate(end)},
			"breakdown": {"date,platform,adUnits"},
			"metrics":   {"revenue,impressions"},
		}, http.Header{"Authorization": {"Bearer " + token}})
		if err != nil {
			return fetcher.Classify(schema.NetworkIronSource, err)
		}

		var rows []ironSourceRow
		if err := resp.JSON(&rows); err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkIronSource, Err: err}
		}

		acc = fetcher.NewAccumulator(schema.NetworkIronSource, start, end)
		for _, row := range rows {
			platform, ok := schema.NormalizePlatform(row.Platform)
			if !ok {
				f.log.Warn("ironsource: unmapped platform", "value", row.Platform)
			}
			adType, ok := schema.NormalizeAdType(row.AdUnits, false)
			if !ok {
				f.log.Warn("ironsource: skipping unmapped ad unit", "value", row.AdUnits)
				continue
			}
			for _, d := range row.Data {
				revenue, err := schema.CoerceFloat(d.Revenue)
				if err != nil {
					return &fetcher.ResponseShapeError{Network: schema.NetworkIronSource, Err: err}
				}
				impressions, err := schema.CoerceInt(d.Impressions)
				if err != nil {
					return &fetcher.ResponseShapeError{Network: schema.NetworkIronSource, Err: err}
				}
				acc.AddDay(row.Date, platform, adType, revenue, impressions)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc.Finalize(f.clock.Now()), nil
}
