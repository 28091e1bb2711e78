package networks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

const (
	defaultMolocoBaseURL = "https://api.moloco.cloud"

	// Login tokens stay valid for an hour.
	molocoTokenLifetime = time.Hour
)

// MolocoConfig configures the Moloco fetcher.
type MolocoConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Tokens *tokencache.Store

	// Email and Password authenticate the login endpoint; PlatformID
	// scopes the report query.
	Email      string
	Password   string
	PlatformID string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *MolocoConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Tokens == nil {
		return errors.New("token store is required")
	}
	if c.Email == "" || c.Password == "" {
		return errors.New("email and password are required")
	}
	if c.PlatformID == "" {
		return errors.New("platform id is required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultMolocoBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Moloco fetches SDK publisher reports. A login call issues an hour-long
// token, cached across runs; report rows nest metrics under each dimension
// tuple.
type Moloco struct {
	log    *slog.Logger
	cfg    MolocoConfig
	client *httpclient.Client
	tokens *tokencache.Store
	clock  clockwork.Clock
}

func NewMoloco(cfg MolocoConfig) (*Moloco, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid moloco config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkMoloco),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Moloco{log: cfg.Logger, cfg: cfg, client: client, tokens: cfg.Tokens, clock: cfg.Clock}, nil
}

func (f *Moloco) Network() schema.Network { return schema.NetworkMoloco }

func (f *Moloco) loginToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if rec, ok, err := f.tokens.Get(schema.NetworkMoloco); err != nil {
			return "", err
		} else if ok {
			return rec.Token, nil
		}
	}

	resp, err := f.client.PostJSON(ctx, f.cfg.BaseURL+"/cm/v1/auth/tokens", map[string]string{
		"email":    f.cfg.Email,
		"password": f.cfg.Password,
	}, nil)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkMoloco), "error").Inc()
		return "", fetcher.Classify(schema.NetworkMoloco, err)
	}

	var login struct {
		Token string `json:"token"`
	}
	if err := resp.JSON(&login); err != nil {
		return "", &fetcher.ResponseShapeError{Network: schema.NetworkMoloco, Err: err}
	}
	if login.Token == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkMoloco, "login response missing token")
	}

	if _, err := f.tokens.Put(schema.NetworkMoloco, login.Token, "Bearer", molocoTokenLifetime, nil); err != nil {
		return "", err
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkMoloco), "success").Inc()
	return login.Token, nil
}

type molocoRow struct {
	Date       string `json:"date"`
	Dimensions struct {
		Platform string `json:"platform"`
		AdUnit   struct {
			Format string `json:"format"`
		} `json:"ad_unit"`
	} `json:"dimensions"`
	Metric struct {
		Revenue    any `json:"revenue"`
		Impression any `json:"impression"`
	} `json:"metric"`
}

func (f *Moloco) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkMoloco, start, end)

	err := fetcher.RetryAuth(ctx, f.tokens, schema.NetworkMoloco, func(ctx context.Context, force bool) error {
		token, err := f.loginToken(ctx, force)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"platform_id": f.cfg.PlatformID,
			"date_range": map[string]string{
				"start": schema.FormatDate(start),
				"end":   schema.FormatDate(end),
			},
			"group_by": []string{"date", "platform", "ad_unit_format"},
			"metrics":  []string{"revenue", "impression"},
		}
		resp, err := f.client.PostJSON(ctx, f.cfg.BaseURL+"/cm/v1/analytics/reports", payload,
			http.Header{"Authorization": {"Bearer " + token}})
		if err != nil {
			return fetcher.Classify(schema.NetworkMoloco, err)
		}

		var report struct {
			Data struct {
				Rows []molocoRow `json:"rows"`
			} `json:"data"`
		}
		if err := resp.JSON(&report); err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkMoloco, Err: err}
		}

		acc = fetcher.NewAccumulator(schema.NetworkMoloco, start, end)
		for _, row := range report.Data.Rows {
			platform, ok := schema.NormalizePlatform(row.Dimensions.Platform)
			if !ok {
				f.log.Warn("moloco: unmapped platform", "value", row.Dimensions.Platform)
			}
			adType, ok := schema.NormalizeAdType(row.Dimensions.AdUnit.Format, false)
			if !ok {
				f.log.Warn("moloco: skipping unmapped ad unit format", "value", row.Dimensions.AdUnit.Format)
				continue
			}
			revenue, err := schema.CoerceFloat(row.Metric.Revenue)
			if err != nil {
				return &fetcher.ResponseShapeError{Network: schema.NetworkMoloco, Err: err}
			}
			impressions, err := schema.CoerceInt(row.Metric.Impression)
			if err != nil {
				return &fetcher.ResponseShapeError{Network: schema.NetworkMoloco, Err: err}
			}
			acc.AddDay(row.Date, platform, adType, revenue, impressions)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc.Finalize(f.clock.Now()), nil
}
