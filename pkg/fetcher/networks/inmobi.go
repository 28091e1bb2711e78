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
	defaultInMobiBaseURL = "https://api.inmobi.com"

	// Sessions issued by the login endpoint stay valid for a day.
	inMobiSessionLifetime = 24 * time.Hour
)

// InMobiConfig configures the InMobi fetcher.
type InMobiConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Tokens *tokencache.Store

	// UserName and SecretKey authenticate the session login. Password is
	// sent alongside them on accounts that still require it.
	UserName  string
	SecretKey string
	Password  string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *InMobiConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Tokens == nil {
		return errors.New("token store is required")
	}
	if c.UserName == "" || c.SecretKey == "" {
		return errors.New("user name and secret key are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultInMobiBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// InMobi fetches publisher reporting. A session login issues a day-long
// sessionId plus the accountId the reporting calls must echo; both are
// cached together across runs.
type InMobi struct {
	log    *slog.Logger
	cfg    InMobiConfig
	client *httpclient.Client
	tokens *tokencache.Store
	clock  clockwork.Clock
}

func NewInMobi(cfg InMobiConfig) (*InMobi, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inmobi config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkInMobi),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &InMobi{log: cfg.Logger, cfg: cfg, client: client, tokens: cfg.Tokens, clock: cfg.Clock}, nil
}

func (f *InMobi) Network() schema.Network { return schema.NetworkInMobi }

// session returns a cached (sessionId, accountId) pair, logging in when the
// cache is empty or refresh is forced.
func (f *InMobi) session(ctx context.Context, force bool) (string, string, error) {
	if !force {
		if rec, ok, err := f.tokens.Get(schema.NetworkInMobi); err != nil {
			return "", "", err
		} else if ok {
			return rec.Token, rec.Extras["account_id"], nil
		}
	}

	header := http.Header{
		"userName":  {f.cfg.UserName},
		"secretKey": {f.cfg.SecretKey},
	}
	if f.cfg.Password != "" {
		header.Set("password", f.cfg.Password)
	}
	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/v1.0/generatesession/generate", nil, header)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkInMobi), "error").Inc()
		return "", "", fetcher.Classify(schema.NetworkInMobi, err)
	}

	var login struct {
		RespList []struct {
			SessionID string `json:"sessionId"`
			AccountID string `json:"accountId"`
		} `json:"respList"`
	}
	if err := resp.JSON(&login); err != nil {
		return "", "", &fetcher.ResponseShapeError{Network: schema.NetworkInMobi, Err: err}
	}
	if len(login.RespList) == 0 || login.RespList[0].SessionID == "" {
		return "", "", fetcher.ShapeErrorf(schema.NetworkInMobi, "login response missing sessionId")
	}

	sessionID := login.RespList[0].SessionID
	accountID := login.RespList[0].AccountID
	if _, err := f.tokens.Put(schema.NetworkInMobi, sessionID, "Session", inMobiSessionLifetime,
		map[string]string{"account_id": accountID}); err != nil {
		return "", "", err
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkInMobi), "success").Inc()
	return sessionID, accountID, nil
}

type inMobiRow struct {
	Date         string `json:"date"`
	Platform     string `json:"platform"`
	AdUnitFormat string `json:"adUnitFormat"`
	Earnings     any    `json:"earnings"`
	Impressions  any    `json:"impressions"`
}

func (f *InMobi) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkInMobi, start, end)

	err := fetcher.RetryAuth(ctx, f.tokens, schema.NetworkInMobi, func(ctx context.Context, force bool) error {
		sessionID, accountID, err := f.session(ctx, force)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"reportRequest": map[string]any{
				"metrics":   []string{"earnings", "impressions"},
				"groupBy":   []string{"date", "platform", "adUnitFormat"},
				"timeFrame": schema.FormatDate(start) + ":" + schema.FormatDate(end),
			},
		}
		resp, err := f.client.PostJSON(ctx, f.cfg.BaseURL+"/v3.0/reporting/publisher", payload, http.Header{
			"accountId": {accountID},
			"secretKey": {f.cfg.SecretKey},
			"sessionId": {sessionID},
		})
		if err != nil {
			return fetcher.Classify(schema.NetworkInMobi, err)
		}

		var report struct {
			RespList []inMobiRow `json:"respList"`
		}
		if err := resp.JSON(&report); err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkInMobi, Err: err}
		}

		acc = fetcher.NewAccumulator(schema.NetworkInMobi, start, end)
		for _, row := range report.RespList {
			platform, ok := schema.NormalizePlatform(row.Platform)
			if !ok {
				f.log.Warn("inmobi: unmapped platform", "value", row.Platform)
			}
			adType, ok := schema.NormalizeAdType(row.AdUnitFormat, false)
			if !ok {
				f.log.Warn("inmobi: skipping unmapped ad unit format", "value", row.AdUnitFormat)
				continue
			}
			earnings, err := schema.CoerceFloat(row.Earnings)
			if err != nil {
				return &fetcher.ResponseShapeError{Network: schema.NetworkInMobi, Err: err}
			}
			impressions, err := schema.CoerceInt(row.Impressions)
			if err != nil {
				return &fetcher.ResponseShapeError{Network: schema.NetworkInMobi, Err: err}
			}
			acc.AddDay(row.Date, platform, adType, earnings, impressions)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acc.Finalize(f.clock.Now()), nil
}
