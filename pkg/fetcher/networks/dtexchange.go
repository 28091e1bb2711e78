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
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

const defaultDTExchangeBaseURL = "https://reporting.fyber.com"

// DTExchangeConfig configures the DT Exchange fetcher.
type DTExchangeConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Tokens *tokencache.Store

	// OAuth client-credentials pair for the reporting API.
	ClientID     string
	ClientSecret string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *DTExchangeConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Tokens == nil {
		return errors.New("token store is required")
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("client id and client secret are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultDTExchangeBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// DTExchange fetches mediation reports. Report generation is asynchronous:
// the create call returns a signed URL that serves 404 until the CSV is
// ready, so the fetcher polls it on the shared cadence. Access tokens come
// from the client-credentials grant and are cached across runs.
type DTExchange struct {
	log    *slog.Logger
	cfg    DTExchangeConfig
	client *httpclient.Client
	tokens *tokencache.Store
	clock  clockwork.Clock
}

func NewDTExchange(cfg DTExchangeConfig) (*DTExchange, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dtexchange config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:    cfg.Logger,
		Name:      string(schema.NetworkDTExchange),
		Clock:     cfg.Clock,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &DTExchange{log: cfg.Logger, cfg: cfg, client: client, tokens: cfg.Tokens, clock: cfg.Clock}, nil
}

func (f *DTExchange) Network() schema.Network { return schema.NetworkDTExchange }

func (f *DTExchange) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if rec, ok, err := f.tokens.Get(schema.NetworkDTExchange); err != nil {
			return "", err
		} else if ok {
			return rec.Token, nil
		}
	}

	resp, err := f.client.PostForm(ctx, f.cfg.BaseURL+"/auth/v1/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {f.cfg.ClientID},
		"client_secret": {f.cfg.ClientSecret},
	}, nil)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkDTExchange), "error").Inc()
		return "", fetcher.Classify(schema.NetworkDTExchange, err)
	}

	var grant struct {
		AccessToken string `json:"accessToken"`
		TokenType   string `json:"tokenType"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := resp.JSON(&grant); err != nil {
		return "", &fetcher.ResponseShapeError{Network: schema.NetworkDTExchange, Err: err}
	}
	if grant.AccessToken == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkDTExchange, "token response missing accessToken")
	}

	if _, err := f.tokens.Put(schema.NetworkDTExchange, grant.AccessToken, grant.TokenType,
		time.Duration(grant.ExpiresIn)*time.Second, nil); err != nil {
		return "", err
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(schema.NetworkDTExchange), "success").Inc()
	return grant.AccessToken, nil
}

func (f *DTExchange) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	var body []byte

	err := fetcher.RetryAuth(ctx, f.tokens, schema.NetworkDTExchange, func(ctx context.Context, force bool) error {
		token, err := f.accessToken(ctx, force)
		if err != nil {
			return err
		}
		reportURL, err := f.createReport(ctx, token, start, end)
		if err != nil {
			return err
		}
		body, err = f.downloadReport(ctx, reportURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	return f.parseReport(body, start, end)
}

func (f *DTExchange) createReport(ctx context.Context, token string, start, end time.Time) (string, error) {
	payload := map[string]any{
		"source": "mediation",
		"dateRange": map[string]string{
			"start": schema.FormatDate(start),
			"end":   schema.FormatDate(end),
		},
		"metrics": []string{"Revenue (USD)", "Impressions"},
		"splits":  []string{"Date", "Platform", "Ad Format"},
	}
	resp, err := f.client.PostJSON(ctx, f.cfg.BaseURL+"/api/v1/report", payload,
		http.Header{"Authorization": {"Bearer " + token}})
	if err != nil {
		return "", fetcher.Classify(schema.NetworkDTExchange, err)
	}

	var created struct {
		URL string `json:"url"`
	}
	if err := resp.JSON(&created); err != nil {
		return "", &fetcher.ResponseShapeError{Network: schema.NetworkDTExchange, Err: err}
	}
	if created.URL == "" {
		return "", fetcher.ShapeErrorf(schema.NetworkDTExchange, "report response missing url")
	}
	return created.URL, nil
}

// downloadReport polls the signed URL until it serves the CSV. The URL
// returns 404 (or an empty body) while generation is in progress.
func (f *DTExchange) downloadReport(ctx context.Context, reportURL string) ([]byte, error) {
	var body []byte
	err := pollReport(ctx, f.clock, schema.NetworkDTExchange, func(ctx context.Context) (bool, error) {
		resp, err := f.client.Get(ctx, reportURL, nil, nil)
		if err != nil {
			var statusErr *httpclient.StatusError
			if errors.As(err, &statusErr) && (statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusForbidden) {
				return false, nil
			}
			return false, fetcher.Classify(schema.NetworkDTExchange, err)
		}
		if len(resp.Body) == 0 {
			return false, nil
		}
		body = resp.Body
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *DTExchange) parseReport(body []byte, start, end time.Time) (*fetcher.Breakdown, error) {
	table, err := parseCSV(schema.NetworkDTExchange, body)
	if err != nil {
		return nil, err
	}
	if missing := table.require("date", "platform", "ad format", "revenue (usd)", "impressions"); missing != nil {
		return nil, fetcher.ShapeErrorf(schema.NetworkDTExchange, "csv missing columns %v", missing)
	}

	acc := fetcher.NewAccumulator(schema.NetworkDTExchange, start, end)
	for _, row := range table.rows {
		platform, ok := schema.NormalizePlatform(table.field(row, "platform"))
		if !ok {
			f.log.Warn("dtexchange: unmapped platform", "value", table.field(row, "platform"))
		}
		adType, ok := schema.NormalizeAdType(table.field(row, "ad format"), false)
		if !ok {
			f.log.Warn("dtexchange: skipping unmapped ad format", "value", table.field(row, "ad format"))
			continue
		}
		revenue, err := schema.CoerceFloat(table.field(row, "revenue (usd)"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkDTExchange, Err: err}
		}
		impressions, err := schema.CoerceInt(table.field(row, "impressions"))
		if err != nil {
			return nil, &fetcher.ResponseShapeError{Network: schema.NetworkDTExchange, Err: err}
		}
		acc.AddDay(table.field(row, "date"), platform, adType, revenue, impressions)
	}
	return acc.Finalize(f.clock.Now()), nil
}
