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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/httpclient"
	"github.com/lootfox/revmatch/pkg/schema"
)

const (
	defaultPangleBaseURL = "https://open-api.pangleglobal.com"

	// The income endpoint allows five requests per second.
	pangleMinInterval = 200 * time.Millisecond
)

// Pangle slot-type codes, from the union reporting API reference.
//
//	1 banner            5 rewarded video
//	2 interstitial      6 full-screen video
//	3 splash            7 draw video
//	4 feed (native)
var pangleSlotTypes = map[int64]schema.AdType{
	1: schema.AdTypeBanner,
	2: schema.AdTypeInterstitial,
	3: schema.AdTypeInterstitial,
	4: schema.AdTypeBanner,
	5: schema.AdTypeRewarded,
	6: schema.AdTypeInterstitial,
	7: schema.AdTypeRewarded,
}

// Pangle OS codes: 1 android, 2 ios.
var pangleOSCodes = map[int64]schema.Platform{
	1: schema.PlatformAndroid,
	2: schema.PlatformIOS,
}

// PangleConfig configures the Pangle fetcher.
type PangleConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// UserID identifies the publisher account; SecureKey signs each query.
	UserID    string
	SecureKey string

	// RoleID selects the sub-account role on accounts that have one. When
	// set it is signed along with the rest of the query.
	RoleID string

	BaseURL   string
	Transport http.RoundTripper
}

func (c *PangleConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.UserID == "" || c.SecureKey == "" {
		return errors.New("user id and secure key are required")
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultPangleBaseURL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pangle fetches union media income one day per request, as the endpoint
// requires, under the account QPS cap. Queries carry an HMAC-SHA256
// signature over the sorted parameters; slot and OS dimensions are numeric
// codes resolved through the tables above.
type Pangle struct {
	log    *slog.Logger
	cfg    PangleConfig
	client *httpclient.Client
	clock  clockwork.Clock
}

func NewPangle(cfg PangleConfig) (*Pangle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pangle config: %w", err)
	}
	client, err := httpclient.New(httpclient.Config{
		Logger:      cfg.Logger,
		Name:        string(schema.NetworkPangle),
		Clock:       cfg.Clock,
		MinInterval: pangleMinInterval,
		Transport:   cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	return &Pangle{log: cfg.Logger, cfg: cfg, client: client, clock: cfg.Clock}, nil
}

func (f *Pangle) Network() schema.Network { return schema.NetworkPangle }

// signQuery adds user_id, timestamp, and sign parameters. The signature is
// hex(HMAC-SHA256(secure key, sorted k=v pairs joined by &)).
func (f *Pangle) signQuery(query url.Values) url.Values {
	query.Set("user_id", f.cfg.UserID)
	if f.cfg.RoleID != "" {
		query.Set("role_id", f.cfg.RoleID)
	}
	query.Set("timestamp", strconv.FormatInt(f.clock.Now().Unix(), 10))
	query.Set("sign_type", "HMAC-SHA256")

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+query.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(f.cfg.SecureKey))
	mac.Write([]byte(strings.Join(pairs, "&")))
	query.Set("sign", hex.EncodeToString(mac.Sum(nil)))
	return query
}

type pangleEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		List []struct {
			Date       string `json:"date"`
			OS         any    `json:"os"`
			AdSlotType any    `json:"ad_slot_type"`
			Revenue    any    `json:"revenue"`
			Show       any    `json:"show"`
		} `json:"list"`
	} `json:"data"`
}

func (f *Pangle) Fetch(ctx context.Context, start, end time.Time) (*fetcher.Breakdown, error) {
	acc := fetcher.NewAccumulator(schema.NetworkPangle, start, end)

	for _, day := range (fetcher.DateRange{Start: start, End: end}).Days() {
		if err := f.fetchDay(ctx, acc, day); err != nil {
			return nil, err
		}
	}
	return acc.Finalize(f.clock.Now()), nil
}

func (f *Pangle) fetchDay(ctx context.Context, acc *fetcher.Accumulator, day string) error {
	query := f.signQuery(url.Values{
		"date":     {day},
		"currency": {"usd"},
	})

	resp, err := f.client.Get(ctx, f.cfg.BaseURL+"/union/media/open_api/rt/income", query, nil)
	if err != nil {
		return fetcher.Classify(schema.NetworkPangle, err)
	}

	var envelope pangleEnvelope
	if err := resp.JSON(&envelope); err != nil {
		return &fetcher.ResponseShapeError{Network: schema.NetworkPangle, Err: err}
	}
	if envelope.Code != 0 {
		if envelope.Code == 40001 || envelope.Code == 40002 {
			return &fetcher.AuthError{Network: schema.NetworkPangle,
				Err: fmt.Errorf("api code %d: %s", envelope.Code, envelope.Message)}
		}
		return fetcher.ShapeErrorf(schema.NetworkPangle, "api code %d: %s", envelope.Code, envelope.Message)
	}

	for _, row := range envelope.Data.List {
		date := row.Date
		if date == "" {
			date = day
		}

		osCode, err := schema.CoerceInt(row.OS)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkPangle, Err: err}
		}
		platform, ok := pangleOSCodes[osCode]
		if !ok {
			f.log.Warn("pangle: unmapped os code", "value", osCode)
			platform = schema.PlatformAndroid
		}

		slotCode, err := schema.CoerceInt(row.AdSlotType)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkPangle, Err: err}
		}
		adType, ok := pangleSlotTypes[slotCode]
		if !ok {
			f.log.Warn("pangle: skipping unmapped slot type", "value", slotCode)
			continue
		}

		revenue, err := schema.CoerceFloat(row.Revenue)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkPangle, Err: err}
		}
		impressions, err := schema.CoerceInt(row.Show)
		if err != nil {
			return &fetcher.ResponseShapeError{Network: schema.NetworkPangle, Err: err}
		}
		acc.AddDay(date, platform, adType, revenue, impressions)
	}
	return nil
}
