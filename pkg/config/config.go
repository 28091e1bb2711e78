// Package config loads and validates the pipeline's YAML configuration.
// Unknown keys warn and are ignored so a config written for a newer build
// still loads; structural problems and missing credentials are fatal and
// map to exit code 2.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lootfox/revmatch/pkg/schema"
)

// Error marks a configuration problem. The CLI maps it to exit code 2.
type Error struct {
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("config: %v", e.Err) }

func (e *Error) Unwrap() error { return e.Err }

func errorf(format string, args ...any) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}

// MediatorConfig holds the AppLovin MAX credentials and report scope.
type MediatorConfig struct {
	APIKey       string   `yaml:"api_key"`
	Applications []string `yaml:"applications"`
	PackageName  string   `yaml:"package_name"`
}

// NetworkConfig is the union of every adapter's credential fields; each
// adapter reads the fields it documents and ignores the rest. AdUnitAdTypes
// overrides ad-unit to ad-type resolution for accounts with bespoke naming.
type NetworkConfig struct {
	Enabled bool `yaml:"enabled"`

	APIKey       string `yaml:"api_key"`
	AccessKey    string `yaml:"access_key"`
	AccessToken  string `yaml:"access_token"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	SecretKey    string `yaml:"secret_key"`
	Secret       string `yaml:"secret"`

	PublisherID   string `yaml:"publisher_id"`
	BusinessID    string `yaml:"business_id"`
	Organization  string `yaml:"organization_id"`
	UserID        string `yaml:"user_id"`
	RoleID        string `yaml:"role_id"`
	UserSignature string `yaml:"user_signature"`
	UserName      string `yaml:"user_name"`
	Password      string `yaml:"password"`
	Email         string `yaml:"email"`
	PlatformID    string `yaml:"platform_id"`
	SellerID      string `yaml:"seller_id"`

	AppIDs        []string          `yaml:"app_ids"`
	AssetIDs      []string          `yaml:"asset_ids"`
	AdUnitAdTypes map[string]string `yaml:"ad_unit_ad_types"`
	TimeZone      string            `yaml:"time_zone"`
}

// ValidationConfig tunes the alert threshold logic and the default window.
type ValidationConfig struct {
	ThresholdPct    float64 `yaml:"threshold_pct"`
	MinRevenueFloor float64 `yaml:"min_revenue_floor"`
	DateRangeDays   int     `yaml:"date_range_days"`
}

// ExportConfig selects the partition store. Bucket picks S3; LocalRoot is
// the dry-run filesystem backend (and the fallback when no bucket is set).
type ExportConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	CredentialsFile string `yaml:"credentials_file"`
	LocalRoot       string `yaml:"local_root"`
}

// AlertingConfig points the notifier at Slack.
type AlertingConfig struct {
	Webhook      string `yaml:"webhook"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// SchedulingConfig drives daemon mode: local times of day in HH:MM.
type SchedulingConfig struct {
	TimesOfDay []string `yaml:"times_of_day"`
	Timezone   string   `yaml:"timezone"`
}

// Config is the full file.
type Config struct {
	Mediator       MediatorConfig                   `yaml:"mediator"`
	Networks       map[schema.Network]NetworkConfig `yaml:"networks"`
	Validation     ValidationConfig                 `yaml:"validation"`
	Export         ExportConfig                     `yaml:"export"`
	Alerting       AlertingConfig                   `yaml:"alerting"`
	Scheduling     SchedulingConfig                 `yaml:"scheduling"`
	CredentialsDir string                           `yaml:"credentials_dir"`
}

var timeOfDayRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Load reads, parses, and validates the file at path. Unknown top-level and
// network keys are logged at warn level and dropped.
func Load(log *slog.Logger, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("read %s: %w", path, err)
	}
	return Parse(log, data)
}

// Parse is Load without the file read, for tests and embedded configs.
func Parse(log *slog.Logger, data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errorf("parse yaml: %w", err)
	}
	warnUnknownKeys(log, data)

	// Unknown network blocks were warned about above; drop them so the
	// runner never tries to build an adapter for them.
	for network := range cfg.Networks {
		if _, ok := schema.ResolveNetwork(string(network)); !ok {
			delete(cfg.Networks, network)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Mediator.APIKey == "" {
		return errorf("mediator api_key is required")
	}

	if c.Validation.ThresholdPct <= 0 {
		c.Validation.ThresholdPct = 10
	}
	if c.Validation.MinRevenueFloor <= 0 {
		c.Validation.MinRevenueFloor = 25
	}
	if c.Validation.DateRangeDays <= 0 {
		c.Validation.DateRangeDays = 7
	}

	if c.Export.Bucket == "" && c.Export.LocalRoot == "" {
		c.Export.LocalRoot = "export"
	}

	if c.CredentialsDir == "" {
		c.CredentialsDir = ".credentials"
	}

	if len(c.Scheduling.TimesOfDay) == 0 {
		c.Scheduling.TimesOfDay = []string{"09:30"}
	}
	for _, tod := range c.Scheduling.TimesOfDay {
		if !timeOfDayRe.MatchString(tod) {
			return errorf("scheduling: bad time_of_day %q (want HH:MM)", tod)
		}
	}
	if c.Scheduling.Timezone == "" {
		c.Scheduling.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.Scheduling.Timezone); err != nil {
		return errorf("scheduling: bad timezone %q: %w", c.Scheduling.Timezone, err)
	}
	return nil
}

// Network returns a network's block, absent blocks read as disabled.
func (c *Config) Network(n schema.Network) NetworkConfig {
	return c.Networks[n]
}

// EnabledNetworks lists the networks switched on in config, in canonical
// order.
func (c *Config) EnabledNetworks() []schema.Network {
	var enabled []schema.Network
	for _, n := range schema.Networks() {
		if c.Networks[n].Enabled {
			enabled = append(enabled, n)
		}
	}
	return enabled
}

// knownTopLevelKeys and knownNetworkKeys mirror the struct tags above; the
// warn pass compares raw YAML keys against them.
var knownTopLevelKeys = map[string]bool{
	"mediator": true, "networks": true, "validation": true,
	"export": true, "alerting": true, "scheduling": true,
	"credentials_dir": true,
}

func warnUnknownKeys(log *slog.Logger, data []byte) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		if !knownTopLevelKeys[key] {
			log.Warn("config: ignoring unknown key", "key", key)
		}
		if key == "networks" && root.Content[i+1].Kind == yaml.MappingNode {
			warnUnknownNetworkKeys(log, root.Content[i+1])
		}
	}
}

func warnUnknownNetworkKeys(log *slog.Logger, networks *yaml.Node) {
	for i := 0; i+1 < len(networks.Content); i += 2 {
		name := networks.Content[i].Value
		if _, ok := schema.ResolveNetwork(name); !ok {
			log.Warn("config: ignoring unknown network block", "network", name)
		}
	}
}
