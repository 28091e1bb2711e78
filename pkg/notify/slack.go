// Package notify delivers alert payloads to Slack through an incoming
// webhook. Rendering stays here so the alert package remains a pure
// structured-payload producer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/lootfox/revmatch/pkg/alert"
	"github.com/lootfox/revmatch/pkg/metrics"
	"github.com/lootfox/revmatch/pkg/schema"
)

// maxBreachLines bounds the per-network placement table so one bad day
// cannot flood the channel.
const maxBreachLines = 10

// Config configures a Slack notifier.
type Config struct {
	Logger *slog.Logger

	WebhookURL string
	Channel    string

	// HTTPClient overrides the webhook transport, for tests.
	HTTPClient *http.Client
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return nil
}

// Slack posts alert payloads as Block Kit webhook messages.
type Slack struct {
	log *slog.Logger
	cfg Config
}

func NewSlack(cfg Config) (*Slack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notify config: %w", err)
	}
	return &Slack{log: cfg.Logger, cfg: cfg}, nil
}

// Notify renders and posts one alert payload.
func (s *Slack) Notify(ctx context.Context, p *alert.Payload) error {
	msg := &slack.WebhookMessage{
		Channel: s.cfg.Channel,
		Text:    headerText(p),
		Blocks:  &slack.Blocks{BlockSet: renderBlocks(p)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		metrics.AlertsTotal.WithLabelValues(string(p.Kind), "error").Inc()
		return fmt.Errorf("post alert webhook: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues(string(p.Kind), "success").Inc()
	s.log.Info("notify: alert posted", "kind", p.Kind, "channel", s.cfg.Channel)
	return nil
}

// NotifyFailure posts a short error message for runs that died before
// producing a payload, carrying a truncated cause.
func (s *Slack) NotifyFailure(ctx context.Context, start, end string, cause error) error {
	reason := cause.Error()
	if len(reason) > 400 {
		reason = reason[:400] + "…"
	}
	msg := &slack.WebhookMessage{
		Channel: s.cfg.Channel,
		Text:    fmt.Sprintf(":rotating_light: revenue reconciliation failed for %s – %s", start, end),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
				"🚨 Revenue reconciliation failed", true, false)),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*Window:* %s – %s\n*Error:* `%s`", start, end, reason), false, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.cfg.HTTPClient, msg); err != nil {
		metrics.AlertsTotal.WithLabelValues("failure", "error").Inc()
		return fmt.Errorf("post failure webhook: %w", err)
	}
	metrics.AlertsTotal.WithLabelValues("failure", "success").Inc()
	return nil
}

func headerText(p *alert.Payload) string {
	if p.Kind == alert.KindThresholdExceeded {
		return fmt.Sprintf("Revenue reconciliation %s – %s: %d network(s) over threshold",
			p.Context.Start, p.Context.End, p.Context.BreachedNetworks)
	}
	return fmt.Sprintf("Revenue reconciliation %s – %s: all networks normal",
		p.Context.Start, p.Context.End)
}

func renderBlocks(p *alert.Payload) []slack.Block {
	var blocks []slack.Block

	title := "✅ Revenue reconciliation: all normal"
	if p.Kind == alert.KindThresholdExceeded {
		title = "⚠️ Revenue reconciliation: threshold exceeded"
	}
	blocks = append(blocks, slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, true, false)))

	contextLine := fmt.Sprintf("%s – %s · generated %s",
		p.Context.Start, p.Context.End, p.Context.GeneratedAt.Format("2006-01-02 15:04 MST"))
	if p.Context.BreachedRows > 0 {
		contextLine += fmt.Sprintf(" · %d breached row(s) across %d network(s)",
			p.Context.BreachedRows, p.Context.BreachedNetworks)
	}
	if len(p.Context.FailedNetworks) > 0 {
		contextLine += " · failed: " + joinNetworks(p.Context.FailedNetworks)
	}
	if p.ExportWarning != "" {
		contextLine += " · ⚠ export: " + p.ExportWarning
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, contextLine, false, false)))

	for _, block := range p.Exceeded {
		blocks = append(blocks, slack.NewDividerBlock())
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, exceededText(block), false, false), nil, nil))
	}

	if len(p.Normal) > 0 {
		blocks = append(blocks, slack.NewDividerBlock())
		var lines []string
		for _, block := range p.Normal {
			lines = append(lines, fmt.Sprintf("%s *%s* — MAX $%.2f vs $%.2f (%s, coverage %.0f%%)",
				block.Icon, block.Display, block.MaxRevenue, block.NetworkRevenue,
				schema.FormatDeltaPct(block.RevDeltaPct), block.CoveragePct))
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false), nil, nil))
	}

	if len(p.Failed) > 0 {
		var lines []string
		for _, block := range p.Failed {
			lines = append(lines, fmt.Sprintf("%s *%s* — fetch failed", block.Icon, block.Display))
		}
		blocks = append(blocks, slack.NewDividerBlock())
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "*Failed fetches*\n"+strings.Join(lines, "\n"), false, false), nil, nil))
	}

	summary := fmt.Sprintf("*Daily summary %s* — MAX $%.2f vs network $%.2f across %d network(s)",
		p.DailySummary.Date, p.DailySummary.MaxRevenue, p.DailySummary.NetworkRevenue, len(p.DailySummary.Networks))
	blocks = append(blocks, slack.NewDividerBlock())
	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), nil, nil))

	if p.Context.DashboardURL != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "<"+p.Context.DashboardURL+"|dashboard>", false, false)))
	}
	return blocks
}

func exceededText(block alert.NetworkBlock) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* — MAX $%.2f vs $%.2f (%s, imps %s, coverage %.0f%%)",
		block.Icon, block.Display, block.MaxRevenue, block.NetworkRevenue,
		schema.FormatDeltaPct(block.RevDeltaPct), schema.FormatDeltaPct(block.ImpDeltaPct), block.CoveragePct)
	if block.LastAvailableDate != "" {
		fmt.Fprintf(&b, "\nlast available: %s", block.LastAvailableDate)
	}
	for i, breach := range block.Breaches {
		if i == maxBreachLines {
			fmt.Fprintf(&b, "\n… and %d more", len(block.Breaches)-maxBreachLines)
			break
		}
		fmt.Fprintf(&b, "\n• `%s` %s/%s %s: $%.2f vs $%.2f (%s)",
			breach.Application, breach.Platform, breach.AdType, breach.Date,
			breach.MaxRevenue, breach.NetworkRevenue, schema.FormatDeltaPct(breach.RevDeltaPct))
	}
	return b.String()
}

func joinNetworks(networks []schema.Network) string {
	names := make([]string, 0, len(networks))
	for _, n := range networks {
		names = append(names, n.Display())
	}
	return strings.Join(names, ", ")
}
