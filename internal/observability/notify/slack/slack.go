// Package slack posts job failure alerts to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/target/review-pulse/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// DashboardURL, when set, is linked from every alert.
	DashboardURL string
}

// Client delivers job failure notifications to a Slack webhook.
type Client struct {
	webhookURL   string
	channel      string
	username     string
	retryLimit   int
	dashboardURL string
	client       *http.Client
}

var _ notify.Sink = (*Client)(nil)

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		webhookURL:   webhookURL,
		channel:      strings.TrimSpace(cfg.Channel),
		username:     notify.Fallback(strings.TrimSpace(cfg.Username), "review-pulse"),
		retryLimit:   max(cfg.RetryLimit, 0),
		dashboardURL: validDashboardURL(cfg.DashboardURL),
		client:       hc,
	}, nil
}

// SendJobFailure posts a formatted message to Slack.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return notify.PostJSON(ctx, notify.PostConfig{
		Client:  c.client,
		URL:     c.webhookURL,
		Body:    body,
		Retries: c.retryLimit,
		Target:  "slack webhook",
	})
}

func (c *Client) formatMessage(payload notify.JobFailurePayload) map[string]any {
	var text strings.Builder
	text.WriteString("*Review analysis failed*")
	if payload.JobID != "" {
		fmt.Fprintf(&text, " `%s`", payload.JobID)
	}
	text.WriteByte('\n')

	errText := payload.Error
	if payload.Code != "" {
		errText = payload.Code + ": " + payload.Error
	}
	appendField(&text, "File", escape(payload.FileName))
	appendField(&text, "Source", escape(payload.SourceRef))
	appendField(&text, "Task", escape(payload.TaskID))
	appendField(&text, "Severity", notify.Fallback(payload.Severity, notify.SeverityCritical))
	appendField(&text, "Error", escape(strings.TrimSpace(errText)))
	if c.dashboardURL != "" {
		appendField(&text, "Dashboard", "<"+c.dashboardURL+"|open>")
	}
	appendMetadata(&text, payload.Metadata)

	ts := payload.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	appendField(&text, "Timestamp", ts.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     strings.TrimRight(text.String(), "\n"),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

func validDashboardURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.String()
}

func escape(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}

func appendField(text *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	text.WriteString("• ")
	text.WriteString(label)
	text.WriteString(": ")
	text.WriteString(value)
	text.WriteByte('\n')
}

func appendMetadata(text *strings.Builder, metadata map[string]string) {
	if len(metadata) == 0 {
		return
	}
	text.WriteString("• Metadata:\n")
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(text, "    • %s: %s\n", k, escape(metadata[k]))
	}
}
