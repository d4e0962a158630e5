// Package alert delivers operational alerts to configured channels with
// per-type cooldown so a flapping dependency does not flood anyone.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/riftwatch/killwatch/internal/metrics"
)

// Type classifies an alert.
type Type string

const (
	TypePersistenceFailure Type = "PERSISTENCE_FAILURE"
	TypeFeedUnhealthy      Type = "FEED_UNHEALTHY"
	TypeDispatchDegraded   Type = "DISPATCH_DEGRADED"
	TypeRecovery           Type = "RECOVERY"
)

// Severity orders alerts for channel formatting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational event worth a human's attention.
type Alert struct {
	Type     Type
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
	Time     time.Time
}

// Channel delivers a single alert somewhere.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Alerter fans an alert out to every channel, rate-limited per alert type.
type Alerter struct {
	channels []Channel
	cooldown time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[Type]time.Time
	nowFn    func() time.Time
}

type Option func(*Alerter)

// WithCooldown overrides the per-type cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(a *Alerter) {
		if d > 0 {
			a.cooldown = d
		}
	}
}

func New(logger *slog.Logger, channels []Channel, opts ...Option) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Alerter{
		channels: channels,
		cooldown: 5 * time.Minute,
		logger:   logger.With("component", "alerter"),
		lastSent: make(map[Type]time.Time),
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Send delivers a to every channel unless the same alert type fired within
// the cooldown window. Recovery alerts always pass and reset the window for
// their type. Channel failures are logged, never returned; alerting must not
// take the pipeline down with it.
func (a *Alerter) Send(ctx context.Context, al Alert) {
	if al.Time.IsZero() {
		al.Time = a.nowFn().UTC()
	}

	if al.Type != TypeRecovery && !a.claim(al.Type) {
		for _, ch := range a.channels {
			metrics.AlertsCooldownSkipped.WithLabelValues(ch.Name(), string(al.Type)).Inc()
		}
		a.logger.Debug("alert suppressed by cooldown", "type", al.Type)
		return
	}

	for _, ch := range a.channels {
		if err := ch.Send(ctx, al); err != nil {
			a.logger.Warn("alert delivery failed",
				"channel", ch.Name(),
				"type", al.Type,
				"error", err,
			)
			continue
		}
		metrics.AlertsSentTotal.WithLabelValues(ch.Name(), string(al.Type)).Inc()
	}
}

// claim returns true when the alert type is outside its cooldown window and
// records the send time.
func (a *Alerter) claim(t Type) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.nowFn()
	if last, ok := a.lastSent[t]; ok && now.Sub(last) < a.cooldown {
		return false
	}
	a.lastSent[t] = now
	return true
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, a Alert) error {
	emoji := ":information_source:"
	switch a.Severity {
	case SeverityWarning:
		emoji = ":warning:"
	case SeverityCritical:
		emoji = ":rotating_light:"
	}

	text := fmt.Sprintf("%s *%s* (%s)\n%s", emoji, a.Title, a.Type, a.Message)
	for k, v := range a.Fields {
		text += fmt.Sprintf("\n• %s: %s", k, v)
	}

	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook http status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the alert as JSON to an arbitrary endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(struct {
		Type     Type              `json:"type"`
		Severity Severity          `json:"severity"`
		Title    string            `json:"title"`
		Message  string            `json:"message"`
		Fields   map[string]string `json:"fields,omitempty"`
		Time     time.Time         `json:"time"`
	}{a.Type, a.Severity, a.Title, a.Message, a.Fields, a.Time})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook http status %d", resp.StatusCode)
	}
	return nil
}
