package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/eventcore/eventcore/internal/eventrule"
)

// PlatformChannel logs triggers in-app via slog, standing in for a
// dashboard/notification-center feed. It is used only by rules whose alert
// config lists "platform"; a rule with no channels gets a notification-log
// entry only.
type PlatformChannel struct {
	logger *slog.Logger
}

// NewPlatformChannel creates a PlatformChannel writing to logger.
func NewPlatformChannel(logger *slog.Logger) *PlatformChannel {
	return &PlatformChannel{logger: logger}
}

func (c *PlatformChannel) Name() string { return "platform" }

func (c *PlatformChannel) Send(_ context.Context, trigger eventrule.TriggerResult, rule *eventrule.Rule) error {
	c.logger.Info("platform alert",
		"rule_id", trigger.RuleID,
		"rule_name", trigger.RuleName,
		"source_id", trigger.SourceID,
		"triggered_at", trigger.TriggeredAt,
	)
	return nil
}

// EmailConfig configures the email alert channel.
type EmailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	FromName   string
	To         string
	TLS        bool
	AuthMethod string
}

// EmailChannel sends trigger alerts via SMTP using go-mail.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates an EmailChannel with the given config.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, trigger eventrule.TriggerResult, rule *eventrule.Rule) error {
	to := c.cfg.To
	if rule.AlertConfig != nil && rule.AlertConfig.Email != "" {
		to = rule.AlertConfig.Email
	}
	if to == "" {
		return fmt.Errorf("email channel: no recipient configured")
	}

	message := mail.NewMsg()
	if err := message.From(c.formatFrom()); err != nil {
		return fmt.Errorf("setting from address: %w", err)
	}
	if err := message.To(to); err != nil {
		return fmt.Errorf("setting to address: %w", err)
	}
	message.Subject(fmt.Sprintf("[eventcore] rule %q triggered", trigger.RuleName))
	message.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Rule %q triggered at %s for source %s.\nCondition held for %.1f minutes.\nMatching events: %d.",
		trigger.RuleName, trigger.TriggeredAt, trigger.SourceID, trigger.ConditionMetDuration, len(trigger.MatchingEvents),
	))

	opts := []mail.Option{mail.WithPort(c.cfg.Port)}
	if c.cfg.TLS {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if c.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(c.authType()), mail.WithUsername(c.cfg.Username), mail.WithPassword(c.cfg.Password))
	}

	client, err := mail.NewClient(c.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("sending alert email: %w", err)
	}
	return nil
}

func (c *EmailChannel) formatFrom() string {
	if c.cfg.FromName != "" {
		return fmt.Sprintf("%s <%s>", c.cfg.FromName, c.cfg.From)
	}
	return c.cfg.From
}

func (c *EmailChannel) authType() mail.SMTPAuthType {
	switch c.cfg.AuthMethod {
	case "LOGIN":
		return mail.SMTPAuthLogin
	case "CRAM-MD5":
		return mail.SMTPAuthCramMD5
	default:
		return mail.SMTPAuthPlain
	}
}

// WebhookConfig configures the webhook alert channel.
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// WebhookChannel POSTs a JSON trigger payload to a configured endpoint,
// HMAC-SHA256 signed when a secret is set.
type WebhookChannel struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel with the given config.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	SourceID    string    `json:"source_id"`
	TriggeredAt time.Time `json:"triggered_at"`
}

func (c *WebhookChannel) Send(ctx context.Context, trigger eventrule.TriggerResult, rule *eventrule.Rule) error {
	url := c.cfg.URL
	if rule.AlertConfig != nil && rule.AlertConfig.Webhook != "" {
		url = rule.AlertConfig.Webhook
	}
	if url == "" {
		return fmt.Errorf("webhook channel: no URL configured")
	}

	payload, err := json.Marshal(webhookPayload{
		RuleID:      trigger.RuleID,
		RuleName:    trigger.RuleName,
		SourceID:    trigger.SourceID,
		TriggeredAt: trigger.TriggeredAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
		mac.Write(payload)
		req.Header.Set("X-Eventcore-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
