package notify

import (
	"fmt"
	"time"

	"backup-orchestrator/internal/events"
)

// Config holds configuration for notifications
type Config struct {
	Enabled bool           `yaml:"enabled" mapstructure:"enabled"`
	Email   *EmailConfig   `yaml:"email,omitempty" mapstructure:"email"`
	Webhook *WebhookConfig `yaml:"webhook,omitempty" mapstructure:"webhook"`
	Slack   *SlackConfig   `yaml:"slack,omitempty" mapstructure:"slack"`
	Teams   *TeamsConfig   `yaml:"teams,omitempty" mapstructure:"teams"`
	File    *FileConfig    `yaml:"file,omitempty" mapstructure:"file"`
	Filters Filters        `yaml:"filters" mapstructure:"filters"`
	// DeliveryTimeout bounds one fire-and-forget delivery from the dispatcher.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout"`
}

// EmailConfig for email notifications
type EmailConfig struct {
	SMTPHost string   `yaml:"smtp_host" mapstructure:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port" mapstructure:"smtp_port"`
	Username string   `yaml:"username" mapstructure:"username"`
	Password string   `yaml:"password" mapstructure:"password"`
	From     string   `yaml:"from" mapstructure:"from"`
	To       []string `yaml:"to" mapstructure:"to"`
}

// WebhookConfig for generic webhook notifications
type WebhookConfig struct {
	URL     string            `yaml:"url" mapstructure:"url"`
	Method  string            `yaml:"method" mapstructure:"method"`
	Headers map[string]string `yaml:"headers" mapstructure:"headers"`
	Timeout time.Duration     `yaml:"timeout" mapstructure:"timeout"`
}

// SlackConfig for Slack notifications
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string `yaml:"channel" mapstructure:"channel"`
	Username   string `yaml:"username" mapstructure:"username"`
}

// TeamsConfig for Microsoft Teams notifications
type TeamsConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// FileConfig for file-based notifications
type FileConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// Filters select which events the dispatcher delivers
type Filters struct {
	MinSeverity events.Severity `yaml:"min_severity" mapstructure:"min_severity"`
	// Events lists the delivered event types; empty means all.
	Events  []events.Type `yaml:"events" mapstructure:"events"`
	Exclude []events.Type `yaml:"exclude" mapstructure:"exclude"`
}

// SetDefaults sets default values for notification configuration
func (c *Config) SetDefaults() {
	if c.Filters.MinSeverity == "" {
		c.Filters.MinSeverity = events.SeverityInfo
	}
	if c.DeliveryTimeout == 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.Email != nil && c.Email.SMTPPort == 0 {
		c.Email.SMTPPort = 587
	}
	if c.File != nil && c.File.Format == "" {
		c.File.Format = "text"
	}
}

// Validate validates the notification configuration
func (c *Config) Validate() error {
	if _, ok := severityRank[c.Filters.MinSeverity]; c.Filters.MinSeverity != "" && !ok {
		return fmt.Errorf("unknown min_severity %q", c.Filters.MinSeverity)
	}
	if c.Email != nil && c.Email.SMTPHost != "" && c.Email.From == "" {
		return fmt.Errorf("email.from is required when email.smtp_host is set")
	}
	if c.File != nil {
		switch c.File.Format {
		case "", "text", "json":
		default:
			return fmt.Errorf("unsupported file format %q", c.File.Format)
		}
	}
	return nil
}

var severityRank = map[events.Severity]int{
	events.SeverityInfo:     0,
	events.SeverityWarning:  1,
	events.SeverityCritical: 2,
}

func severityAtLeast(s, min events.Severity) bool {
	if s == "" {
		s = events.SeverityInfo
	}
	return severityRank[s] >= severityRank[min]
}
