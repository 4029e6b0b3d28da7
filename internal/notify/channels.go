package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/logging"
)

// Channel delivers messages through one notification method
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
	Enabled() bool
}

// Message is the channel-neutral rendering of an event
type Message struct {
	ID         string                 `json:"id"`
	Event      events.Type            `json:"event"`
	Severity   events.Severity        `json:"severity"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body"`
	Recipients []string               `json:"recipients,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Color      string                 `json:"color,omitempty"`
	IconEmoji  string                 `json:"icon_emoji,omitempty"`
}

func newMessage(recipients []string, event events.Event) Message {
	msg := Message{
		ID:         event.ID,
		Event:      event.Type,
		Severity:   event.Severity,
		Title:      event.Subject,
		Body:       event.Message,
		Recipients: recipients,
		Timestamp:  event.Timestamp,
		Data:       event.Data,
	}
	if msg.Title == "" {
		msg.Title = string(event.Type)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch event.Severity {
	case events.SeverityCritical:
		msg.Color = "#ff0000"
		msg.IconEmoji = ":rotating_light:"
	case events.SeverityWarning:
		msg.Color = "#ffaa00"
		msg.IconEmoji = ":warning:"
	default:
		msg.Color = "#36a64f"
		msg.IconEmoji = ":information_source:"
	}
	return msg
}

// detailLines renders message data as sorted "key: value" lines
func detailLines(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, data[k])
	}
	return b.String()
}

// EmailChannel implements email notifications over SMTP
type EmailChannel struct {
	logger *logging.Logger
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates a new email notification channel
func NewEmailChannel(logger *logging.Logger, config EmailConfig) *EmailChannel {
	return &EmailChannel{
		logger: logger,
		config: config,
		send:   smtp.SendMail,
	}
}

// Send sends an email. Message recipients take precedence over the configured list.
func (ec *EmailChannel) Send(ctx context.Context, msg Message) error {
	to := msg.Recipients
	if len(to) == 0 {
		to = ec.config.To
	}
	if ec.config.SMTPHost == "" || len(to) == 0 {
		return fmt.Errorf("email configuration incomplete")
	}

	body := fmt.Sprintf("%s\r\n\r\nEvent: %s\r\nSeverity: %s\r\nTime: %s\r\n\r\n%s",
		msg.Body, msg.Event, msg.Severity, msg.Timestamp.Format(time.RFC3339), detailLines(msg.Data))
	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s",
		ec.config.From, strings.Join(to, ","), msg.Severity, msg.Title, body)

	var auth smtp.Auth
	if ec.config.Username != "" {
		auth = smtp.PlainAuth("", ec.config.Username, ec.config.Password, ec.config.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", ec.config.SMTPHost, ec.config.SMTPPort)

	if err := ec.send(addr, auth, ec.config.From, to, []byte(raw)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (ec *EmailChannel) Type() string { return "email" }

func (ec *EmailChannel) Enabled() bool {
	return ec.config.SMTPHost != ""
}

// WebhookChannel posts the JSON message to a generic endpoint
type WebhookChannel struct {
	logger *logging.Logger
	config WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a new webhook notification channel
func NewWebhookChannel(logger *logging.Logger, config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		logger: logger,
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

func (wc *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if wc.config.URL == "" {
		return fmt.Errorf("webhook URL not configured")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, wc.client, method, wc.config.URL, wc.config.Headers, payload)
}

func (wc *WebhookChannel) Type() string  { return "webhook" }
func (wc *WebhookChannel) Enabled() bool { return wc.config.URL != "" }

// SlackChannel implements Slack incoming-webhook notifications
type SlackChannel struct {
	logger *logging.Logger
	config SlackConfig
	client *http.Client
}

// NewSlackChannel creates a new Slack notification channel
func NewSlackChannel(logger *logging.Logger, config SlackConfig) *SlackChannel {
	return &SlackChannel{
		logger: logger,
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (sc *SlackChannel) Send(ctx context.Context, msg Message) error {
	if sc.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", msg.IconEmoji, msg.Title),
		"attachments": []map[string]interface{}{
			{
				"color":     msg.Color,
				"title":     msg.Title,
				"text":      msg.Body,
				"timestamp": msg.Timestamp.Unix(),
				"fields": []map[string]interface{}{
					{"title": "Event", "value": string(msg.Event), "short": true},
					{"title": "Severity", "value": string(msg.Severity), "short": true},
				},
			},
		},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}
	return postJSON(ctx, sc.client, http.MethodPost, sc.config.WebhookURL, nil, body)
}

func (sc *SlackChannel) Type() string  { return "slack" }
func (sc *SlackChannel) Enabled() bool { return sc.config.WebhookURL != "" }

// TeamsChannel implements Microsoft Teams notifications
type TeamsChannel struct {
	logger *logging.Logger
	config TeamsConfig
	client *http.Client
}

// NewTeamsChannel creates a new Teams notification channel
func NewTeamsChannel(logger *logging.Logger, config TeamsConfig) *TeamsChannel {
	return &TeamsChannel{
		logger: logger,
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (tc *TeamsChannel) Send(ctx context.Context, msg Message) error {
	if tc.config.WebhookURL == "" {
		return fmt.Errorf("teams webhook URL not configured")
	}

	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"summary":    msg.Title,
		"themeColor": strings.TrimPrefix(msg.Color, "#"),
		"sections": []map[string]interface{}{
			{
				"activityTitle": msg.Title,
				"text":          msg.Body,
				"facts": []map[string]interface{}{
					{"name": "Event", "value": string(msg.Event)},
					{"name": "Severity", "value": string(msg.Severity)},
					{"name": "Time", "value": msg.Timestamp.Format(time.RFC3339)},
				},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal teams payload: %w", err)
	}
	return postJSON(ctx, tc.client, http.MethodPost, tc.config.WebhookURL, nil, body)
}

func (tc *TeamsChannel) Type() string  { return "teams" }
func (tc *TeamsChannel) Enabled() bool { return tc.config.WebhookURL != "" }

// FileChannel appends notifications to a local file
type FileChannel struct {
	logger *logging.Logger
	config FileConfig
	mu     sync.Mutex
}

// NewFileChannel creates a new file notification channel
func NewFileChannel(logger *logging.Logger, config FileConfig) *FileChannel {
	return &FileChannel{
		logger: logger,
		config: config,
	}
}

func (fc *FileChannel) Send(ctx context.Context, msg Message) error {
	if fc.config.Path == "" {
		return fmt.Errorf("file path not configured")
	}

	var content string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal notification to JSON: %w", err)
		}
		content = string(data) + "\n"
	default:
		content = fmt.Sprintf("[%s] %s - %s: %s\n",
			msg.Timestamp.Format(time.RFC3339), msg.Severity, msg.Event, msg.Title)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write notification to file: %w", err)
	}
	return nil
}

func (fc *FileChannel) Type() string  { return "file" }
func (fc *FileChannel) Enabled() bool { return fc.config.Path != "" }

func postJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
