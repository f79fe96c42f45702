// Package notify delivers operator notifications. Delivery is best-effort:
// a failed notification never changes the outcome of the operation that
// raised it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity classifies a message.
type Severity string

const (
	Info    Severity = "INFO"
	Warning Severity = "WARNING"
	Error   Severity = "ERROR"
)

// DryRunPrefix marks notifications raised by a dry run.
const DryRunPrefix = "[DRY-RUN] "

// DefaultTimeout bounds a webhook delivery.
const DefaultTimeout = 5 * time.Second

// Message is one notification.
type Message struct {
	Severity Severity
	RunID    string
	Text     string
}

// Infof builds an INFO message.
func Infof(runID, format string, args ...any) Message {
	return Message{Severity: Info, RunID: runID, Text: fmt.Sprintf(format, args...)}
}

// Warnf builds a WARNING message.
func Warnf(runID, format string, args ...any) Message {
	return Message{Severity: Warning, RunID: runID, Text: fmt.Sprintf(format, args...)}
}

// Errorf builds an ERROR message.
func Errorf(runID, format string, args ...any) Message {
	return Message{Severity: Error, RunID: runID, Text: fmt.Sprintf(format, args...)}
}

// String renders "SEVERITY: [run] text".
func (m Message) String() string {
	if m.RunID == "" {
		return fmt.Sprintf("%s: %s", m.Severity, m.Text)
	}
	return fmt.Sprintf("%s: [%s] %s", m.Severity, m.RunID, m.Text)
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// Webhook posts {"content": "..."} JSON to a chat webhook.
type Webhook struct {
	url    string
	client *http.Client
	dryRun bool
	logger *zap.Logger
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	DryRun  bool
	Client  *http.Client
}

// New returns a Webhook for cfg.URL, or Nop when no URL is configured.
func New(cfg WebhookConfig, logger *zap.Logger) Notifier {
	if cfg.URL == "" {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{url: cfg.URL, client: client, dryRun: cfg.DryRun, logger: logger}
}

type webhookPayload struct {
	Content string `json:"content"`
}

// Notify implements Notifier. Failures are logged and returned.
func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	content := msg.String()
	if w.dryRun {
		content = DryRunPrefix + content
	}
	body, err := json.Marshal(webhookPayload{Content: content})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("Notification delivery failed", zap.String("run_id", msg.RunID), zap.Error(err))
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned %s", resp.Status)
		w.logger.Warn("Notification rejected", zap.String("run_id", msg.RunID), zap.Error(err))
		return err
	}
	return nil
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns a snapshot of recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}
