// Package alert delivers operator notifications. The core talks to a Sink;
// the production sink posts to the Telegram Bot API and records every alert
// in the alert log.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert categories, used for filtering in the alert log.
const (
	CategoryHealth    = "health"
	CategoryWarmup    = "warmup"
	CategoryBlacklist = "blacklist"
	CategoryRotation  = "rotation"
	CategoryProvision = "provision"
)

// Sink receives alerts from the core. Implementations must not block the
// caller for long and must never return an error that aborts the operation
// that raised the alert.
type Sink interface {
	Send(ctx context.Context, severity Severity, category, message string)
}

// Logger records alerts durably; satisfied by the postgres AlertLogStore.
type Logger interface {
	Insert(ctx context.Context, severity, category, message string, sent bool) error
}

var severityEmoji = map[Severity]string{
	SeverityInfo:     "ℹ️",
	SeverityWarning:  "⚠️",
	SeverityCritical: "🚨",
}

// Telegram posts alerts to a Telegram chat via the Bot API.
type Telegram struct {
	apiURL string
	chatID string
	store  Logger
	client *http.Client
}

// NewTelegram builds the production sink. An empty bot token or chat id
// disables delivery; alerts are still logged.
func NewTelegram(botToken, chatID string, store Logger) *Telegram {
	var apiURL string
	if botToken != "" && chatID != "" {
		apiURL = "https://api.telegram.org/bot" + botToken
	}
	return &Telegram{
		apiURL: apiURL,
		chatID: chatID,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether Telegram delivery is configured.
func (t *Telegram) Enabled() bool { return t.apiURL != "" }

// Send delivers one alert and records it. Failures are logged, never returned.
func (t *Telegram) Send(ctx context.Context, severity Severity, category, message string) {
	sent := false
	if t.Enabled() {
		sent = t.post(ctx, severity, message)
	}

	if t.store != nil {
		if err := t.store.Insert(ctx, string(severity), category, message, sent); err != nil {
			log.Printf("[Alert] log insert failed: %v", err)
		}
	}
	if !sent {
		log.Printf("[Alert] %s/%s: %s", severity, category, strings.ReplaceAll(message, "\n", " "))
	}
}

func (t *Telegram) post(ctx context.Context, severity Severity, message string) bool {
	text := fmt.Sprintf("%s *Coldsend Control — %s*\n\n%s",
		severityEmoji[severity], strings.ToUpper(string(severity)), message)

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		log.Printf("[Alert] telegram send: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("[Alert] telegram send: status %d", resp.StatusCode)
		return false
	}
	return true
}

// Recorder is a test sink that captures alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	Alerts []RecordedAlert
}

// RecordedAlert is one captured alert.
type RecordedAlert struct {
	Severity Severity
	Category string
	Message  string
}

// Send captures the alert.
func (r *Recorder) Send(_ context.Context, severity Severity, category, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, RecordedAlert{severity, category, message})
}

// BySeverity returns captured alerts of one severity.
func (r *Recorder) BySeverity(s Severity) []RecordedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedAlert
	for _, a := range r.Alerts {
		if a.Severity == s {
			out = append(out, a)
		}
	}
	return out
}
