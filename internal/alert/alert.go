// Package alert delivers operator-facing text alerts to a chat or webhook
// destination.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrDestinationRejected marks deliveries the destination refused because of
// its own configuration (unknown webhook, revoked token, missing chat).
// Callers treat it as a no-op rather than a delivery failure.
var ErrDestinationRejected = errors.New("alert destination rejected the message")

// DefaultTimeout bounds a single delivery.
const DefaultTimeout = 10 * time.Second

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Message is a single alert.
type Message struct {
	Title      string    `json:"title"`
	Text       string    `json:"text"`
	Severity   Severity  `json:"severity"`
	Condition  string    `json:"condition"`
	OccurredAt time.Time `json:"occurred_at"`
}

// String renders the message as plain text.
func (m Message) String() string {
	if m.Title == "" {
		return m.Text
	}
	if m.Text == "" {
		return m.Title
	}
	return m.Title + "\n" + m.Text
}

// Notifier delivers alert messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, m Message) error

func (f NotifierFunc) Notify(ctx context.Context, m Message) error { return f(ctx, m) }

// Noop discards every message. It is used when no destination is configured.
type Noop struct{}

func (Noop) Notify(context.Context, Message) error { return nil }

// IsNoop reports whether n never delivers anything.
func IsNoop(n Notifier) bool {
	_, ok := n.(Noop)
	return ok || n == nil
}

// NewFromDestination builds a Notifier for dest:
//   - ""                                   no-op
//   - https://hooks.slack.com/...          Slack incoming webhook
//   - https://discord.com/api/webhooks/... Discord webhook
//   - telegram://<bot-token>@<chat-id>     Telegram Bot API
//   - any other http(s) URL                generic JSON webhook
func NewFromDestination(dest string) (Notifier, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Noop{}, nil
	}
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid alert destination: %w", err)
	}
	client := &http.Client{Timeout: DefaultTimeout}
	switch strings.ToLower(u.Scheme) {
	case "telegram":
		return newTelegramFromURL(u, client)
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported alert destination scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("alert destination %q has no host", dest)
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "hooks.slack.com":
		return &Slack{URL: dest, Client: client}, nil
	case (host == "discord.com" || host == "discordapp.com") && strings.HasPrefix(u.Path, "/api/webhooks/"):
		return &Discord{URL: dest, Client: client}, nil
	default:
		return &Webhook{URL: dest, Client: client}, nil
	}
}

// truncate shortens s to at most limit characters, cutting on a rune
// boundary and marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit-3 {
			return s[:i] + "..."
		}
		n++
	}
	return s
}

// Describe returns a loggable description of dest without secrets.
func Describe(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "none"
	}
	u, err := url.Parse(dest)
	if err != nil {
		return "invalid"
	}
	if strings.EqualFold(u.Scheme, "telegram") {
		return "telegram chat " + u.Host
	}
	return u.Scheme + "://" + u.Host
}
