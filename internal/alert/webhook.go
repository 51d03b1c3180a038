package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
)

// Webhook posts the Message as JSON to an arbitrary endpoint.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w *Webhook) Notify(ctx context.Context, m Message) error {
	return postJSON(ctx, w.Client, w.URL, m)
}

// Slack posts to a Slack incoming webhook.
type Slack struct {
	URL    string
	Client *http.Client
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) Notify(ctx context.Context, m Message) error {
	text := m.Text
	if m.Title != "" {
		text = "*" + m.Title + "*\n" + m.Text
	}
	return postJSON(ctx, s.Client, s.URL, slackPayload{Text: text})
}

// Discord posts an embed to a Discord webhook.
type Discord struct {
	URL      string
	Username string
	Client   *http.Client
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// 4096 is Discord's embed description limit.
const discordMaxDescription = 4096

func (d *Discord) Notify(ctx context.Context, m Message) error {
	e := discordEmbed{Title: m.Title, Description: truncate(m.Text, discordMaxDescription), Color: severityColor(m.Severity)}
	if !m.OccurredAt.IsZero() {
		e.Timestamp = m.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	name := d.Username
	if name == "" {
		name = "keepalive"
	}
	return postJSON(ctx, d.Client, d.URL, discordPayload{Username: name, Embeds: []discordEmbed{e}})
}

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xE01E5A
	case SeverityWarning:
		return 0xECB22E
	default:
		return 0x2EB67D
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

// checkStatus maps non-2xx responses to errors; 401, 403, 404 and 410 mean
// the destination itself is misconfigured.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		body = []byte("(failed to read response)")
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: status %d: %s", ErrDestinationRejected, resp.StatusCode, bytes.TrimSpace(body))
	}
	return fmt.Errorf("alert destination returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
