package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
)

const telegramAPIBase = "https://api.telegram.org"

// 4096 is the Telegram message length limit.
const telegramMaxLength = 4096

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	Token  string
	ChatID string
	// APIBase overrides https://api.telegram.org.
	APIBase string
	Client  *http.Client
}

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// newTelegramFromURL parses telegram://<bot-token>@<chat-id>. Bot tokens
// contain a colon, which url.Parse splits into user and password.
func newTelegramFromURL(u *url.URL, client *http.Client) (*Telegram, error) {
	if u.User == nil || u.User.Username() == "" {
		return nil, errors.New("telegram destination requires a bot token: telegram://<token>@<chat-id>")
	}
	token := u.User.Username()
	if pw, ok := u.User.Password(); ok {
		token += ":" + pw
	}
	chat := u.Host
	if chat == "" {
		chat = strings.Trim(u.Path, "/")
	}
	if chat == "" {
		return nil, errors.New("telegram destination requires a chat id: telegram://<token>@<chat-id>")
	}
	return &Telegram{Token: token, ChatID: chat, Client: client}, nil
}

func (t *Telegram) Notify(ctx context.Context, m Message) error {
	text := truncate(m.String(), telegramMaxLength)
	b, err := json.Marshal(telegramRequest{ChatID: t.ChatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	base := t.APIBase
	if base == "" {
		base = telegramAPIBase
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(base, "/"), t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		// the request URL carries the token
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read telegram response: %w", err)
	}
	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("telegram returned %d with unparseable body", resp.StatusCode)
	}
	if tr.OK {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: telegram %d: %s", ErrDestinationRejected, resp.StatusCode, tr.Description)
	}
	return fmt.Errorf("telegram returned %d: %s", resp.StatusCode, tr.Description)
}
