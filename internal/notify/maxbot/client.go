// Package maxbot delivers chat messages through the messenger bot platform API.
package maxbot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wolfman30/appointment-sync/internal/notify"
	"github.com/wolfman30/appointment-sync/pkg/logging"
)

// DefaultBaseURL is the public bot platform endpoint.
const DefaultBaseURL = "https://platform-api.max.ru"

// Error codes the platform returns when a chat can no longer receive messages.
const (
	CodeChatDenied      = "chat.denied"
	CodeDialogSuspended = "error.dialog.suspended"
)

// ErrNotConfigured is returned when no bot token is set.
var ErrNotConfigured = errors.New("maxbot: bot token not configured")

// Config configures the bot client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type callbackButton struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type keyboardPayload struct {
	Buttons [][]callbackButton `json:"buttons"`
}

type attachment struct {
	Type    string          `json:"type"`
	Payload keyboardPayload `json:"payload"`
}

type sendRequest struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client implements notify.Transport over the bot HTTP API.
type Client struct {
	http   *resty.Client
	token  string
	logger *logging.Logger
}

// NewClient builds a bot client. The request timeout defaults to 15s.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		token:  strings.TrimSpace(cfg.Token),
		logger: logger,
	}
}

// SendMessage posts msg to its chat. Each button is laid out on its own row.
func (c *Client) SendMessage(ctx context.Context, msg notify.Message) error {
	if c.token == "" {
		return &notify.SendError{Kind: notify.ErrorOther, Err: ErrNotConfigured}
	}

	body := sendRequest{Text: msg.Text}
	if len(msg.Buttons) > 0 {
		rows := make([][]callbackButton, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			rows = append(rows, []callbackButton{{Type: "callback", Text: b.Text, Payload: b.Payload}})
		}
		body.Attachments = []attachment{{Type: "inline_keyboard", Payload: keyboardPayload{Buttons: rows}}}
	}

	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.token).
		SetQueryParam("chat_id", strconv.FormatInt(msg.ChatID, 10)).
		SetBody(body).
		SetError(&apiErr).
		Post("/messages")
	if err != nil {
		c.logger.Error("maxbot: request failed", "chat_id", msg.ChatID, "error", err)
		return &notify.SendError{Kind: notify.ErrorOther, Err: fmt.Errorf("maxbot: send message: %w", err)}
	}
	if !resp.IsError() {
		return nil
	}

	sendErr := classify(resp.StatusCode(), apiErr)
	c.logger.Warn("maxbot: send rejected",
		"chat_id", msg.ChatID,
		"status", resp.StatusCode(),
		"code", apiErr.Code,
		"kind", sendErr.Kind.String(),
	)
	return sendErr
}

// Ping verifies the token against the bot profile endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c.token == "" {
		return ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Authorization", c.token).
		Get("/me")
	if err != nil {
		return fmt.Errorf("maxbot: ping: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("maxbot: ping: status %d", resp.StatusCode())
	}
	return nil
}

func classify(status int, apiErr apiError) *notify.SendError {
	kind := notify.ErrorOther
	switch {
	case status == http.StatusTooManyRequests:
		kind = notify.ErrorRateLimited
	case status == http.StatusForbidden && (apiErr.Code == CodeChatDenied || apiErr.Code == CodeDialogSuspended):
		kind = notify.ErrorRecipientUnavailable
	}
	var err error
	if apiErr.Message != "" {
		err = errors.New(apiErr.Message)
	}
	return &notify.SendError{Kind: kind, StatusCode: status, Code: apiErr.Code, Err: err}
}

var _ notify.Transport = (*Client)(nil)
