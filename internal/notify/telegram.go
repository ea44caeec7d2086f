// Package notify sends operational messages over the Telegram Bot API:
// admin alerts, per-user sales-bot notifications, and bot-token
// validation for user-supplied tokens.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const apiBase = "https://api.telegram.org"

// ErrInvalidBotToken is returned when getMe rejects a token.
var ErrInvalidBotToken = errors.New("invalid bot token")

// BotInfo is the identity behind a bot token.
type BotInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Sender delivers one message to one chat. Implemented by Client.
type Sender interface {
	SendMessage(ctx context.Context, botToken, chatID, text string) error
	GetBotInfo(ctx context.Context, botToken string) (BotInfo, error)
}

// Client is a thin Telegram Bot API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient builds a Telegram client with a 15 s per-call deadline.
func NewClient() *Client {
	return &Client{BaseURL: apiBase, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// SendMessage posts an HTML-formatted message to a chat.
func (c *Client) SendMessage(ctx context.Context, botToken, chatID, text string) error {
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("parse_mode", "HTML")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.BaseURL, botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sendMessage: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage: status %d", resp.StatusCode)
	}
	return nil
}

// GetBotInfo validates a bot token via getMe and returns the bot identity.
func (c *Client) GetBotInfo(ctx context.Context, botToken string) (BotInfo, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getMe", c.BaseURL, botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return BotInfo{}, fmt.Errorf("build getMe: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return BotInfo{}, fmt.Errorf("getMe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return BotInfo{}, ErrInvalidBotToken
	}
	if resp.StatusCode != http.StatusOK {
		return BotInfo{}, fmt.Errorf("getMe: status %d", resp.StatusCode)
	}

	var env struct {
		OK     bool    `json:"ok"`
		Result BotInfo `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return BotInfo{}, fmt.Errorf("decode getMe: %w", err)
	}
	if !env.OK {
		return BotInfo{}, ErrInvalidBotToken
	}
	return env.Result, nil
}

// Notifier routes admin alerts and sales-bot messages through one Sender.
type Notifier struct {
	Sender        Sender
	AdminBotToken string
	AdminChatID   string
	SalesBotToken string
}

// NotifyAdmin sends a fire-and-forget alert to the operator chat.
// Delivery failures are logged, never propagated: an unreachable
// messenger must not fail a deploy.
func (n *Notifier) NotifyAdmin(text string) {
	if n == nil || n.Sender == nil || n.AdminChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := n.Sender.SendMessage(ctx, n.AdminBotToken, n.AdminChatID, text); err != nil {
		log.Printf("[notify] admin message failed: %v", err)
	}
}

// NotifyUser sends a message to a user's sales-bot chat.
func (n *Notifier) NotifyUser(chatID, text string) {
	if n == nil || n.Sender == nil || chatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := n.Sender.SendMessage(ctx, n.SalesBotToken, chatID, text); err != nil {
		log.Printf("[notify] user message to %s failed: %v", chatID, err)
	}
}
