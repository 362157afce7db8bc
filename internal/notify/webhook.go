// Package notify delivers block-found alerts to Discord and Telegram.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zkpool/coordinator/internal/util"
)

// WebhookConfig holds webhook configuration.
type WebhookConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	PoolName     string `mapstructure:"pool_name"`
	PoolURL      string `mapstructure:"pool_url"`
}

const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier implements coordinator.Notifier by fanning a block-found event
// out to every configured webhook.
type Notifier struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewNotifier creates a new notifier.
func NewNotifier(cfg *WebhookConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyBlockFound implements coordinator.Notifier. It is called from the
// dispatcher goroutine after a block clears full network difficulty, so it
// must not block; the actual webhook deliveries run on their own goroutines.
func (n *Notifier) NotifyBlockFound(height uint64, finder string) {
	if !n.cfg.Enabled {
		return
	}

	if n.cfg.DiscordURL != "" {
		go n.sendDiscordNotification(height, finder)
	}

	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegramNotification(height, finder)
	}
}

// DiscordEmbed represents a Discord embed object.
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed.
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed.
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscordNotification(height uint64, finder string) {
	embed := DiscordEmbed{
		Title:       "Block Found!",
		Description: fmt.Sprintf("**%s** found a new block!", n.cfg.PoolName),
		Color:       0x00FF00,
		Fields: []DiscordField{
			{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
			{Name: "Finder", Value: truncateAddress(finder), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Footer:    &DiscordFooter{Text: n.cfg.PoolName},
	}

	if n.cfg.PoolURL != "" {
		embed.URL = n.cfg.PoolURL
	}

	n.sendDiscordMessage(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

func (n *Notifier) sendDiscordMessage(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal discord message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(n.cfg.DiscordURL, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send discord notification after %d retries: %v", maxRetries, lastErr)
	}
}

// TelegramMessage represents a Telegram bot message.
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegramNotification(height uint64, finder string) {
	text := fmt.Sprintf(
		"*Block Found!*\n\nHeight: `%d`\nFinder: `%s`",
		height, truncateAddress(finder),
	)
	n.sendTelegramMessage(text)
}

func (n *Notifier) sendTelegramMessage(text string) {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)

	msg := TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("failed to marshal telegram message: %v", err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("failed to send telegram notification after %d retries: %v", maxRetries, lastErr)
	}
}

// truncateAddress returns a shortened address for display.
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}
