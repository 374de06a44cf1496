// Package notification pushes trade and risk events to Telegram and Discord.
// Delivery is best effort and never blocks the trading path.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"topstepx-trading-bot/internal/events"
	"topstepx-trading-bot/internal/logging"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeClose NotificationType = "trade_close"
	NotifyCapacity   NotificationType = "capacity"
	NotifyReconcile  NotificationType = "reconcile"
	NotifyLifecycle  NotificationType = "lifecycle"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to all enabled providers.
type Manager struct {
	notifiers []Notifier
	log       *logging.Logger
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		log:       logging.WithComponent("notification"),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				m.log.Warn("notification delivery failed", "provider", n.Name(), "error", err)
				lastErr = err
			}
		}
	}
	return lastErr
}

// SubscribeTo wires the manager into the event bus. The bus dispatches
// subscribers on their own goroutines, so slow webhook calls cannot stall
// order handling.
func (m *Manager) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(events.TypeTradeClosed, func(e events.Event) {
		ev := e.(events.TradeClosed)
		m.Send(tradeClosed(ev))
	})
	bus.Subscribe(events.TypeCapacityExceeded, func(e events.Event) {
		ev := e.(events.CapacityExceeded)
		m.Send(&Notification{
			Type:  NotifyCapacity,
			Title: fmt.Sprintf("Capacity exceeded: %s", ev.Symbol),
			Message: fmt.Sprintf("Account %s rejected %s entry\nExposure: %.0f of %.0f units",
				ev.AccountID, ev.Symbol, ev.CurrentExposure, ev.Ceiling),
			Symbol:    ev.Symbol,
			Timestamp: ev.At,
		})
	})
	bus.Subscribe(events.TypeReconcileMismatch, func(e events.Event) {
		ev := e.(events.ReconcileMismatch)
		m.Send(&Notification{
			Type:  NotifyReconcile,
			Title: "Untracked broker position",
			Message: fmt.Sprintf("Account %s holds %s (size %.0f) that the bot does not track",
				ev.AccountID, ev.ContractID, ev.BrokerSize),
			Timestamp: ev.At,
		})
	})
	bus.Subscribe(events.TypeBotStarted, func(e events.Event) {
		m.Send(&Notification{Type: NotifyLifecycle, Title: "Bot started", Timestamp: time.Now()})
	})
	bus.Subscribe(events.TypeBotStopped, func(e events.Event) {
		m.Send(&Notification{Type: NotifyLifecycle, Title: "Bot stopped", Timestamp: time.Now()})
	})
}

func tradeClosed(ev events.TradeClosed) *Notification {
	emoji := "✅"
	if ev.NetPnl < 0 {
		emoji = "❌"
	}
	msg := fmt.Sprintf("%s %s\nEntry: %.2f → Exit: %.2f\nNet P&L: %+.2f\nReason: %s",
		ev.Side, ev.Symbol, ev.EntryPrice, ev.ExitPrice, ev.NetPnl, ev.ExitReason)
	if ev.RetryCount > 0 {
		msg += fmt.Sprintf("\nRetries: %d", ev.RetryCount)
	}
	return &Notification{
		Type:      NotifyTradeClose,
		Title:     fmt.Sprintf("%s Trade Closed: %s (%s)", emoji, ev.Symbol, ev.AccountID),
		Message:   msg,
		Symbol:    ev.Symbol,
		Price:     ev.ExitPrice,
		PnL:       ev.NetPnl,
		Timestamp: ev.At,
	}
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	if notification.Type == NotifyReconcile {
		color = 0xFFAA00 // Amber
	} else if notification.PnL < 0 || notification.Type == NotifyCapacity {
		color = 0xFF0000 // Red
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price > 0 {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": fmt.Sprintf("%.2f", notification.Price), "inline": true,
			})
		}
		if notification.PnL != 0 {
			fields = append(fields, map[string]interface{}{
				"name": "P&L", "value": fmt.Sprintf("%+.2f", notification.PnL), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
