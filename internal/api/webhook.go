package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"topstepx-trading-bot/internal/alerts"

	"github.com/gin-gonic/gin"
)

// alertPublisher is the sink webhook alerts are pushed into.
// *alerts.ChannelFeed implements it.
type alertPublisher interface {
	Publish(alert alerts.Alert)
}

// webhookPayload is the JSON body TradingView posts.
type webhookPayload struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Name     string  `json:"name"`
	Strategy string  `json:"strategy"`
	Secret   string  `json:"secret"`
}

var alertSeq atomic.Int64

// handleWebhookAlert parses a TradingView alert and publishes it to the feed.
// Malformed payloads are rejected with 400 so misconfigured alerts surface in
// TradingView's delivery log instead of being silently dropped.
func (s *Server) handleWebhookAlert(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	if s.config.WebhookSecret != "" && payload.Secret != s.config.WebhookSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	if payload.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing symbol"})
		return
	}
	action, ok := alerts.ParseAction(payload.Action)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + payload.Action})
		return
	}

	alert := alerts.Alert{
		ID:        alertSeq.Add(1),
		Timestamp: time.Now().UTC(),
		Symbol:    payload.Symbol,
		Action:    action,
		Quantity:  payload.Quantity,
		Price:     payload.Price,
		Name:      payload.Name,
		Strategy:  payload.Strategy,
		Raw:       string(body),
	}
	s.alerts.Publish(alert)

	c.JSON(http.StatusOK, gin.H{"accepted": true, "alert_id": alert.ID})
}
