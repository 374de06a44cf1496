package projectx

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TokenSource supplies a fresh session token for hub connections.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// MarketHub maintains the market data websocket: quote and trade streams for
// the subscribed contracts, with automatic reconnect and resubscribe.
type MarketHub struct {
	mu sync.RWMutex

	tokens    TokenSource
	hubURL    string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	subscribed map[string]bool // contract id -> subscribed

	onQuote func(Quote)

	reconnects int
}

// NewMarketHub creates a market hub client.
func NewMarketHub(tokens TokenSource) *MarketHub {
	return &MarketHub{
		tokens:     tokens,
		hubURL:     MarketHubURL,
		subscribed: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}
}

// SetQuoteCallback sets the callback invoked for every quote update.
func (h *MarketHub) SetQuoteCallback(cb func(Quote)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onQuote = cb
}

// Start opens the hub connection and begins streaming.
func (h *MarketHub) Start() error {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.isRunning = true
	h.mu.Unlock()

	go h.connect()
	log.Printf("[MARKET-HUB] Started")
	return nil
}

// Stop closes the hub connection.
func (h *MarketHub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isRunning {
		return
	}
	h.isRunning = false
	close(h.stopChan)

	if h.wsConn != nil {
		h.wsConn.Close()
	}
	log.Printf("[MARKET-HUB] Stopped")
}

// Connected reports whether the websocket is currently established.
func (h *MarketHub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.wsConn != nil
}

// SubscribeContract starts quote streaming for a contract. Subscriptions
// survive reconnects.
func (h *MarketHub) SubscribeContract(contractID string) error {
	h.mu.Lock()
	h.subscribed[contractID] = true
	conn := h.wsConn
	h.mu.Unlock()

	if conn == nil {
		return nil // subscribed on connect
	}
	return sendInvocation(conn, "SubscribeContractQuotes", contractID)
}

// UnsubscribeContract stops quote streaming for a contract.
func (h *MarketHub) UnsubscribeContract(contractID string) error {
	h.mu.Lock()
	delete(h.subscribed, contractID)
	conn := h.wsConn
	h.mu.Unlock()

	if conn == nil {
		return nil
	}
	return sendInvocation(conn, "UnsubscribeContractQuotes", contractID)
}

// connect runs the dial/resubscribe/read cycle until Stop.
func (h *MarketHub) connect() {
	for {
		h.mu.RLock()
		if !h.isRunning {
			h.mu.RUnlock()
			return
		}
		h.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		token, err := h.tokens.Token(ctx)
		cancel()
		if err != nil {
			log.Printf("[MARKET-HUB] Token refresh failed: %v, retrying in 5s", err)
			time.Sleep(5 * time.Second)
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := dialHub(ctx, h.hubURL, token)
		cancel()
		if err != nil {
			log.Printf("[MARKET-HUB] Connection failed: %v, retrying in 5s", err)
			h.mu.Lock()
			h.reconnects++
			h.mu.Unlock()
			time.Sleep(5 * time.Second)
			continue
		}

		h.mu.Lock()
		h.wsConn = conn
		h.reconnects = 0
		contracts := make([]string, 0, len(h.subscribed))
		for id := range h.subscribed {
			contracts = append(contracts, id)
		}
		h.mu.Unlock()

		log.Printf("[MARKET-HUB] Connected, resubscribing %d contracts", len(contracts))
		for _, id := range contracts {
			if err := sendInvocation(conn, "SubscribeContractQuotes", id); err != nil {
				log.Printf("[MARKET-HUB] Subscribe failed for %s: %v", id, err)
			}
		}

		h.readLoop(conn)

		h.mu.RLock()
		running := h.isRunning
		h.mu.RUnlock()
		if !running {
			return
		}
		log.Printf("[MARKET-HUB] Connection lost, reconnecting in 3s")
		time.Sleep(3 * time.Second)
	}
}

// readLoop reads hub frames until the connection drops.
func (h *MarketHub) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[MARKET-HUB] Connection closed normally")
			} else {
				log.Printf("[MARKET-HUB] Read error: %v", err)
			}
			return
		}

		for _, frame := range splitFrames(payload) {
			h.handleFrame(conn, frame)
		}
	}
}

func (h *MarketHub) handleFrame(conn *websocket.Conn, frame []byte) {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Printf("[MARKET-HUB] Bad frame: %v", err)
		return
	}

	switch msg.Type {
	case msgPing:
		if err := sendPong(conn); err != nil {
			log.Printf("[MARKET-HUB] Pong failed: %v", err)
		}
	case msgInvocation:
		if msg.Target != "GatewayQuote" || len(msg.Arguments) < 2 {
			return
		}
		var contractID string
		if err := json.Unmarshal(msg.Arguments[0], &contractID); err != nil {
			return
		}
		var quote Quote
		if err := json.Unmarshal(msg.Arguments[1], &quote); err != nil {
			log.Printf("[MARKET-HUB] Bad quote payload: %v", err)
			return
		}
		quote.ContractID = contractID

		h.mu.RLock()
		cb := h.onQuote
		h.mu.RUnlock()
		if cb != nil {
			cb(quote)
		}
	case msgClose:
		log.Printf("[MARKET-HUB] Server requested close: %s", msg.Error)
		conn.Close()
	}
}
