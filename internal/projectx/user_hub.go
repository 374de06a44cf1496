package projectx

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UserHub maintains the account event websocket: order and position updates
// for every subscribed account, with automatic reconnect and resubscribe.
type UserHub struct {
	mu sync.RWMutex

	tokens    TokenSource
	hubURL    string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	accounts map[int64]bool // account id -> subscribed

	onOrder    func(OrderUpdate)
	onPosition func(PositionUpdate)

	reconnects int
}

// NewUserHub creates a user hub client.
func NewUserHub(tokens TokenSource) *UserHub {
	return &UserHub{
		tokens:   tokens,
		hubURL:   UserHubURL,
		accounts: make(map[int64]bool),
		stopChan: make(chan struct{}),
	}
}

// SetOrderCallback sets the callback for order lifecycle events.
func (h *UserHub) SetOrderCallback(cb func(OrderUpdate)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onOrder = cb
}

// SetPositionCallback sets the callback for broker position events.
func (h *UserHub) SetPositionCallback(cb func(PositionUpdate)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPosition = cb
}

// Connected reports whether the websocket is currently established.
func (h *UserHub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.wsConn != nil
}

// SubscribeAccount streams order and position events for an account.
// Subscriptions survive reconnects.
func (h *UserHub) SubscribeAccount(accountID int64) error {
	h.mu.Lock()
	h.accounts[accountID] = true
	conn := h.wsConn
	h.mu.Unlock()

	if conn == nil {
		return nil // subscribed on connect
	}
	return h.subscribeOn(conn, accountID)
}

func (h *UserHub) subscribeOn(conn *websocket.Conn, accountID int64) error {
	if err := sendInvocation(conn, "SubscribeOrders", accountID); err != nil {
		return err
	}
	return sendInvocation(conn, "SubscribePositions", accountID)
}

// Start opens the hub connection and begins streaming.
func (h *UserHub) Start() error {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.isRunning = true
	h.mu.Unlock()

	go h.connect()
	log.Printf("[USER-HUB] Started")
	return nil
}

// Stop closes the hub connection.
func (h *UserHub) Stop() {
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
	log.Printf("[USER-HUB] Stopped")
}

// connect runs the dial/resubscribe/read cycle until Stop.
func (h *UserHub) connect() {
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
			log.Printf("[USER-HUB] Token refresh failed: %v, retrying in 5s", err)
			time.Sleep(5 * time.Second)
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := dialHub(ctx, h.hubURL, token)
		cancel()
		if err != nil {
			log.Printf("[USER-HUB] Connection failed: %v, retrying in 5s", err)
			h.mu.Lock()
			h.reconnects++
			h.mu.Unlock()
			time.Sleep(5 * time.Second)
			continue
		}

		h.mu.Lock()
		h.wsConn = conn
		h.reconnects = 0
		accounts := make([]int64, 0, len(h.accounts))
		for id := range h.accounts {
			accounts = append(accounts, id)
		}
		h.mu.Unlock()

		log.Printf("[USER-HUB] Connected, resubscribing %d accounts", len(accounts))
		for _, id := range accounts {
			if err := h.subscribeOn(conn, id); err != nil {
				log.Printf("[USER-HUB] Subscribe failed for account %d: %v", id, err)
			}
		}

		h.readLoop(conn)

		h.mu.RLock()
		running := h.isRunning
		h.mu.RUnlock()
		if !running {
			return
		}
		log.Printf("[USER-HUB] Connection lost, reconnecting in 3s")
		time.Sleep(3 * time.Second)
	}
}

// readLoop reads hub frames until the connection drops.
func (h *UserHub) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[USER-HUB] Connection closed normally")
			} else {
				log.Printf("[USER-HUB] Read error: %v", err)
			}
			return
		}

		for _, frame := range splitFrames(payload) {
			h.handleFrame(conn, frame)
		}
	}
}

func (h *UserHub) handleFrame(conn *websocket.Conn, frame []byte) {
	var msg hubMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Printf("[USER-HUB] Bad frame: %v", err)
		return
	}

	switch msg.Type {
	case msgPing:
		if err := sendPong(conn); err != nil {
			log.Printf("[USER-HUB] Pong failed: %v", err)
		}
	case msgInvocation:
		h.handleInvocation(msg)
	case msgClose:
		log.Printf("[USER-HUB] Server requested close: %s", msg.Error)
		conn.Close()
	}
}

func (h *UserHub) handleInvocation(msg hubMessage) {
	if len(msg.Arguments) == 0 {
		return
	}
	// Payloads arrive as the last argument; earlier arguments carry ids.
	payload := msg.Arguments[len(msg.Arguments)-1]

	switch msg.Target {
	case "GatewayUserOrder":
		var update OrderUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			log.Printf("[USER-HUB] Bad order payload: %v", err)
			return
		}
		h.mu.RLock()
		cb := h.onOrder
		h.mu.RUnlock()
		if cb != nil {
			cb(update)
		}
	case "GatewayUserPosition":
		var update PositionUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			log.Printf("[USER-HUB] Bad position payload: %v", err)
			return
		}
		h.mu.RLock()
		cb := h.onPosition
		h.mu.RUnlock()
		if cb != nil {
			cb(update)
		}
	}
}
