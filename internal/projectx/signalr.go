package projectx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// The hubs speak the SignalR JSON protocol: each frame is a JSON document
// terminated by a 0x1e record separator, exchanged after a one-shot
// protocol handshake.
const recordSeparator = 0x1e

// SignalR message types.
const (
	msgInvocation = 1
	msgPing       = 6
	msgClose      = 7
)

type hubMessage struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// dialHub opens a websocket to a hub and completes the SignalR handshake.
func dialHub(ctx context.Context, hubURL, token string) (*websocket.Conn, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("hub dial failed: %w", err)
	}

	handshake := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake write failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hub handshake read failed: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// sendInvocation writes a non-blocking hub method invocation.
func sendInvocation(conn *websocket.Conn, target string, args ...interface{}) error {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		rawArgs = append(rawArgs, b)
	}
	frame, err := json.Marshal(hubMessage{Type: msgInvocation, Target: target, Arguments: rawArgs})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, append(frame, recordSeparator))
}

// sendPong answers a server ping.
func sendPong(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, append([]byte(`{"type":6}`), recordSeparator))
}

// splitFrames separates a websocket payload into individual SignalR frames.
func splitFrames(payload []byte) [][]byte {
	var frames [][]byte
	start := 0
	for i, b := range payload {
		if b == recordSeparator {
			if i > start {
				frames = append(frames, payload[start:i])
			}
			start = i + 1
		}
	}
	if start < len(payload) {
		frames = append(frames, payload[start:])
	}
	return frames
}
