package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/events"
)

const wsWriteWait = 10 * time.Second

// WSEncoder writes the same JSON frames as the SSE stream, one text
// message per frame.
type WSEncoder struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSEncoder(conn *websocket.Conn) *WSEncoder {
	return &WSEncoder{conn: conn}
}

func (e *WSEncoder) Encode(event events.Event) error {
	frame, err := FrameFor(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := e.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a normal closure and releases the connection.
func (e *WSEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	return e.conn.Close()
}
