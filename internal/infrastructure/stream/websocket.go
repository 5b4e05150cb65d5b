package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxInboundSize = 512
)

// Envelope is the websocket form of a frame. Event is "message" for the
// default frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketSink carries the same frames as SSE, one JSON envelope per text
// message. Keep-alives are ping control frames.
type WebSocketSink struct {
	conn  *websocket.Conn
	mutex sync.Mutex
}

func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

func (w *WebSocketSink) WriteEvent(event string, data []byte) error {
	if event == EventMessage {
		event = "message"
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(Envelope{Event: event, Data: data})
}

func (w *WebSocketSink) WriteComment(comment string) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.conn.WriteControl(websocket.PingMessage, []byte(comment), time.Now().Add(wsWriteWait))
}

// ReadLoop drains inbound frames until the peer goes away or stops answering
// pings, then calls cancel. Inbound data messages are ignored; clients act
// through the HTTP endpoints.
func (w *WebSocketSink) ReadLoop(cancel context.CancelFunc, keepAlive time.Duration) {
	defer cancel()

	deadline := 3 * keepAlive
	w.conn.SetReadLimit(wsMaxInboundSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(deadline))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *WebSocketSink) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait),
	)
	return w.conn.Close()
}
