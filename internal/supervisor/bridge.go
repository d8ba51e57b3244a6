package supervisor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Bridge message types.
const (
	MessageData   = "data"
	MessageReady  = "ready"
	MessageClosed = "closed"
	MessageInput  = "input"
	MessageResize = "resize"
)

const (
	bridgeSendBuffer   = 256
	bridgeWriteTimeout = 10 * time.Second
	bridgePongTimeout  = 60 * time.Second
	bridgePingInterval = 30 * time.Second
	bridgeReadLimit    = 512 * 1024
)

// Message is the JSON frame exchanged over the terminal websocket.
type Message struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     bool   `json:"error,omitempty"`
	TimedOut  bool   `json:"timedOut,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// Bridge exposes a Supervisor over websockets: output, readiness and exit
// events go out, input and resize requests come in. New connections first
// receive the scrollback.
type Bridge struct {
	sup      *Supervisor
	upgrader websocket.Upgrader
}

// NewBridge returns an http.Handler serving the terminal websocket. Only
// same-host origins are accepted.
func NewBridge(sup *Supervisor) *Bridge {
	return &Bridge{
		sup: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

type bridgeClient struct {
	conn     *websocket.Conn
	send     chan Message
	done     chan struct{}
	doneOnce sync.Once
}

func (c *bridgeClient) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// enqueue drops the message when the client has fallen behind.
func (c *bridgeClient) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		log.Debugf("supervisor: websocket client slow, dropped %s message", msg.Type)
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("supervisor: websocket upgrade failed: %v", err)
		return
	}
	client := &bridgeClient{
		conn: conn,
		send: make(chan Message, bridgeSendBuffer),
		done: make(chan struct{}),
	}

	unsubData := b.sup.Attach(func(chunk string) {
		client.enqueue(Message{Type: MessageData, Data: chunk})
	})
	unsubReady := b.sup.OnReady(func(ev ReadyEvent) {
		client.enqueue(Message{Type: MessageReady, SessionID: ev.SessionID, TimedOut: ev.TimedOut})
	})
	unsubClosed := b.sup.OnClosed(func(ev ClosedEvent) {
		client.enqueue(Message{Type: MessageClosed, SessionID: ev.SessionID, Error: ev.Error})
	})
	defer func() {
		unsubData()
		unsubReady()
		unsubClosed()
	}()

	if id := b.sup.SessionID(); id != "" {
		client.enqueue(Message{Type: MessageReady, SessionID: id, TimedOut: b.sup.State() == StateTimedOut})
	}

	go b.writePump(client)
	b.readPump(client)
}

func (b *Bridge) writePump(c *bridgeClient) {
	ticker := time.NewTicker(bridgePingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debugf("supervisor: websocket write: %v", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (b *Bridge) readPump(c *bridgeClient) {
	defer c.close()

	c.conn.SetReadLimit(bridgeReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(bridgePongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(bridgePongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("supervisor: websocket read: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(bridgePongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debugf("supervisor: ignoring malformed websocket message: %v", err)
			continue
		}
		switch msg.Type {
		case MessageInput:
			if err := b.sup.Write(msg.Data); err != nil {
				log.Debugf("supervisor: websocket input: %v", err)
			}
		case MessageResize:
			if err := b.sup.Resize(msg.Cols, msg.Rows); err != nil {
				log.Debugf("supervisor: websocket resize: %v", err)
			}
		default:
			log.Debugf("supervisor: ignoring websocket message type %q", msg.Type)
		}
	}
}
