package game

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Conn is the transport handle a channel or the lobby writes to.
// Close must be safe to call more than once.
type Conn interface {
	Send(data []byte) error
	Close()
}

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// ClientConn is a websocket connection with a dedicated writer goroutine.
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	ws.SetReadLimit(readLimit)
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
	}
}

func (c *ClientConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops accepting messages. Queued messages are still written before
// the close frame.
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WriteLoop owns all writes to the socket until Close is called or a write fails.
func (c *ClientConn) WriteLoop(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
