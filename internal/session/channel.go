package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jwalitptl/consult-api/internal/model"
)

var _ Signaling = (*WSChannel)(nil)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 5 * time.Second
)

// WSChannel is the websocket client side of the consultation room channel.
type WSChannel struct {
	url   string
	token string

	mu     sync.Mutex
	conn   *websocket.Conn
	events chan *model.SignalMessage

	closeOnce sync.Once
}

// NewWSChannel prepares a channel client for the given room endpoint. The
// token is presented as a bearer credential during the handshake.
func NewWSChannel(url, token string) *WSChannel {
	return &WSChannel{
		url:    url,
		token:  token,
		events: make(chan *model.SignalMessage, 16),
	}
}

func (c *WSChannel) Open(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		msg := new(model.SignalMessage)
		if err := conn.ReadJSON(msg); err != nil {
			return
		}
		c.events <- msg
	}
}

func (c *WSChannel) Send(msg *model.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("channel not open")
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *WSChannel) Events() <-chan *model.SignalMessage {
	return c.events
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		deadline := time.Now().Add(wsWriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	})
	return err
}
