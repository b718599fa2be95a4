// Package wssignal implements the transport.Signaling capability interface
// against spec's `/ws/{code}/{role}` WebSocket surface using
// github.com/gorilla/websocket.
package wssignal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/dropwire-dev/dropwire/internal/transport"
)

// wireMessage is the JSON envelope exchanged over the signaling socket.
type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is a thin WebSocket client implementing transport.Signaling. The
// signaling server itself is out of scope; this is only the peer-side
// adapter.
type Client struct {
	url    string
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	onMsg   func(msg transport.SignalMessage)
	readErr chan error
	lost    atomic.Bool
}

// Dial opens a WebSocket connection to url (e.g. "wss://host/ws/ABC123/sender").
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{url: url, dialer: websocket.DefaultDialer}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("wssignal: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.lost.Store(false)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.lost.Store(true)
			return
		}
		var wm wireMessage
		if err := json.Unmarshal(raw, &wm); err != nil {
			continue
		}
		c.mu.Lock()
		handler := c.onMsg
		c.mu.Unlock()
		if handler != nil {
			handler(transport.SignalMessage{Type: wm.Type, Data: wm.Data})
		}
	}
}

// Send implements transport.Signaling.
func (c *Client) Send(ctx context.Context, msg transport.SignalMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("wssignal: not connected")
	}
	wm := wireMessage{Type: msg.Type, Data: msg.Data}
	encoded, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("wssignal: encoding message: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		return fmt.Errorf("wssignal: write: %w", err)
	}
	return nil
}

// OnMessage implements transport.Signaling.
func (c *Client) OnMessage(fn func(msg transport.SignalMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMsg = fn
}

// Reconnect implements transport.Signaling, re-dialing within ctx's deadline.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

// Lost reports whether the read loop has observed the connection drop since
// the last successful connect or Reconnect, for callers (e.g. the daemon
// supervisor's reconnect sweep) that need to decide whether a reconnect is
// due.
func (c *Client) Lost() bool {
	return c.lost.Load()
}

// Close implements transport.Signaling.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
