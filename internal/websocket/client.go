// Package websocket subscribes to the diagnostics stream a running
// frametimingd serves on /ws and hands every message to a callback.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/frametiming/internal/logging"
)

var log = logging.L("websocket")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	maxMessageSize   = 1 << 20
	handshakeTimeout = 10 * time.Second

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3

	defaultPath = "/ws"
)

// Config describes one subscription.
type Config struct {
	// Addr is host:port or an http, https, ws or wss URL.
	Addr string
	// Path overrides /ws.
	Path string
	// Reconnect keeps dialing with exponential backoff after the stream drops.
	// Without it Run returns the first dial or read error.
	Reconnect bool
}

// Event is one diagnostics message. Data is left encoded; its shape depends
// on Type.
type Event struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// Handler receives events on the read goroutine.
type Handler func(Event)

// Client is a read-only subscriber.
type Client struct {
	cfg     Config
	handler Handler

	done     chan struct{}
	stopOnce sync.Once
	connMu   sync.Mutex
	conn     *websocket.Conn
}

func New(cfg Config, handler Handler) *Client {
	return &Client{cfg: cfg, handler: handler, done: make(chan struct{})}
}

// URL returns the websocket URL the client dials.
func (c *Client) URL() (string, error) {
	raw := c.cfg.Addr
	if raw == "" {
		return "", errors.New("no diagnostics address")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = c.cfg.Path
	if u.Path == "" {
		u.Path = defaultPath
	}
	return u.String(), nil
}

// Run dials and reads until ctx is done or Stop is called, which both return
// nil.
func (c *Client) Run(ctx context.Context) error {
	target, err := c.URL()
	if err != nil {
		return err
	}
	backoff := initialBackoff

	for {
		if c.stopped(ctx) {
			return nil
		}
		conn, err := c.dial(ctx, target)
		if err == nil {
			backoff = initialBackoff
			err = c.serve(ctx, conn)
		}
		if c.stopped(ctx) {
			return nil
		}
		if !c.cfg.Reconnect {
			return err
		}

		sleep := jitter(backoff)
		log.Warn("diagnostics stream lost, retrying", "url", target, "delay", sleep, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-time.After(sleep):
		}
		backoff = min(time.Duration(float64(backoff)*backoffFactor), maxBackoff)
	}
}

// Stop closes the connection and makes Run return. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
		}
		c.connMu.Unlock()
	})
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Client) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	// Stop may have run between the dial and storing conn.
	if c.stopped(ctx) {
		c.release(conn)
		return nil, context.Canceled
	}

	log.Info("subscribed to diagnostics", "url", target)
	return conn, nil
}

// serve reads conn until it fails. Closing the connection unblocks
// ReadMessage when ctx ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	finished := make(chan struct{})
	defer close(finished)
	defer c.release(conn)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-finished:
		}
	}()
	return c.read(conn)
}

func (c *Client) release(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
}

func (c *Client) read(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed the stream: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Warn("malformed diagnostics message", "error", err)
			continue
		}
		c.handler(ev)
	}
}

// jitter spreads d by up to ±30%.
func jitter(d time.Duration) time.Duration {
	out := time.Duration(float64(d) * (1 + jitterFactor*(2*rand.Float64()-1)))
	if out <= 0 {
		return d
	}
	return out
}
