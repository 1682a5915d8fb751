package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mindsync/mindsync/internal/domain/credentials"
)

var ErrChannelClosed = errors.New("channel closed")

// Channel is one duplex connection bound to a document.
type Channel interface {
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens channels. The channel is closed when ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, documentID string) (Channel, error)
}

// TokenSource supplies the bearer token for the handshake.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (credentials.Tokens, error)
}

type WebSocketSettings struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxFrameBytes    int64
}

func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     25 * time.Second,
		MaxFrameBytes:    4 << 20,
	}
}

// WebSocketDialer connects to {server}/ws/{documentID}.
type WebSocketDialer struct {
	base     *url.URL
	tokens   TokenSource
	dialer   *websocket.Dialer
	settings WebSocketSettings
}

// NewWebSocketDialer accepts an http(s) or ws(s) server URL.
func NewWebSocketDialer(serverURL string, tokens TokenSource, settings WebSocketSettings) (*WebSocketDialer, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return &WebSocketDialer{
		base:   u,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		settings: settings,
	}, nil
}

func (d *WebSocketDialer) endpoint(documentID string) string {
	return d.base.JoinPath("ws", documentID).String()
}

func (d *WebSocketDialer) Dial(ctx context.Context, documentID string) (Channel, error) {
	conn, resp, err := d.dial(ctx, documentID)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized && d.tokens != nil {
		if _, rerr := d.tokens.Refresh(ctx); rerr != nil {
			return nil, fmt.Errorf("dial: %w", rerr)
		}
		conn, _, err = d.dial(ctx, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", documentID, err)
	}

	ch := newWSChannel(conn, d.settings)
	go func() {
		select {
		case <-ctx.Done():
			ch.Close()
		case <-ch.done:
		}
	}()
	return ch, nil
}

func (d *WebSocketDialer) dial(ctx context.Context, documentID string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if d.tokens != nil {
		token, err := d.tokens.AccessToken(ctx)
		if err != nil {
			return nil, nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := d.dialer.DialContext(ctx, d.endpoint(documentID), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

type wsChannel struct {
	conn      *websocket.Conn
	settings  WebSocketSettings
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, settings WebSocketSettings) *wsChannel {
	c := &wsChannel{conn: conn, settings: settings, done: make(chan struct{})}
	if settings.MaxFrameBytes > 0 {
		conn.SetReadLimit(settings.MaxFrameBytes)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	if settings.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

func (c *wsChannel) extendReadDeadline() {
	if c.settings.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	}
}

func (c *wsChannel) writeDeadline() time.Time {
	if c.settings.WriteTimeout > 0 {
		return time.Now().Add(c.settings.WriteTimeout)
	}
	return time.Now().Add(DefaultWebSocketSettings().WriteTimeout)
}

func (c *wsChannel) Receive(_ context.Context) ([]byte, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrChannelClosed
			default:
				return nil, err
			}
		}
		c.extendReadDeadline()
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			return message, nil
		}
	}
}

func (c *wsChannel) Send(_ context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	c.conn.SetWriteDeadline(c.writeDeadline())
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, c.writeDeadline())
			c.writeMu.Unlock()
			if err != nil {
				// a failed write leaves the connection unusable
				c.Close()
				return
			}
		}
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
