// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package transport is the message channel a shard talks over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/codec"
	"github.com/gorilla/websocket"
)

// Conn is one established connection. ReadMessage is called from a single
// reader goroutine and WriteMessage from a single writer; Close may be called
// from anywhere and unblocks both.
type Conn interface {
	ReadMessage() (codec.MessageKind, []byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// CloseError carries the code of a received close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed with code %d", e.Code)
	}
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// CloseCode extracts a close code from err. Errors without one report false.
func CloseCode(err error) (int, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// GatewayURL appends the protocol query parameters to base.
func GatewayURL(base string, version int, compression codec.Compression) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("gateway url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(version))
	q.Set("encoding", "json")
	if compression == codec.CompressionZlibStream {
		q.Set("compress", string(compression))
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Header       http.Header
	ReadLimit    int64
	WriteTimeout time.Duration

	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer with production timeouts. readLimit caps
// a single inbound message; zero means codec.DefaultMaxMessageSize.
func NewWebsocketDialer(readLimit int64) *WebsocketDialer {
	if readLimit <= 0 {
		readLimit = codec.DefaultMaxMessageSize
	}
	return &WebsocketDialer{
		ReadLimit:    readLimit,
		WriteTimeout: defaultWriteTimeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  4 << 10,
		},
	}
}

// Dial connects to rawURL.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, rawURL, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redactQuery(rawURL), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redactQuery(rawURL), err)
	}
	ws.SetReadLimit(d.ReadLimit)
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

func redactQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() (codec.MessageKind, []byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return 0, nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return 0, nil, err
		}
		switch mt {
		case websocket.TextMessage:
			return codec.TextMessage, data, nil
		case websocket.BinaryMessage:
			return codec.BinaryMessage, data, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and tears down the socket. Only the
// first call has an effect.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
