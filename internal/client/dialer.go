package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
)

// Conn is one open transport.
type Conn interface {
	// ReadMessage blocks until the next message arrives or the
	// connection fails.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one message. It is safe for concurrent use.
	WriteMessage(data []byte) error

	// Close closes the connection. reason is sent to the peer when the
	// transport supports it.
	Close(reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

// WebSocketDialer dials the server's WebSocket endpoint, passing the
// bearer token as the token query parameter.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial implements Dialer. A refused handshake is returned as the
// server's error code, so an expired credential surfaces as
// SESSION_EXPIRED.
func (d WebSocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, apperrors.ValidationError("invalid server url: " + err.Error())
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, handshakeError(resp, err)
		}
		return nil, apperrors.TransportError("dial "+u.Host, err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

func handshakeError(resp *http.Response, err error) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er apperrors.ErrorResponse
	if jsonErr := json.Unmarshal(body, &er); jsonErr == nil && er.Code != "" {
		msg := er.Message
		if msg == "" {
			msg = er.Error
		}
		return &apperrors.AppError{Code: er.Code, Message: msg, Err: err}
	}
	return apperrors.TransportError(fmt.Sprintf("handshake refused: HTTP %d", resp.StatusCode), err)
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, apperrors.TransportError("read", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return apperrors.TransportError("write", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.TransportError("write", err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
