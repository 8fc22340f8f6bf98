package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialWebsocket establishes the MQTT-over-WebSocket transport: an HTTP
// Upgrade on the configured path with the "mqtt" sub-protocol, optionally
// transformed and validated by the caller's handshake hooks, optionally
// through an HTTP proxy.
func (c *Connection) dialWebsocket(ctx context.Context, ws *WebsocketOptions, proxy *ProxyOptions, tlsConfig *tls.Config) (net.Conn, error) {
	u, err := url.Parse(c.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "tcp", "mqtt", "":
		u.Scheme = "ws"
	case "tls", "ssl", "mqtts":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme for WebSocket transport: %s", u.Scheme)
	}

	if tlsConfig != nil && u.Scheme == "ws" {
		u.Scheme = "wss"
	}

	path := ws.Path
	if path == "" {
		path = "/mqtt"
	}
	u.Path = path

	dialer := &websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: defaultDialTimeout,
	}
	if proxy != nil {
		dialer.Proxy = http.ProxyURL(proxy.URL)
	}

	header := make(http.Header)
	if ws.Transformer != nil {
		// Build the request the way the dialer will, hand it to the
		// transformer, and carry the mutated headers back.
		req := &http.Request{
			Method: http.MethodGet,
			URL:    u,
			Host:   u.Host,
			Header: header,
		}
		if err := ws.Transformer(ctx, req); err != nil {
			return nil, fmt.Errorf("websocket handshake transform failed: %w", err)
		}
		header = req.Header
		u = req.URL
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if ws.Validator != nil {
		if err := ws.Validator(resp); err != nil {
			conn.Close()
			return nil, fmt.Errorf("websocket handshake rejected: %w", err)
		}
	}

	return &wsConn{ws: conn}, nil
}

// wsConn adapts a WebSocket message stream to the net.Conn byte stream the
// transport layer consumes. Each Write becomes one binary message; Read
// spans message boundaries.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}

		n, err := w.reader.Read(p)
		if n > 0 {
			return n, nil
		}
		// Current message exhausted, advance to the next one
		w.reader = nil
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.ws.Close()
}

func (w *wsConn) LocalAddr() net.Addr {
	return w.ws.LocalAddr()
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.ws.RemoteAddr()
}

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return w.ws.SetWriteDeadline(t)
}

func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.ws.SetReadDeadline(t)
}

func (w *wsConn) SetWriteDeadline(t time.Time) error {
	return w.ws.SetWriteDeadline(t)
}
