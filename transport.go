package mqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// transportSession owns one physical connection attempt: the socket, the
// read and write loops, and the outgoing packet queue. A new session is
// created for every (re)connect; packets from stale sessions are discarded
// by the I/O loop.
type transportSession struct {
	c    *Connection
	conn net.Conn

	outgoing chan packets.Packet
	stop     chan struct{}
	stopOnce sync.Once

	// shutdownErr is written once, inside stopOnce, before stop is closed.
	shutdownErr error

	wg sync.WaitGroup
}

func newTransportSession(c *Connection, conn net.Conn) *transportSession {
	return &transportSession{
		c:        c,
		conn:     conn,
		outgoing: make(chan packets.Packet, 1000),
		stop:     make(chan struct{}),
	}
}

// start launches the read and write loops plus a watcher that reports the
// session's death to the I/O loop exactly once.
func (s *transportSession) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	go func() {
		<-s.stop
		s.wg.Wait()
		s.c.post(func() { s.c.onTransportDown(s) })
	}()
}

// shutdown tears the session down. The first caller's error wins and is
// reported to the I/O loop; nil marks a user-requested shutdown.
func (s *transportSession) shutdown(err error) {
	s.stopOnce.Do(func() {
		s.shutdownErr = err
		close(s.stop)
		s.conn.Close()
	})
}

// send enqueues a packet for transmission. It never blocks: the channel
// absorbs the packet or the call fails synchronously.
func (s *transportSession) send(pkt packets.Packet) error {
	select {
	case s.outgoing <- pkt:
		return nil
	case <-s.stop:
		return ErrNotConnected
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// readLoop continuously reads packets from the network and posts them to
// the I/O loop.
func (s *transportSession) readLoop() {
	defer s.wg.Done()

	// Buffered reader to reduce syscalls
	cr := &countingReader{Reader: s.conn, c: s.c}
	br := bufio.NewReader(cr)

	for {
		pkt, err := packets.ReadPacket(br, 0)
		if err != nil {
			select {
			case <-s.stop:
			default:
				s.c.opts.Logger.Debug("read error, shutting down transport", "error", err)
			}
			s.shutdown(fmt.Errorf("%w: %v", ErrUnexpectedHangup, err))
			return
		}
		s.c.stats.packetsReceived.Add(1)

		s.c.opts.Logger.Debug("received packet", "type", packets.PacketNames[pkt.Type()])

		s.c.post(func() { s.c.handleIncoming(s, pkt) })
	}
}

// writeLoop drains the outgoing queue onto the socket, batching writes into
// a buffered writer and flushing once per batch. Dequeuing a DISCONNECT
// flushes it and shuts the session down cleanly.
func (s *transportSession) writeLoop() {
	defer s.wg.Done()

	cw := &countingWriter{Writer: s.conn, c: s.c}
	bw := bufio.NewWriter(cw)

	for {
		select {
		case pkt := <-s.outgoing:
			if !s.writePacket(bw, pkt) {
				return
			}

			// Batching: drain whatever is already queued to fill the buffer
			count := len(s.outgoing)
			for i := 0; i < count; i++ {
				if !s.writePacket(bw, <-s.outgoing) {
					return
				}
			}

			if err := bw.Flush(); err != nil {
				s.shutdown(fmt.Errorf("%w: %v", ErrUnexpectedHangup, err))
				return
			}

		case <-s.stop:
			return
		}
	}
}

func (s *transportSession) writePacket(bw *bufio.Writer, pkt packets.Packet) bool {
	s.c.opts.Logger.Debug("sending packet", "type", packets.PacketNames[pkt.Type()])
	if _, err := pkt.WriteTo(bw); err != nil {
		s.shutdown(fmt.Errorf("%w: %v", ErrUnexpectedHangup, err))
		return false
	}
	s.c.stats.packetsSent.Add(1)

	// A queued DISCONNECT marks the end of the session: flush it and shut
	// down cleanly.
	if pkt.Type() == packets.DISCONNECT {
		if err := bw.Flush(); err != nil {
			s.shutdown(fmt.Errorf("%w: %v", ErrUnexpectedHangup, err))
			return false
		}
		s.shutdown(nil)
		return false
	}
	return true
}

// dial establishes the transport: a custom dialer if configured, otherwise
// WebSocket or TCP/TLS per the server URL, with optional HTTP CONNECT
// tunneling through a proxy.
func (c *Connection) dial(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	dialer := c.opts.Dialer
	ws := c.opts.websocket
	proxy := c.opts.proxy
	tlsConfig := c.copts.TLSConfig
	c.mu.Unlock()

	if dialer != nil {
		network := "tcp"
		if u, err := url.Parse(c.opts.Server); err == nil && u.Scheme != "" {
			network = u.Scheme
		}

		conn, err := dialer.DialContext(ctx, network, c.opts.Server)
		if err != nil {
			return nil, fmt.Errorf("custom dialer failed: %w", err)
		}
		return conn, nil
	}

	if ws != nil {
		return c.dialWebsocket(ctx, ws, proxy, tlsConfig)
	}

	u, err := url.Parse(c.opts.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	if u.Port() == "" {
		switch u.Scheme {
		case "tls", "ssl", "mqtts":
			u.Host = net.JoinHostPort(u.Host, "8883")
		case "tcp", "mqtt", "":
			u.Host = net.JoinHostPort(u.Host, "1883")
		}
	}

	useTLS := u.Scheme == "tls" || u.Scheme == "ssl" || u.Scheme == "mqtts" || tlsConfig != nil
	if !useTLS && u.Scheme != "tcp" && u.Scheme != "mqtt" {
		return nil, fmt.Errorf("unsupported scheme: %s (supported: tcp, mqtt, tls, ssl, mqtts)", u.Scheme)
	}

	var conn net.Conn
	if proxy != nil {
		conn, err = dialProxyTunnel(ctx, proxy, u.Host)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", u.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	if useTLS {
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	return conn, nil
}

// dialProxyTunnel opens an HTTP CONNECT tunnel to target through the proxy.
func dialProxyTunnel(ctx context.Context, proxy *ProxyOptions, target string) (net.Conn, error) {
	proxyHost := proxy.URL.Host
	if proxy.URL.Port() == "" {
		proxyHost = net.JoinHostPort(proxy.URL.Host, "8080")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if user := proxy.URL.User; user != nil {
		password, _ := user.Password()
		req.SetBasicAuth(user.Username(), password)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
		req.Header.Del("Authorization")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT: %s", resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn carries bytes the proxy handshake over-read.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

type countingReader struct {
	io.Reader
	c *Connection
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n > 0 {
		r.c.stats.bytesReceived.Add(uint64(n))
	}
	return n, err
}

type countingWriter struct {
	io.Writer
	c *Connection
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	if n > 0 {
		w.c.stats.bytesSent.Add(uint64(n))
	}
	return n, err
}
