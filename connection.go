package mqtt

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// Connection is one MQTT 3.1.1 client connection.
//
// All user-facing entry points are safe to call from any goroutine. The
// protocol itself runs on a single I/O goroutine owned by the connection:
// transport callbacks, timers, inbound frame dispatch, and every completion
// callback execute there.
type Connection struct {
	opts *connectionOptions

	// Synced data, guarded by mu: state, the request table's pending list
	// and outstanding map, the connect options, and the gated callback
	// pointers in opts. The mutex is held for short critical sections only;
	// callbacks are never invoked under it.
	mu     sync.Mutex
	state  ConnectionState
	copts  ConnectOptions
	table  *requestTable
	closed bool

	connectToken    *ConnectToken
	disconnectToken *token

	// I/O goroutine plumbing
	tasks    chan func()
	flushCh  chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	// Thread data, touched only on the I/O goroutine
	sess             *transportSession
	subscriptions    *topicTree
	waitingPingresp  bool
	reconnectAttempt bool
	connectionCount  int

	connackTimer   *timerTask
	pingrespTimer  *timerTask
	keepAliveTimer *timerTask
	reconnectTimer *timerTask
	resetTimer     *timerTask

	bo           *backoff.ExponentialBackOff
	currentDelay time.Duration

	stats connectionStats
}

// New creates a connection to the given server address. The connection
// starts DISCONNECTED; call Connect to open it and Close to destroy it.
//
// Supported schemes: tcp:// or mqtt:// (default port 1883), tls://, ssl://,
// or mqtts:// (default port 8883), and ws:// or wss:// once UseWebsockets
// has been called.
//
// Example:
//
//	conn := mqtt.New("tcp://localhost:1883")
//	defer conn.Close()
//
//	token, err := conn.Connect(mqtt.ConnectOptions{
//	    ClientID:     "sensor-1",
//	    CleanSession: true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
func New(server string, opts ...Option) *Connection {
	o := defaultConnectionOptions(server)
	for _, opt := range opts {
		opt(o)
	}

	if o.Logger != nil {
		o.Logger = o.Logger.With("lib", "mqtt")
	}

	c := &Connection{
		opts:          o,
		state:         StateDisconnected,
		table:         newRequestTable(),
		tasks:         make(chan func(), 256),
		flushCh:       make(chan struct{}, 1),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		subscriptions: newTopicTree(),
	}

	c.wg.Add(1)
	go c.ioLoop()

	return c
}

// ioLoop is the connection's I/O goroutine. Everything that touches thread
// data runs here, posted as a task.
func (c *Connection) ioLoop() {
	defer c.wg.Done()
	defer close(c.loopDone)

	for {
		select {
		case fn := <-c.tasks:
			fn()
		case <-c.flushCh:
			c.flushPending()
		case <-c.quit:
			return
		}
	}
}

// post schedules fn on the I/O goroutine. Dropped silently once the loop
// has exited.
func (c *Connection) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.loopDone:
	}
}

// signalFlush asks the I/O goroutine to drain the pending list. It never
// blocks and coalesces repeated signals, so it is safe to call from
// completion callbacks running on the loop itself.
func (c *Connection) signalFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// configurable reports whether gated configuration may change right now.
// Caller holds mu.
func (c *Connection) configurable() error {
	if c.closed {
		return ErrConnectionDestroyed
	}
	if c.state != StateDisconnected && c.state != StateConnected {
		return ErrInvalidState
	}
	return nil
}

// SetWill configures the Last Will and Testament message the broker
// publishes on the client's behalf if the connection drops ungracefully.
// Legal only while DISCONNECTED or CONNECTED; takes effect at the next
// CONNECT.
func (c *Connection) SetWill(topic string, payload []byte, qos QoS, retain bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos >= ExactlyOnce {
		return fmt.Errorf("%w: QoS 2 will messages", ErrUnsupportedOperation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.will = &willMessage{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	}
	return nil
}

// SetLogin configures the username and password sent in CONNECT.
// Legal only while DISCONNECTED or CONNECTED.
func (c *Connection) SetLogin(username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.username = username
	c.opts.password = password
	return nil
}

// SetReconnectTimeout configures the reconnect backoff bounds. The delay
// starts at min, doubles on every failed attempt up to max, and returns to
// min once a connection has stayed up long enough.
// Legal only while DISCONNECTED or CONNECTED.
func (c *Connection) SetReconnectTimeout(min, max time.Duration) error {
	if min <= 0 || max < min {
		return fmt.Errorf("invalid reconnect bounds: min %v, max %v", min, max)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.reconnectMin = min
	c.opts.reconnectMax = max
	return nil
}

// SetInterruptionHandlers configures the callbacks fired when an established
// connection is unexpectedly lost and when it is resumed by the reconnect
// loop. Legal only while DISCONNECTED or CONNECTED.
func (c *Connection) SetInterruptionHandlers(onInterrupted func(error), onResumed func(sessionPresent bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.onInterrupted = onInterrupted
	c.opts.onResumed = onResumed
	return nil
}

// SetOnAnyPublish configures a handler fired for every inbound PUBLISH,
// whether or not a subscription matches it.
// Legal only while DISCONNECTED or CONNECTED.
func (c *Connection) SetOnAnyPublish(handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.onAnyPublish = handler
	return nil
}

// UseWebsockets switches the transport to MQTT over WebSocket.
// Legal only while DISCONNECTED or CONNECTED; takes effect at the next
// CONNECT.
func (c *Connection) UseWebsockets(opts WebsocketOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.websocket = &opts
	return nil
}

// SetHTTPProxy configures an HTTP tunneling proxy for the transport.
// Legal only while DISCONNECTED or CONNECTED.
func (c *Connection) SetHTTPProxy(opts ProxyOptions) error {
	if opts.URL == nil {
		return fmt.Errorf("proxy URL is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.configurable(); err != nil {
		return err
	}

	c.opts.proxy = &opts
	return nil
}

// Connect opens the connection. The returned token completes when the broker
// accepts or refuses the CONNECT, or the attempt fails.
//
// Configuration errors (illegal state, keep-alive not longer than the ping
// timeout, missing client ID for a persistent session) fail synchronously.
func (c *Connection) Connect(copts ConnectOptions) (*ConnectToken, error) {
	if copts.KeepAlive == 0 {
		copts.KeepAlive = defaultKeepAlive
	}
	if copts.PingTimeout <= 0 {
		copts.PingTimeout = defaultPingTimeout
	}

	// Keep-alive must outlast the ping response deadline, or every ping
	// would be declared lost before the broker could answer.
	if copts.KeepAlive > 0 && copts.KeepAlive <= copts.PingTimeout {
		return nil, fmt.Errorf("keep-alive %v must be greater than ping timeout %v", copts.KeepAlive, copts.PingTimeout)
	}

	if copts.ClientID == "" {
		if !copts.CleanSession {
			return nil, fmt.Errorf("a client ID is required when clean session is false")
		}
		copts.ClientID = "mqtt-" + uuid.NewString()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionDestroyed
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	case StateDisconnecting:
		c.mu.Unlock()
		return nil, ErrInvalidState
	}

	c.state = StateConnecting
	c.copts = copts
	tok := &ConnectToken{token: token{done: make(chan struct{})}}
	c.connectToken = tok

	rmin, rmax := c.opts.reconnectMin, c.opts.reconnectMax
	clean := copts.CleanSession
	c.mu.Unlock()

	c.opts.Logger.Debug("connecting", "server", c.opts.Server, "client_id", copts.ClientID, "clean_session", clean)

	c.post(func() {
		c.resetBackoff(rmin, rmax)
		if clean {
			c.cancelAllRequests(ErrCancelledForCleanSession)
		}
		c.startConnectAttempt(false)
	})

	return tok, nil
}

// Disconnect closes the connection cleanly: a DISCONNECT packet is sent if a
// transport is up, and the returned token completes once the connection
// reaches DISCONNECTED. A disconnect during CONNECTING or RECONNECTING is
// honored and suppresses any scheduled reconnect.
func (c *Connection) Disconnect() (Token, error) {
	c.mu.Lock()

	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return nil, ErrNotConnected

	case StateDisconnecting:
		tok := c.disconnectToken
		c.mu.Unlock()
		return tok, nil
	}

	prior := c.state
	c.state = StateDisconnecting
	tok := newToken()
	c.disconnectToken = tok
	c.mu.Unlock()

	c.opts.Logger.Debug("disconnecting", "from_state", prior.String())

	c.post(func() {
		cancelTimer(&c.reconnectTimer)

		switch {
		case c.sess != nil && prior == StateConnected:
			if err := c.sess.send(&packets.DisconnectPacket{}); err != nil {
				c.sess.shutdown(nil)
			}
		case c.sess != nil:
			c.sess.shutdown(nil)
		case prior == StateReconnecting:
			// No transport to wait for
			c.finishDisconnect()
		default:
			// CONNECTING with the dial still in flight; onDialResult
			// observes DISCONNECTING and finishes the job.
		}
	})

	return tok, nil
}

// Close destroys the connection. If it is not already DISCONNECTED a clean
// disconnect is initiated and awaited first. Teardown releases the
// subscription tree, firing each subscription's cleanup callback, and
// completes every remaining request with ErrConnectionDestroyed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	st := c.state
	c.mu.Unlock()

	if st != StateDisconnected {
		if tok, err := c.Disconnect(); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = tok.Wait(ctx)
			cancel()
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.post(c.teardown)
	c.wg.Wait()
	return nil
}

// teardown is the final loop task: it cancels every timer, fails every
// surviving request, and releases the subscription tree.
func (c *Connection) teardown() {
	cancelTimer(&c.connackTimer)
	cancelTimer(&c.pingrespTimer)
	cancelTimer(&c.keepAliveTimer)
	cancelTimer(&c.reconnectTimer)
	cancelTimer(&c.resetTimer)

	if c.sess != nil {
		c.sess.shutdown(nil)
		c.sess = nil
	}

	c.cancelAllRequests(ErrConnectionDestroyed)
	c.subscriptions.destroy()

	close(c.quit)
}

// startConnectAttempt dials the transport off the I/O goroutine and posts
// the result back. I/O goroutine only.
func (c *Connection) startConnectAttempt(reconnect bool) {
	c.reconnectAttempt = reconnect

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	go func() {
		defer cancel()
		conn, err := c.dial(ctx)
		c.post(func() { c.onDialResult(conn, err) })
	}()
}

// onDialResult handles transport establishment. I/O goroutine only.
func (c *Connection) onDialResult(conn net.Conn, err error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if st == StateDisconnecting || st == StateDisconnected {
		if conn != nil {
			conn.Close()
		}
		if st == StateDisconnecting {
			c.finishDisconnect()
		}
		return
	}

	if err != nil {
		c.opts.Logger.Debug("transport dial failed", "error", err)

		if c.reconnectAttempt {
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			c.scheduleReconnect()
			return
		}

		c.mu.Lock()
		c.state = StateDisconnected
		tok := c.connectToken
		c.connectToken = nil
		c.mu.Unlock()
		if tok != nil {
			tok.complete(err)
		}
		return
	}

	// Transport is up: install the session, arm the CONNACK deadline, and
	// send CONNECT.
	s := newTransportSession(c, conn)
	c.sess = s
	s.start()

	c.mu.Lock()
	pingTimeout := c.copts.PingTimeout
	pkt := c.buildConnectPacket()
	c.mu.Unlock()

	c.connackTimer = c.schedule(pingTimeout, func() {
		c.onConnackTimeout(s)
	})

	if err := s.send(pkt); err != nil {
		s.shutdown(err)
	}
}

// buildConnectPacket creates a CONNECT packet from the connection's
// configuration. Caller holds mu.
func (c *Connection) buildConnectPacket() *packets.ConnectPacket {
	keepAlive := c.copts.KeepAlive
	if keepAlive < 0 {
		keepAlive = 0
	}

	pkt := &packets.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  c.copts.CleanSession,
		KeepAlive:     uint16(keepAlive.Seconds()),
		ClientID:      c.copts.ClientID,
	}

	if c.opts.username != "" {
		pkt.UsernameFlag = true
		pkt.Username = c.opts.username
	}
	if c.opts.password != "" {
		pkt.PasswordFlag = true
		pkt.Password = c.opts.password
	}

	if c.opts.will != nil {
		pkt.WillFlag = true
		pkt.WillTopic = c.opts.will.Topic
		pkt.WillMessage = c.opts.will.Payload
		pkt.WillQoS = uint8(c.opts.will.QoS)
		pkt.WillRetain = c.opts.will.Retain
	}

	return pkt
}

// onConnackTimeout fires when the broker fails to answer CONNECT in time.
// I/O goroutine only.
func (c *Connection) onConnackTimeout(s *transportSession) {
	if s != c.sess {
		return
	}

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if st == StateConnecting || st == StateReconnecting {
		c.opts.Logger.Warn("CONNACK not received in time, shutting down transport")
		s.shutdown(ErrTimeout)
	}
}

// handleIncoming dispatches one inbound packet. I/O goroutine only.
func (c *Connection) handleIncoming(s *transportSession, pkt packets.Packet) {
	if s != c.sess {
		// Stale session
		return
	}

	switch p := pkt.(type) {
	case *packets.ConnackPacket:
		c.handleConnack(s, p)

	case *packets.PublishPacket:
		c.handlePublish(s, p)

	case *packets.PubackPacket:
		c.handleAck(p.PacketID, pkt)

	case *packets.SubackPacket:
		c.handleAck(p.PacketID, pkt)

	case *packets.UnsubackPacket:
		c.handleAck(p.PacketID, pkt)

	case *packets.PingrespPacket:
		c.waitingPingresp = false
		cancelTimer(&c.pingrespTimer)

	default:
		c.opts.Logger.Debug("ignoring unexpected packet", "type", packets.PacketNames[pkt.Type()])
	}
}

// handleConnack drives the CONNECTING → CONNECTED (or failure) transition.
// I/O goroutine only.
func (c *Connection) handleConnack(s *transportSession, p *packets.ConnackPacket) {
	cancelTimer(&c.connackTimer)

	if p.ReturnCode != packets.ConnAccepted {
		c.opts.Logger.Warn("broker refused connection", "return_code", p.ReturnCode)

		c.mu.Lock()
		if c.connectToken != nil {
			c.connectToken.returnCode = p.ReturnCode
		}
		c.mu.Unlock()

		s.shutdown(connackError(p.ReturnCode))
		return
	}

	c.mu.Lock()
	c.state = StateConnected
	c.connectionCount++
	wasReconnect := c.reconnectAttempt
	c.reconnectAttempt = false

	var tok *ConnectToken
	if !wasReconnect {
		tok = c.connectToken
		c.connectToken = nil
	}
	onResumed := c.opts.onResumed
	c.mu.Unlock()

	c.opts.Logger.Debug("connection established",
		"session_present", p.SessionPresent,
		"connection_count", c.connectionCount)

	if tok != nil {
		tok.sessionPresent = p.SessionPresent
		tok.returnCode = p.ReturnCode
		tok.complete(nil)
	}
	if wasReconnect {
		c.stats.reconnects.Add(1)
		if onResumed != nil {
			onResumed(p.SessionPresent)
		}
	}

	c.startKeepAlive()
	c.armBackoffReset()
	c.flushPending()
}

// handlePublish dispatches an inbound PUBLISH to the on-any-publish handler
// and every matching subscription, then acknowledges QoS 1 deliveries.
// I/O goroutine only.
func (c *Connection) handlePublish(s *transportSession, p *packets.PublishPacket) {
	msg := Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       QoS(p.QoS),
		Retained:  p.Retain,
		Duplicate: p.Dup,
	}

	c.mu.Lock()
	onAny := c.opts.onAnyPublish
	c.mu.Unlock()

	if onAny != nil {
		onAny(c, msg)
	}

	c.subscriptions.match(p.Topic, func(sub *subscription) {
		if sub.handler != nil {
			sub.handler(c, msg)
		}
	})

	if p.QoS == packets.QoS1 {
		if err := s.send(&packets.PubackPacket{PacketID: p.PacketID}); err != nil {
			c.opts.Logger.Warn("failed to queue PUBACK", "packet_id", p.PacketID, "error", err)
		}
	}
}

// handleAck completes the ongoing request matching an acknowledgement.
// A late ack for an already completed (e.g. timed out) request is ignored.
// I/O goroutine only.
func (c *Connection) handleAck(id uint16, pkt packets.Packet) {
	c.mu.Lock()
	req := c.table.get(id)
	c.mu.Unlock()

	if req == nil || req.slot != slotOngoing {
		c.opts.Logger.Debug("acknowledgement for unknown packet", "packet_id", id,
			"type", packets.PacketNames[pkt.Type()])
		return
	}

	var err error
	if req.handleAck != nil {
		err = req.handleAck(pkt)
	}
	c.completeRequest(req, err)
}

// onTransportDown is the single sink for transport loss: user-requested
// shutdowns, read/write failures, CONNACK refusals, and timeouts all arrive
// here once the session's goroutines have exited. I/O goroutine only.
func (c *Connection) onTransportDown(s *transportSession) {
	if s != c.sess {
		return
	}
	c.sess = nil
	err := s.shutdownErr

	cancelTimer(&c.connackTimer)
	cancelTimer(&c.pingrespTimer)
	cancelTimer(&c.keepAliveTimer)
	cancelTimer(&c.resetTimer)
	c.waitingPingresp = false

	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	switch st {
	case StateConnecting:
		if c.reconnectAttempt {
			c.mu.Lock()
			c.state = StateReconnecting
			c.mu.Unlock()
			c.opts.Logger.Debug("reconnect attempt failed", "error", err)
			c.scheduleReconnect()
			return
		}

		c.mu.Lock()
		c.state = StateDisconnected
		tok := c.connectToken
		c.connectToken = nil
		c.mu.Unlock()

		if err == nil {
			err = ErrUnexpectedHangup
		}
		c.opts.Logger.Debug("connection attempt failed", "error", err)
		if tok != nil {
			tok.complete(err)
		}

	case StateConnected:
		if err == nil {
			err = ErrUnexpectedHangup
		}

		c.mu.Lock()
		c.state = StateReconnecting
		clean := c.copts.CleanSession
		onInterrupted := c.opts.onInterrupted
		c.mu.Unlock()

		c.opts.Logger.Warn("connection interrupted", "error", err)

		if clean {
			c.cancelAllRequests(ErrCancelledForCleanSession)
		} else {
			c.parkOngoingRequests()
		}

		if onInterrupted != nil {
			onInterrupted(err)
		}

		c.scheduleReconnect()

	case StateDisconnecting:
		c.finishDisconnect()
	}
}

// parkOngoingRequests moves every retryable ongoing request back onto the
// pending list for re-sending after reconnect; non-retryable ones complete
// with ErrUnexpectedHangup. I/O goroutine only.
func (c *Connection) parkOngoingRequests() {
	c.mu.Lock()
	dropped := c.table.moveOngoingToPending()
	c.mu.Unlock()

	for _, req := range dropped {
		c.completeRequest(req, ErrUnexpectedHangup)
	}
}

// cancelAllRequests completes every tracked request, pending and ongoing,
// with err. I/O goroutine only.
func (c *Connection) cancelAllRequests(err error) {
	c.mu.Lock()
	all := c.table.takeAll()
	c.mu.Unlock()

	for _, req := range all {
		c.completeRequest(req, err)
	}
}

// finishDisconnect lands the connection in DISCONNECTED and fires the
// disconnect token. Clean sessions drop their surviving requests here;
// persistent sessions keep them pending for the next connect.
// I/O goroutine only.
func (c *Connection) finishDisconnect() {
	cancelTimer(&c.connackTimer)
	cancelTimer(&c.pingrespTimer)
	cancelTimer(&c.keepAliveTimer)
	cancelTimer(&c.reconnectTimer)
	cancelTimer(&c.resetTimer)
	c.waitingPingresp = false
	c.reconnectAttempt = false

	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	clean := c.copts.CleanSession
	tok := c.disconnectToken
	c.disconnectToken = nil
	ctok := c.connectToken
	c.connectToken = nil
	c.mu.Unlock()

	if clean {
		c.cancelAllRequests(ErrCancelledForCleanSession)
	} else {
		c.parkOngoingRequests()
	}

	c.opts.Logger.Debug("disconnected")
	if ctok != nil {
		ctok.complete(fmt.Errorf("connect aborted by disconnect"))
	}
	if tok != nil {
		tok.complete(nil)
	}
}

// flushPending sends every pending request in submission order while the
// connection is CONNECTED. I/O goroutine only.
func (c *Connection) flushPending() {
	for {
		c.mu.Lock()
		if c.state != StateConnected || c.sess == nil {
			c.mu.Unlock()
			return
		}
		req := c.table.popPending()
		c.mu.Unlock()

		if req == nil {
			return
		}
		c.attemptSend(req)
	}
}

// attemptSend drives one send attempt and routes the request by outcome.
// I/O goroutine only.
func (c *Connection) attemptSend(req *request) {
	first := req.firstAttempt
	st, err := req.send(req.id, first)
	req.firstAttempt = false

	switch st {
	case requestOngoing:
		c.table.markOngoing(req)
		if req.timeoutAfter > 0 && req.timeout == nil {
			c.armRequestTimeout(req, req.timeoutAfter)
		}

	case requestComplete:
		c.completeRequest(req, nil)

	case requestError:
		c.completeRequest(req, err)
	}
}

// completeRequest finishes a request exactly once: it is removed from the
// pending/ongoing lists and the outstanding map before the completion
// callback runs, and the callback runs outside the mutex.
// I/O goroutine only.
func (c *Connection) completeRequest(req *request, err error) {
	if req.completed {
		return
	}
	req.completed = true

	cancelRequestTimeout(req)

	c.mu.Lock()
	c.table.detach(req)
	c.mu.Unlock()

	id := req.id
	cb := req.onComplete
	c.table.release(req)

	if cb != nil {
		cb(id, err)
	}
}

// submitRequest gates a user operation by connection state and creates its
// request on the pending list. It reports the assigned packet ID and whether
// the caller should kick the send path (the connection is up). Requests
// submitted while CONNECTING or RECONNECTING wait on the pending list.
func (c *Connection) submitRequest(
	send func(uint16, bool) (requestState, error),
	onComplete func(uint16, error),
	handleAck func(packets.Packet) error,
	noRetry bool,
	wantTimeout bool,
) (uint16, bool, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return 0, false, ErrConnectionDestroyed
	}
	switch c.state {
	case StateDisconnected:
		c.mu.Unlock()
		return 0, false, ErrNotConnected
	case StateDisconnecting:
		c.mu.Unlock()
		return 0, false, ErrInvalidState
	}

	req := c.table.create(send, onComplete)
	if req == nil {
		c.mu.Unlock()
		return 0, false, fmt.Errorf("no packet IDs available")
	}
	req.handleAck = handleAck
	req.noRetry = noRetry
	if wantTimeout {
		req.timeoutAfter = c.copts.OperationTimeout
	}

	id := req.id
	connected := c.state == StateConnected
	c.mu.Unlock()

	return id, connected, nil
}
