package mqtt

import (
	"fmt"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// subscribeOptions holds per-subscription configuration.
type subscribeOptions struct {
	onCleanup func()
}

// SubscribeOption is a functional option for configuring a subscription.
type SubscribeOption func(*subscribeOptions)

// WithOnCleanup sets a callback fired exactly once when the subscription is
// released: at unsubscribe completion or when the connection is destroyed.
func WithOnCleanup(fn func()) SubscribeOption {
	return func(o *subscribeOptions) {
		o.onCleanup = fn
	}
}

// SubscriptionRequest describes one topic filter for SubscribeMultiple.
type SubscriptionRequest struct {
	Filter    string
	QoS       QoS
	Handler   MessageHandler
	OnCleanup func()
}

// Subscribe subscribes to a topic filter with the specified QoS level.
//
// The handler is called on the connection's I/O goroutine for each message
// received on topics matching the filter, so it should not block for long
// periods. Filters support MQTT wildcards: '+' matches a single level,
// '#' matches the remainder and must be the terminal segment.
//
// The returned token completes when the broker acknowledges the subscription
// with SUBACK. The subscription becomes visible to inbound dispatch as soon
// as the SUBSCRIBE packet is handed to the transport; if the hand-off fails,
// the topic tree is left unchanged.
//
// Example:
//
//	token := conn.Subscribe("sensors/+/temperature", mqtt.AtLeastOnce,
//	    func(c *mqtt.Connection, msg mqtt.Message) {
//	        fmt.Printf("%s: %s\n", msg.Topic, msg.Payload)
//	    })
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
func (c *Connection) Subscribe(filter string, qos QoS, handler MessageHandler, opts ...SubscribeOption) *SubscribeToken {
	subOpts := &subscribeOptions{}
	for _, opt := range opts {
		opt(subOpts)
	}

	return c.SubscribeMultiple([]SubscriptionRequest{{
		Filter:    filter,
		QoS:       qos,
		Handler:   handler,
		OnCleanup: subOpts.onCleanup,
	}})
}

// SubscribeMultiple subscribes to several topic filters with a single
// SUBSCRIBE packet. The token's GrantedQoS reports the broker's per-filter
// result in request order.
func (c *Connection) SubscribeMultiple(subs []SubscriptionRequest) *SubscribeToken {
	tok := &SubscribeToken{token: token{done: make(chan struct{})}}

	if len(subs) == 0 {
		tok.complete(nil)
		return tok
	}

	filters := make([]string, len(subs))
	qoss := make([]uint8, len(subs))
	for i, sub := range subs {
		if err := validateFilter(sub.Filter); err != nil {
			tok.complete(err)
			return tok
		}
		if sub.QoS >= ExactlyOnce {
			tok.complete(fmt.Errorf("%w: QoS 2 subscription", ErrUnsupportedOperation))
			return tok
		}
		filters[i] = sub.Filter
		qoss[i] = uint8(sub.QoS)
	}
	tok.filters = filters

	c.opts.Logger.Debug("subscribing", "filters", filters)

	var pkt *packets.SubscribePacket

	send := func(id uint16, firstAttempt bool) (requestState, error) {
		s := c.sess
		if s == nil {
			return requestError, ErrNotConnected
		}

		if !firstAttempt {
			if err := s.send(pkt); err != nil {
				return requestError, err
			}
			return requestOngoing, nil
		}

		pkt = &packets.SubscribePacket{
			PacketID: id,
			Topics:   filters,
			QoS:      qoss,
		}

		// Stage the tree inserts so inbound messages dispatch as soon as
		// the packet is on the wire; a failed hand-off leaves the tree
		// untouched.
		tx := c.subscriptions.begin()
		for _, sub := range subs {
			tx.insert(sub.Filter, sub.QoS, sub.Handler, sub.OnCleanup, false)
		}

		if err := s.send(pkt); err != nil {
			tx.rollback()
			return requestError, err
		}
		tx.commit()
		return requestOngoing, nil
	}

	handleAck := subackHandler(tok, filters)

	onComplete := func(_ uint16, err error) {
		tok.complete(err)
	}

	id, flush, err := c.submitRequest(send, onComplete, handleAck, false, true)
	if err != nil {
		tok.complete(err)
		return tok
	}
	tok.packetID = id
	if flush {
		c.signalFlush()
	}

	return tok
}

// subackHandler records the broker's granted QoS codes onto the token and
// reports a failure if any filter was rejected.
func subackHandler(tok *SubscribeToken, filters []string) func(packets.Packet) error {
	return func(pkt packets.Packet) error {
		suback, ok := pkt.(*packets.SubackPacket)
		if !ok {
			return fmt.Errorf("unexpected acknowledgement type %d", pkt.Type())
		}

		granted := make([]QoS, len(filters))
		var failed bool
		for i := range filters {
			if i < len(suback.ReturnCodes) {
				granted[i] = QoS(suback.ReturnCodes[i])
				if suback.ReturnCodes[i] == packets.SubackFailure {
					failed = true
				}
			} else {
				granted[i] = QoS(packets.SubackFailure)
				failed = true
			}
		}
		tok.granted = granted

		if failed {
			return ErrSubscriptionFailed
		}
		return nil
	}
}

// SubscribeLocal registers a subscription only in this client's topic tree.
// Inbound messages matching the filter still dispatch to the handler, but
// the filter is never sent to the broker and no packet is produced. The
// token completes immediately.
func (c *Connection) SubscribeLocal(filter string, qos QoS, handler MessageHandler, opts ...SubscribeOption) *SubscribeToken {
	tok := &SubscribeToken{token: token{done: make(chan struct{})}}

	if err := validateFilter(filter); err != nil {
		tok.complete(err)
		return tok
	}
	if qos >= ExactlyOnce {
		tok.complete(fmt.Errorf("%w: QoS 2 subscription", ErrUnsupportedOperation))
		return tok
	}

	subOpts := &subscribeOptions{}
	for _, opt := range opts {
		opt(subOpts)
	}

	tok.filters = []string{filter}

	c.opts.Logger.Debug("subscribing locally", "filter", filter)

	send := func(_ uint16, _ bool) (requestState, error) {
		c.subscriptions.insert(filter, qos, handler, subOpts.onCleanup, true)
		return requestComplete, nil
	}

	onComplete := func(_ uint16, err error) {
		if err == nil {
			tok.granted = []QoS{qos}
		}
		tok.complete(err)
	}

	_, flush, err := c.submitRequest(send, onComplete, nil, false, false)
	if err != nil {
		tok.complete(err)
		return tok
	}
	if flush {
		c.signalFlush()
	}

	return tok
}

// Unsubscribe removes a subscription. If the released subscription was
// registered with SubscribeLocal, the removal is purely local and the token
// completes without any wire activity; otherwise the token completes on the
// matching UNSUBACK. The subscription's cleanup callback fires exactly once
// at completion.
func (c *Connection) Unsubscribe(filter string) *UnsubscribeToken {
	tok := &UnsubscribeToken{token: token{done: make(chan struct{})}}

	if err := validateFilter(filter); err != nil {
		tok.complete(err)
		return tok
	}

	c.opts.Logger.Debug("unsubscribing", "filter", filter)

	var pkt *packets.UnsubscribePacket
	var removed *subscription
	var released bool

	send := func(id uint16, firstAttempt bool) (requestState, error) {
		if !firstAttempt {
			s := c.sess
			if s == nil {
				return requestError, ErrNotConnected
			}
			if err := s.send(pkt); err != nil {
				return requestError, err
			}
			return requestOngoing, nil
		}

		tx := c.subscriptions.begin()
		target, rel := tx.remove(filter)

		if target != nil && target.local {
			// Local-only subscription: nothing to tell the broker.
			tx.commit()
			removed, released = target, rel
			return requestComplete, nil
		}

		s := c.sess
		if s == nil {
			tx.rollback()
			return requestError, ErrNotConnected
		}

		pkt = &packets.UnsubscribePacket{
			PacketID: id,
			Topics:   []string{filter},
		}

		if err := s.send(pkt); err != nil {
			tx.rollback()
			return requestError, err
		}
		tx.commit()
		removed, released = target, rel
		tok.packetID = id
		return requestOngoing, nil
	}

	onComplete := func(id uint16, err error) {
		if released && removed != nil && removed.cleanup != nil {
			removed.cleanup()
		}
		tok.complete(err)
	}

	handleAck := func(pkt packets.Packet) error {
		if _, ok := pkt.(*packets.UnsubackPacket); !ok {
			return fmt.Errorf("unexpected acknowledgement type %d", pkt.Type())
		}
		return nil
	}

	_, flush, err := c.submitRequest(send, onComplete, handleAck, false, true)
	if err != nil {
		tok.complete(err)
		return tok
	}
	if flush {
		c.signalFlush()
	}

	return tok
}

// ResubscribeExisting emits a single SUBSCRIBE covering every currently held
// non-local topic filter. It is meant for re-establishing broker-side state
// after a clean-session reconnect dropped it. With no subscriptions held the
// token completes immediately and nothing is sent.
func (c *Connection) ResubscribeExisting() *SubscribeToken {
	tok := &SubscribeToken{token: token{done: make(chan struct{})}}

	c.post(func() {
		var filters []string
		var qoss []uint8
		c.subscriptions.iterate(func(s *subscription) bool {
			if !s.local {
				filters = append(filters, s.filter)
				qoss = append(qoss, uint8(s.qos))
			}
			return true
		})

		tok.filters = filters

		if len(filters) == 0 {
			tok.complete(nil)
			return
		}

		c.opts.Logger.Debug("resubscribing to existing topics", "count", len(filters))

		var pkt *packets.SubscribePacket

		send := func(id uint16, _ bool) (requestState, error) {
			s := c.sess
			if s == nil {
				return requestError, ErrNotConnected
			}
			if pkt == nil {
				pkt = &packets.SubscribePacket{
					PacketID: id,
					Topics:   filters,
					QoS:      qoss,
				}
			}
			// The filters are already in the tree; no staging needed.
			if err := s.send(pkt); err != nil {
				return requestError, err
			}
			return requestOngoing, nil
		}

		handleAck := subackHandler(tok, filters)

		onComplete := func(_ uint16, err error) {
			tok.complete(err)
		}

		id, flush, err := c.submitRequest(send, onComplete, handleAck, false, true)
		if err != nil {
			tok.complete(err)
			return
		}
		tok.packetID = id
		if flush {
			// Already on the I/O goroutine
			c.flushPending()
		}
	})

	return tok
}
