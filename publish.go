package mqtt

import (
	"fmt"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// PublishOptions holds configuration for a publish operation.
type PublishOptions struct {
	QoS    QoS
	Retain bool
}

// PublishOption is a functional option for configuring a PUBLISH packet.
type PublishOption func(*PublishOptions)

// WithQoS sets the Quality of Service level for the publish.
//
// QoS levels:
//   - 0: At most once delivery (fire and forget)
//   - 1: At least once delivery (acknowledged)
//
// Default is QoS 0. QoS 2 is not implemented.
func WithQoS(qos QoS) PublishOption {
	return func(o *PublishOptions) {
		o.QoS = qos
	}
}

// WithRetain sets the retain flag for the publish.
//
// When true, the broker stores the message and delivers it to future
// subscribers of the topic. Only the most recent retained message per
// topic is stored.
//
// Default is false.
func WithRetain(retain bool) PublishOption {
	return func(o *PublishOptions) {
		o.Retain = retain
	}
}

// Publish publishes a message to the specified topic.
//
// For QoS 0 the token completes as soon as the packet is handed to the
// transport, and the message is never retried. For QoS 1 the token completes
// on the matching PUBACK, an operation timeout, or cancellation; across a
// reconnect of a persistent session the message is re-sent with the same
// packet ID and the DUP flag set.
//
// Example (QoS 0 - fire and forget):
//
//	conn.Publish("sensors/temp", []byte("22.5"))
//
// Example (QoS 1 - wait for acknowledgment):
//
//	token := conn.Publish("sensors/temp", []byte("22.5"), mqtt.WithQoS(mqtt.AtLeastOnce))
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
func (c *Connection) Publish(topic string, payload []byte, opts ...PublishOption) *PublishToken {
	tok := &PublishToken{token: token{done: make(chan struct{})}}

	if err := validatePublishTopic(topic); err != nil {
		tok.complete(err)
		return tok
	}
	if err := validatePayload(payload); err != nil {
		tok.complete(err)
		return tok
	}

	pubOpts := &PublishOptions{}
	for _, opt := range opts {
		opt(pubOpts)
	}

	if pubOpts.QoS >= ExactlyOnce {
		tok.complete(fmt.Errorf("%w: QoS 2 publish", ErrUnsupportedOperation))
		return tok
	}

	c.opts.Logger.Debug("publishing message", "topic", topic, "qos", pubOpts.QoS, "payload_size", len(payload))

	qos := pubOpts.QoS
	pkt := &packets.PublishPacket{
		Topic:   topic,
		Payload: payload,
		QoS:     uint8(qos),
		Retain:  pubOpts.Retain,
	}

	send := func(id uint16, firstAttempt bool) (requestState, error) {
		s := c.sess
		if s == nil {
			return requestError, ErrNotConnected
		}

		if qos > AtMostOnce {
			pkt.PacketID = id
			pkt.Dup = !firstAttempt
		}

		if err := s.send(pkt); err != nil {
			return requestError, err
		}
		if qos == AtMostOnce {
			return requestComplete, nil
		}
		return requestOngoing, nil
	}

	onComplete := func(_ uint16, err error) {
		tok.complete(err)
	}

	id, flush, err := c.submitRequest(send, onComplete, nil, qos == AtMostOnce, qos > AtMostOnce)
	if err != nil {
		tok.complete(err)
		return tok
	}
	if qos > AtMostOnce {
		tok.packetID = id
	}
	if flush {
		c.signalFlush()
	}

	return tok
}
