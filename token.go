package mqtt

import (
	"context"
	"sync"
)

// Token represents an asynchronous operation that can be waited on.
//
// Tokens are returned by Connect, Disconnect, Publish, Subscribe, and
// Unsubscribe. They provide both blocking (Wait) and non-blocking
// (Done + Error) patterns for handling operation completion.
//
// Example (blocking wait):
//
//	token := conn.Publish("topic", []byte("data"), mqtt.WithQoS(mqtt.AtLeastOnce))
//	if err := token.Wait(context.Background()); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// Example (non-blocking with select):
//
//	token := conn.Publish("topic", []byte("data"), mqtt.WithQoS(mqtt.AtLeastOnce))
//	select {
//	case <-token.Done():
//	    if err := token.Error(); err != nil {
//	        log.Printf("failed: %v", err)
//	    }
//	case <-time.After(5 * time.Second):
//	    log.Println("timeout")
//	}
type Token interface {
	// Wait blocks until the operation completes or the context is cancelled.
	// It returns nil if successful, or the error (timeout/nack/connection loss).
	Wait(ctx context.Context) error

	// Done returns a channel that closes when the operation is complete.
	// This allows the token to be used in select statements.
	Done() <-chan struct{}

	// Error returns the error if finished, mostly for use with Done().
	Error() error
}

// token is the base implementation of Token.
type token struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newToken() *token {
	return &token{
		done: make(chan struct{}),
	}
}

// Wait blocks until the operation completes or the context is cancelled.
func (t *token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that closes when the operation is complete.
func (t *token) Done() <-chan struct{} {
	return t.done
}

// Error returns the error if the operation has completed.
func (t *token) Error() error {
	return t.err
}

// complete marks the token as complete with the given error.
// This can only be called once; subsequent calls are ignored.
func (t *token) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// ConnectToken is the Token returned by Connect. After completion it also
// reports the CONNACK result.
type ConnectToken struct {
	token

	sessionPresent bool
	returnCode     uint8
}

// SessionPresent reports whether the broker restored an existing session.
// Only meaningful after the token completes without error.
func (t *ConnectToken) SessionPresent() bool {
	return t.sessionPresent
}

// ReturnCode returns the raw CONNACK return code.
func (t *ConnectToken) ReturnCode() uint8 {
	return t.returnCode
}

// PublishToken is the Token returned by Publish.
type PublishToken struct {
	token

	packetID uint16
}

// PacketID returns the packet ID assigned to the PUBLISH, or 0 for QoS 0
// messages and failed submissions.
func (t *PublishToken) PacketID() uint16 {
	return t.packetID
}

// SubscribeToken is the Token returned by Subscribe, SubscribeMultiple,
// SubscribeLocal, and ResubscribeExisting. After completion it carries the
// granted QoS for every requested filter, in request order.
type SubscribeToken struct {
	token

	packetID uint16
	filters  []string
	granted  []QoS
}

// PacketID returns the packet ID assigned to the SUBSCRIBE, or 0 when no
// packet was sent (local subscriptions, empty resubscribe).
func (t *SubscribeToken) PacketID() uint16 {
	return t.packetID
}

// Filters returns the topic filters covered by the operation.
func (t *SubscribeToken) Filters() []string {
	return t.filters
}

// GrantedQoS returns the broker-granted QoS per filter, in the same order as
// Filters. A granted value of 0x80 marks a filter the broker rejected.
// Only meaningful after the token completes.
func (t *SubscribeToken) GrantedQoS() []QoS {
	return t.granted
}

// UnsubscribeToken is the Token returned by Unsubscribe.
type UnsubscribeToken struct {
	token

	packetID uint16
}

// PacketID returns the packet ID assigned to the UNSUBSCRIBE, or 0 when the
// removed subscription was local-only and nothing was sent.
func (t *UnsubscribeToken) PacketID() uint16 {
	return t.packetID
}
