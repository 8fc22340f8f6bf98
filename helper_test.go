package mqtt

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// fakeBroker hands out one scripted in-memory connection per dial attempt.
// Tests drive it explicitly: accept a connection, assert on the packets the
// client sent, and write responses.
type fakeBroker struct {
	t     *testing.T
	conns chan *brokerConn

	mu       sync.Mutex
	failures int // dial attempts to reject before accepting
}

func newFakeBroker(t *testing.T) *fakeBroker {
	return &fakeBroker{
		t:     t,
		conns: make(chan *brokerConn, 8),
	}
}

// failNext makes the next n dial attempts fail.
func (b *fakeBroker) failNext(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *fakeBroker) dialer() ContextDialer {
	return DialFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		b.mu.Lock()
		if b.failures > 0 {
			b.failures--
			b.mu.Unlock()
			return nil, fmt.Errorf("dial refused by test broker")
		}
		b.mu.Unlock()

		client, server := net.Pipe()
		bc := &brokerConn{
			t:        b.t,
			conn:     server,
			incoming: make(chan packets.Packet, 32),
		}
		go bc.readLoop()
		b.conns <- bc
		return client, nil
	})
}

// accept returns the broker side of the next transport the client dialed.
func (b *fakeBroker) accept() *brokerConn {
	b.t.Helper()
	select {
	case bc := <-b.conns:
		return bc
	case <-time.After(5 * time.Second):
		b.t.Fatal("timed out waiting for client to dial")
		return nil
	}
}

type brokerConn struct {
	t        *testing.T
	conn     net.Conn
	incoming chan packets.Packet
}

func (bc *brokerConn) readLoop() {
	br := bufio.NewReader(bc.conn)
	for {
		pkt, err := packets.ReadPacket(br, 0)
		if err != nil {
			close(bc.incoming)
			return
		}
		bc.incoming <- pkt
	}
}

// expect reads the next packet from the client and fails the test if it is
// not of the wanted type.
func (bc *brokerConn) expect(wantType uint8) packets.Packet {
	bc.t.Helper()
	select {
	case pkt, ok := <-bc.incoming:
		if !ok {
			bc.t.Fatalf("connection closed while expecting %s", packets.PacketNames[wantType])
			return nil
		}
		if pkt.Type() != wantType {
			bc.t.Fatalf("expected %s, got %s", packets.PacketNames[wantType], packets.PacketNames[pkt.Type()])
		}
		return pkt
	case <-time.After(5 * time.Second):
		bc.t.Fatalf("timed out expecting %s", packets.PacketNames[wantType])
		return nil
	}
}

// expectNone asserts that the client sends nothing for the duration.
func (bc *brokerConn) expectNone(d time.Duration) {
	bc.t.Helper()
	select {
	case pkt, ok := <-bc.incoming:
		if ok {
			bc.t.Fatalf("unexpected %s from client", packets.PacketNames[pkt.Type()])
		}
	case <-time.After(d):
	}
}

func (bc *brokerConn) send(pkt packets.Packet) {
	bc.t.Helper()
	if _, err := pkt.WriteTo(bc.conn); err != nil {
		bc.t.Fatalf("broker write failed: %v", err)
	}
}

func (bc *brokerConn) close() {
	bc.conn.Close()
}

// connack performs the CONNECT/CONNACK exchange for an accepted transport.
func (bc *brokerConn) connack(sessionPresent bool) *packets.ConnectPacket {
	bc.t.Helper()
	connect := bc.expect(packets.CONNECT).(*packets.ConnectPacket)
	bc.send(&packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: packets.ConnAccepted})
	return connect
}

// dialAndConnect spins up a connection against the broker and completes the
// handshake.
func dialAndConnect(t *testing.T, b *fakeBroker, copts ConnectOptions) (*Connection, *brokerConn) {
	t.Helper()

	c := New("tcp://fake:1883", WithDialer(b.dialer()))

	tok, err := c.Connect(copts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	bc := b.accept()
	bc.connack(false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tok.Wait(ctx); err != nil {
		t.Fatalf("connect token failed: %v", err)
	}

	return c, bc
}

// waitState polls until the connection reaches the wanted state.
func waitState(t *testing.T, c *Connection, want ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection never reached %s, still %s", want, c.State())
}

// waitToken waits for a token with a test-sized deadline.
func waitToken(t *testing.T, tok Token) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		t.Fatal("timed out waiting for token")
		return nil
	}
}
