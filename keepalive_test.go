package mqtt

import (
	"errors"
	"testing"
	"time"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

func TestKeepAlivePingAndTimeout(t *testing.T) {
	b := newFakeBroker(t)

	c := New("tcp://fake:1883", WithDialer(b.dialer()))
	defer c.Close()
	if err := c.SetReconnectTimeout(time.Minute, 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	interrupted := make(chan error, 1)
	if err := c.SetInterruptionHandlers(func(err error) { interrupted <- err }, nil); err != nil {
		t.Fatal(err)
	}

	tok, err := c.Connect(ConnectOptions{
		ClientID:     "ka",
		CleanSession: true,
		KeepAlive:    300 * time.Millisecond,
		PingTimeout:  150 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	bc := b.accept()
	bc.connack(false)
	if err := waitToken(t, tok); err != nil {
		t.Fatal(err)
	}

	// The keep-alive interval elapses, the client probes.
	bc.expect(packets.PINGREQ)

	// Broker stays silent: the PINGRESP deadline fires and tears the
	// transport down; the connection moves to RECONNECTING.
	select {
	case err := <-interrupted:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("interruption error = %v, want ErrTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ping timeout never interrupted the connection")
	}

	waitState(t, c, StateReconnecting)
}

func TestKeepAliveSurvivesWithPingresp(t *testing.T) {
	b := newFakeBroker(t)

	c := New("tcp://fake:1883", WithDialer(b.dialer()))
	defer c.Close()

	tok, err := c.Connect(ConnectOptions{
		ClientID:     "ka",
		CleanSession: true,
		KeepAlive:    200 * time.Millisecond,
		PingTimeout:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	bc := b.accept()
	bc.connack(false)
	if err := waitToken(t, tok); err != nil {
		t.Fatal(err)
	}

	// Answer two probes; the connection must stay up.
	for i := 0; i < 2; i++ {
		bc.expect(packets.PINGREQ)
		bc.send(&packets.PingrespPacket{})
	}

	if st := c.State(); st != StateConnected {
		t.Errorf("state = %s after answered pings, want CONNECTED", st)
	}
}

func TestManualPing(t *testing.T) {
	b := newFakeBroker(t)
	c, bc := dialAndConnect(t, b, ConnectOptions{ClientID: "ka", CleanSession: true, KeepAlive: -1})
	defer c.Close()

	if err := c.Ping(); err != nil {
		t.Fatal(err)
	}
	bc.expect(packets.PINGREQ)
	bc.send(&packets.PingrespPacket{})

	time.Sleep(50 * time.Millisecond)
	if st := c.State(); st != StateConnected {
		t.Errorf("state = %s after answered manual ping", st)
	}
}
