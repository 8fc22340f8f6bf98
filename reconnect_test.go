package mqtt

import (
	"testing"
	"time"

	"github.com/packit-aws-playground/mqtt/internal/packets"
)

func TestBackoffDoublesAndClamps(t *testing.T) {
	c := &Connection{}
	c.resetBackoff(time.Second, 8*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}

	for i, w := range want {
		got := c.bo.NextBackOff()
		if got != w {
			t.Errorf("attempt %d: backoff = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResetReturnsToMin(t *testing.T) {
	c := &Connection{}
	c.resetBackoff(time.Second, 8*time.Second)

	c.bo.NextBackOff()
	c.bo.NextBackOff()
	c.bo.NextBackOff()

	c.bo.Reset()
	if got := c.bo.NextBackOff(); got != time.Second {
		t.Errorf("backoff after reset = %v, want 1s", got)
	}
}

func TestReconnectRetriesUntilBrokerReturns(t *testing.T) {
	b := newFakeBroker(t)

	c := New("tcp://fake:1883", WithDialer(b.dialer()))
	defer c.Close()
	if err := c.SetReconnectTimeout(10*time.Millisecond, 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	tok, err := c.Connect(ConnectOptions{ClientID: "rc", CleanSession: true, KeepAlive: -1})
	if err != nil {
		t.Fatal(err)
	}

	bc := b.accept()
	bc.connack(false)
	if err := waitToken(t, tok); err != nil {
		t.Fatal(err)
	}

	b.failNext(2)
	bc.close()

	// Two refused dials, then the third attempt lands.
	bc2 := b.accept()
	bc2.connack(false)

	waitState(t, c, StateConnected)
}

func TestUserDisconnectDuringReconnectIsHonored(t *testing.T) {
	b := newFakeBroker(t)

	c := New("tcp://fake:1883", WithDialer(b.dialer()))
	defer c.Close()
	if err := c.SetReconnectTimeout(time.Minute, 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	tok, err := c.Connect(ConnectOptions{ClientID: "rc", CleanSession: true, KeepAlive: -1})
	if err != nil {
		t.Fatal(err)
	}
	bc := b.accept()
	bc.connack(false)
	if err := waitToken(t, tok); err != nil {
		t.Fatal(err)
	}

	bc.close()
	waitState(t, c, StateReconnecting)

	// The scheduled attempt is a minute out; disconnect must suppress it
	// and land in DISCONNECTED immediately.
	dtok, err := c.Disconnect()
	if err != nil {
		t.Fatal(err)
	}
	if err := waitToken(t, dtok); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, StateDisconnected)
}

func TestReconnectResumesPendingSubscribe(t *testing.T) {
	b := newFakeBroker(t)

	c := New("tcp://fake:1883", WithDialer(b.dialer()))
	defer c.Close()
	if err := c.SetReconnectTimeout(10*time.Millisecond, 40*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	tok, err := c.Connect(ConnectOptions{ClientID: "rc", CleanSession: false, KeepAlive: -1})
	if err != nil {
		t.Fatal(err)
	}
	bc := b.accept()
	bc.connack(false)
	if err := waitToken(t, tok); err != nil {
		t.Fatal(err)
	}

	subTok := c.Subscribe("a/b", AtLeastOnce, nil)
	first := bc.expect(packets.SUBSCRIBE).(*packets.SubscribePacket)

	// SUBACK never arrives; the transport drops.
	bc.close()

	bc2 := b.accept()
	bc2.connack(true)

	retry := bc2.expect(packets.SUBSCRIBE).(*packets.SubscribePacket)
	if retry.PacketID != first.PacketID {
		t.Errorf("retry packet ID = %d, original %d", retry.PacketID, first.PacketID)
	}

	bc2.send(&packets.SubackPacket{PacketID: retry.PacketID, ReturnCodes: []uint8{1}})

	if err := waitToken(t, subTok); err != nil {
		t.Errorf("subscribe token after reconnect: %v", err)
	}
}
