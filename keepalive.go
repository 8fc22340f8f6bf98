package mqtt

import (
	"github.com/packit-aws-playground/mqtt/internal/packets"
)

// startKeepAlive begins the periodic PINGREQ schedule for an established
// connection. I/O goroutine only.
func (c *Connection) startKeepAlive() {
	cancelTimer(&c.keepAliveTimer)
	c.waitingPingresp = false

	c.mu.Lock()
	interval := c.copts.KeepAlive
	c.mu.Unlock()

	if interval <= 0 {
		return
	}

	var fire func()
	fire = func() {
		c.mu.Lock()
		connected := c.state == StateConnected
		c.mu.Unlock()
		if !connected {
			c.keepAliveTimer = nil
			return
		}

		c.sendPingreq()
		c.keepAliveTimer = c.schedule(interval, fire)
	}

	c.keepAliveTimer = c.schedule(interval, fire)
}

// sendPingreq emits a PINGREQ and arms the PINGRESP deadline. No request
// table entry is involved; the ping either completes by PINGRESP clearing
// the flag or expires by shutting the transport down.
// I/O goroutine only.
func (c *Connection) sendPingreq() {
	s := c.sess
	if s == nil {
		return
	}

	c.opts.Logger.Debug("sending PINGREQ")
	if err := s.send(&packets.PingreqPacket{}); err != nil {
		s.shutdown(err)
		return
	}

	c.waitingPingresp = true

	c.mu.Lock()
	pingTimeout := c.copts.PingTimeout
	c.mu.Unlock()

	cancelTimer(&c.pingrespTimer)
	c.pingrespTimer = c.schedule(pingTimeout, func() {
		c.pingrespTimer = nil
		if c.waitingPingresp && c.sess == s {
			c.opts.Logger.Warn("PINGRESP not received in time, shutting down transport")
			s.shutdown(ErrTimeout)
		}
	})
}

// Ping sends a PINGREQ immediately. The broker's PINGRESP is awaited on the
// usual deadline; a missing response shuts the transport down with a
// timeout.
func (c *Connection) Ping() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.post(c.sendPingreq)
	return nil
}
