package mqtt

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// resetBackoff rebuilds the reconnect schedule from the configured bounds.
// I/O goroutine only.
func (c *Connection) resetBackoff(min, max time.Duration) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min
	bo.MaxInterval = max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	c.bo = bo
	c.currentDelay = 0
}

// scheduleReconnect arms the next reconnect attempt. The delay starts at the
// configured minimum and doubles on every failed attempt, clamped at the
// maximum. I/O goroutine only.
func (c *Connection) scheduleReconnect() {
	delay := c.bo.NextBackOff()
	c.currentDelay = delay

	c.opts.Logger.Debug("scheduling reconnect", "delay", delay)

	c.reconnectTimer = c.schedule(delay, c.attemptReconnect)
}

// attemptReconnect fires when the backoff delay elapses. I/O goroutine only.
func (c *Connection) attemptReconnect() {
	c.reconnectTimer = nil

	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.opts.Logger.Debug("attempting reconnect")
	c.startConnectAttempt(true)
}

// armBackoffReset schedules the backoff reset check. The reconnect delay
// returns to its minimum only once the connection has stayed up for the
// stability window past this timer's arm point; the current delay is added
// so a connect that briefly succeeds after a long outage does not reset the
// schedule prematurely. I/O goroutine only.
func (c *Connection) armBackoffReset() {
	cancelTimer(&c.resetTimer)

	window := stableConnectionWindow + c.currentDelay
	c.resetTimer = c.schedule(window, func() {
		c.resetTimer = nil

		c.mu.Lock()
		connected := c.state == StateConnected
		c.mu.Unlock()

		if connected {
			c.opts.Logger.Debug("connection stable, resetting reconnect backoff")
			c.bo.Reset()
			c.currentDelay = 0
		}
	})
}
