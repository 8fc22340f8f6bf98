package mqtt

import "sync/atomic"

// connectionStats holds the atomically maintained counters.
type connectionStats struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	reconnects      atomic.Uint64
}

// Stats holds connection and throughput statistics.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Reconnects      uint64
	State           ConnectionState
}

// GetStats returns the current connection statistics.
func (c *Connection) GetStats() Stats {
	return Stats{
		PacketsSent:     c.stats.packetsSent.Load(),
		PacketsReceived: c.stats.packetsReceived.Load(),
		BytesSent:       c.stats.bytesSent.Load(),
		BytesReceived:   c.stats.bytesReceived.Load(),
		Reconnects:      c.stats.reconnects.Load(),
		State:           c.State(),
	}
}
