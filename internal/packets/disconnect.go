package packets

import (
	"io"
)

// DisconnectPacket represents an MQTT DISCONNECT control packet.
// In MQTT 3.1.1 it carries no variable header or payload.
type DisconnectPacket struct{}

// Type returns the packet type.
func (p *DisconnectPacket) Type() uint8 {
	return DISCONNECT
}

// WriteTo writes the DISCONNECT packet to the writer.
func (p *DisconnectPacket) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte{DISCONNECT << 4, 0})
	return int64(n), err
}

// DecodeDisconnect decodes a DISCONNECT packet (no payload).
func DecodeDisconnect(buf []byte) (*DisconnectPacket, error) {
	return &DisconnectPacket{}, nil
}
