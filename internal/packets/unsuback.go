package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UnsubackPacket represents an MQTT UNSUBACK control packet.
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() uint8 {
	return UNSUBACK
}

// WriteTo writes the UNSUBACK packet to the writer.
func (p *UnsubackPacket) WriteTo(w io.Writer) (int64, error) {
	var buf [4]byte
	buf[0] = UNSUBACK << 4
	buf[1] = 2 // remaining length
	binary.BigEndian.PutUint16(buf[2:], p.PacketID)

	n, err := w.Write(buf[:])
	return int64(n), err
}

// DecodeUnsuback decodes an UNSUBACK packet from the buffer.
func DecodeUnsuback(buf []byte) (*UnsubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for UNSUBACK packet")
	}

	return &UnsubackPacket{
		PacketID: binary.BigEndian.Uint16(buf[0:2]),
	}, nil
}
