package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubackPacket represents an MQTT PUBACK control packet (QoS 1 acknowledgment).
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() uint8 {
	return PUBACK
}

// WriteTo writes the PUBACK packet to the writer.
func (p *PubackPacket) WriteTo(w io.Writer) (int64, error) {
	var buf [4]byte
	buf[0] = PUBACK << 4
	buf[1] = 2 // remaining length
	binary.BigEndian.PutUint16(buf[2:], p.PacketID)

	n, err := w.Write(buf[:])
	return int64(n), err
}

// DecodePuback decodes a PUBACK packet from the buffer.
func DecodePuback(buf []byte) (*PubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBACK packet")
	}

	return &PubackPacket{
		PacketID: binary.BigEndian.Uint16(buf[0:2]),
	}, nil
}
