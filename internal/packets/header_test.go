package packets

import (
	"bytes"
	"testing"
)

func TestFixedHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header FixedHeader
	}{
		{"zero length", FixedHeader{PacketType: PINGREQ, RemainingLength: 0}},
		{"one byte length", FixedHeader{PacketType: PUBLISH, Flags: 0x0B, RemainingLength: 127}},
		{"two byte length", FixedHeader{PacketType: PUBLISH, RemainingLength: 128}},
		{"three byte length", FixedHeader{PacketType: SUBSCRIBE, Flags: 0x02, RemainingLength: 16384}},
		{"max length", FixedHeader{PacketType: PUBLISH, RemainingLength: 268435455}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if _, err := tt.header.WriteTo(&buf); err != nil {
				t.Fatal(err)
			}

			got, err := DecodeFixedHeader(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.header {
				t.Errorf("decoded %+v, want %+v", got, tt.header)
			}
		})
	}
}

func TestFixedHeaderAppendMatchesWriteTo(t *testing.T) {
	h := FixedHeader{PacketType: PUBLISH, Flags: 0x03, RemainingLength: 321}

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	appended := h.appendBytes(nil)
	if !bytes.Equal(appended, buf.Bytes()) {
		t.Errorf("appendBytes = % X, WriteTo = % X", appended, buf.Bytes())
	}
}

func TestVarIntLimit(t *testing.T) {
	// A fifth length byte (after four continuation bytes) exceeds the spec limit.
	bad := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F})
	if _, err := decodeVarInt(bad); err == nil {
		t.Error("oversized variable byte integer was accepted")
	}
}
