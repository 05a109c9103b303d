package protocol

import (
	"encoding/base64"
	"testing"
)

func TestBlockCodecRoundTrip(t *testing.T) {
	var blocks [SectionBlockCount]uint16
	for i := range blocks {
		blocks[i] = uint16(i * 7)
	}

	encoded := EncodeBlocks(&blocks)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("encoded blocks are not valid base64: %v", err)
	}
	if len(raw) != SectionByteLength {
		t.Fatalf("encoded payload is %d bytes, want %d", len(raw), SectionByteLength)
	}
	// Little-endian: block id 7 at index 1 must serialize as 0x07 0x00.
	if raw[2] != 0x07 || raw[3] != 0x00 {
		t.Fatalf("payload not little-endian: bytes 2..3 = %#x %#x", raw[2], raw[3])
	}

	decoded, err := DecodeBlocks(encoded)
	if err != nil {
		t.Fatalf("DecodeBlocks: %v", err)
	}
	if *decoded != blocks {
		t.Fatal("round trip did not preserve block ids")
	}
}

func TestDecodeBlocksRejectsWrongLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString(make([]byte, 100))
	if _, err := DecodeBlocks(short); err == nil {
		t.Fatal("expected error for 100-byte payload")
	}
	if _, err := DecodeBlocks("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestPeekHeader(t *testing.T) {
	h, err := PeekHeader([]byte(`{"type":"HELLO","protocol_version":1,"world_id":"w1"}`))
	if err != nil {
		t.Fatalf("PeekHeader: %v", err)
	}
	if h.Type != TypeHello || h.ProtocolVersion != 1 {
		t.Fatalf("unexpected header: %+v", h)
	}

	if _, err := PeekHeader([]byte(`{`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if _, err := PeekHeader([]byte(`{"protocol_version":1}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}
