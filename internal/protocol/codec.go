package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// SectionBlockCount is the number of blocks in one section payload.
const SectionBlockCount = 4096

// SectionByteLength is the serialized size of a section: 4096
// little-endian uint16 block ids.
const SectionByteLength = SectionBlockCount * 2

// BlocksToBytes serializes block ids to the 8192-byte little-endian
// form used both on the wire and in the durable store.
func BlocksToBytes(blocks *[SectionBlockCount]uint16) []byte {
	out := make([]byte, SectionByteLength)
	for i, b := range blocks {
		binary.LittleEndian.PutUint16(out[i*2:], b)
	}
	return out
}

// BytesToBlocks deserializes an 8192-byte blob into block ids.
func BytesToBlocks(data []byte) (*[SectionBlockCount]uint16, error) {
	if len(data) != SectionByteLength {
		return nil, fmt.Errorf("section blob must be %d bytes, got %d", SectionByteLength, len(data))
	}
	var blocks [SectionBlockCount]uint16
	for i := range blocks {
		blocks[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return &blocks, nil
}

// EncodeBlocks produces the base64 wire form of a section payload.
func EncodeBlocks(blocks *[SectionBlockCount]uint16) string {
	return base64.StdEncoding.EncodeToString(BlocksToBytes(blocks))
}

// DecodeBlocks parses the base64 wire form back into block ids.
func DecodeBlocks(encoded string) (*[SectionBlockCount]uint16, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode section blocks: %w", err)
	}
	return BytesToBlocks(data)
}
