package voxel

import "time"

// Well-known block ids used by generator version 1.
const (
	BlockAir   uint16 = 0
	BlockStone uint16 = 1
	BlockGrass uint16 = 2
)

// Section is the in-memory form of one 16x16x16 unit of world state.
// A freshly generated section has Version 0; once persisted it carries
// the stored version, which is always >= 1 after the first flush.
type Section struct {
	ID     SectionID
	Blocks [SectionBlockCount]uint16

	// Version increments by exactly one on each accepted edit and is
	// strictly monotonic per section id.
	Version int64
	// Dirty marks contents that differ from the durable store.
	Dirty bool
	// FromStore marks sections loaded from persistence rather than
	// produced by the baseline generator.
	FromStore  bool
	LastAccess time.Time
}

// Block returns the block id at local coordinates.
func (s *Section) Block(lx, ly, lz int) uint16 {
	return s.Blocks[LocalIndex(lx, ly, lz)]
}

// SetBlock overwrites the block id at local coordinates.
func (s *Section) SetBlock(lx, ly, lz int, id uint16) {
	s.Blocks[LocalIndex(lx, ly, lz)] = id
}
