package voxel

// GeneratorVersion identifies the baseline terrain function. Version 1
// is the flat world: stone at world-y 0..3, grass at world-y 4, air
// above. Worlds advertise the generator version they were created
// with; admission rejects clients computing a different baseline.
const GeneratorVersion = 1

// Spawn is the spawn position for generator version 1, on top of the
// grass layer in section column 0:0.
var Spawn = [3]float64{8.5, 5, 8.5}

// Generate produces the deterministic baseline blocks for a section.
// It is a pure function of the section id and never touches the store.
func Generate(id SectionID) [SectionBlockCount]uint16 {
	var blocks [SectionBlockCount]uint16
	if id.SY != 0 {
		// Only the bottom section of each column holds terrain; all
		// other sections are air.
		return blocks
	}
	for ly := 0; ly < SectionSize; ly++ {
		worldY := id.SY*SectionSize + ly
		var block uint16
		switch {
		case worldY <= 3:
			block = BlockStone
		case worldY == 4:
			block = BlockGrass
		default:
			continue
		}
		for lz := 0; lz < SectionSize; lz++ {
			for lx := 0; lx < SectionSize; lx++ {
				blocks[LocalIndex(lx, ly, lz)] = block
			}
		}
	}
	return blocks
}

// NewBaselineSection builds an in-memory section from the generator.
func NewBaselineSection(id SectionID) *Section {
	return &Section{ID: id, Blocks: Generate(id)}
}
