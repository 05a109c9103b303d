// Package voxel implements the coordinate codec, the section type and
// the baseline generator for 16x16x16 world sections.
package voxel

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	// SectionSize is the edge length of a section in blocks.
	SectionSize = 16
	// SectionBlockCount is the number of blocks in a section.
	SectionBlockCount = SectionSize * SectionSize * SectionSize

	// WorldSectionsXZ bounds cx and cz: 0 <= cx, cz < 256.
	WorldSectionsXZ = 256
	// WorldSectionsY bounds sy: 0 <= sy < 8.
	WorldSectionsY = 8

	// WorldBlocksXZ and WorldBlocksY are the world extents in blocks.
	WorldBlocksXZ = WorldSectionsXZ * SectionSize
	WorldBlocksY  = WorldSectionsY * SectionSize
)

// SectionID identifies one 16x16x16 section by its column (cx, cz) and
// vertical slot sy. The canonical string form is "cx:cz:sy".
type SectionID struct {
	CX, CZ, SY int
}

func (id SectionID) String() string {
	return strconv.Itoa(id.CX) + ":" + strconv.Itoa(id.CZ) + ":" + strconv.Itoa(id.SY)
}

// Valid reports whether the id lies inside the world extents.
func (id SectionID) Valid() bool {
	return id.CX >= 0 && id.CX < WorldSectionsXZ &&
		id.CZ >= 0 && id.CZ < WorldSectionsXZ &&
		id.SY >= 0 && id.SY < WorldSectionsY
}

// ParseSectionID parses the "cx:cz:sy" form. Components must be plain
// non-negative integers and the id must lie inside the world extents.
func ParseSectionID(s string) (SectionID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return SectionID{}, fmt.Errorf("section id %q: want cx:cz:sy", s)
	}
	var n [3]int
	for i, p := range parts {
		// Reject signs, spaces and leading-zero oddities that Atoi would
		// otherwise accept; the wire form is canonical.
		if p == "" || p[0] == '+' || p[0] == '-' {
			return SectionID{}, fmt.Errorf("section id %q: component %q not a non-negative integer", s, p)
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return SectionID{}, fmt.Errorf("section id %q: %w", s, err)
		}
		n[i] = v
	}
	id := SectionID{CX: n[0], CZ: n[1], SY: n[2]}
	if !id.Valid() {
		return SectionID{}, fmt.Errorf("section id %q outside world extents", s)
	}
	return id, nil
}

// SectionAt maps world block coordinates to the containing section
// using floor division by 16 per axis.
func SectionAt(x, y, z int) SectionID {
	return SectionID{
		CX: int(math.Floor(float64(x) / SectionSize)),
		CZ: int(math.Floor(float64(z) / SectionSize)),
		SY: int(math.Floor(float64(y) / SectionSize)),
	}
}

// LocalIndex maps local section coordinates to the flat block index:
// ly*256 + lz*16 + lx.
func LocalIndex(lx, ly, lz int) int {
	return ly*SectionSize*SectionSize + lz*SectionSize + lx
}

// Local returns the in-section coordinates of a world block position.
// Valid only for in-bounds positions.
func Local(x, y, z int) (lx, ly, lz int) {
	return x % SectionSize, y % SectionSize, z % SectionSize
}

// InBounds reports whether a world block position lies inside the
// world extents.
func InBounds(x, y, z int) bool {
	return x >= 0 && x < WorldBlocksXZ &&
		y >= 0 && y < WorldBlocksY &&
		z >= 0 && z < WorldBlocksXZ
}

// SectionsInRadius returns the closed disk of section columns within
// r of center in (cx, cz), each with the full sy column, clipped to
// world bounds. The result is ordered by Manhattan distance to the
// center section, ties broken lexicographically on (cx, cz, sy).
func SectionsInRadius(center SectionID, r int) []SectionID {
	if r < 0 {
		return nil
	}
	out := make([]SectionID, 0, (2*r+1)*(2*r+1)*WorldSectionsY)
	for cx := center.CX - r; cx <= center.CX+r; cx++ {
		if cx < 0 || cx >= WorldSectionsXZ {
			continue
		}
		for cz := center.CZ - r; cz <= center.CZ+r; cz++ {
			if cz < 0 || cz >= WorldSectionsXZ {
				continue
			}
			dx, dz := cx-center.CX, cz-center.CZ
			if dx*dx+dz*dz > r*r {
				continue
			}
			for sy := 0; sy < WorldSectionsY; sy++ {
				out = append(out, SectionID{CX: cx, CZ: cz, SY: sy})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := manhattan(out[i], center), manhattan(out[j], center)
		if di != dj {
			return di < dj
		}
		if out[i].CX != out[j].CX {
			return out[i].CX < out[j].CX
		}
		if out[i].CZ != out[j].CZ {
			return out[i].CZ < out[j].CZ
		}
		return out[i].SY < out[j].SY
	})
	return out
}

func manhattan(a, b SectionID) int {
	return abs(a.CX-b.CX) + abs(a.CZ-b.CZ) + abs(a.SY-b.SY)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
