// Package tilekey addresses terrain tiles in a quadtree and computes the
// parent and cardinal neighbor of an address for a given tiling profile.
package tilekey

import (
	"fmt"

	"github.com/google/hilbert"
)

// Address identifies a tile by quadtree level and column/row at that level.
// Row 0 is the southernmost row; NORTH increases Y.
type Address struct {
	Level uint32
	X     uint32
	Y     uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Level, a.X, a.Y)
}

// Parent returns the address one level up. The root level has no parent.
func (a Address) Parent() (Address, bool) {
	if a.Level == 0 {
		return a, false
	}
	return Address{Level: a.Level - 1, X: a.X / 2, Y: a.Y / 2}, true
}

// Ancestor returns the address that covers a at the given (shallower) level.
// A level at or below a.Level returns a unchanged.
func (a Address) Ancestor(level uint32) Address {
	if level >= a.Level {
		return a
	}
	shift := a.Level - level
	return Address{Level: level, X: a.X >> shift, Y: a.Y >> shift}
}

// Children returns the four addresses one level down.
func (a Address) Children() [4]Address {
	l, x, y := a.Level+1, a.X*2, a.Y*2
	return [4]Address{
		{Level: l, X: x, Y: y},
		{Level: l, X: x + 1, Y: y},
		{Level: l, X: x, Y: y + 1},
		{Level: l, X: x + 1, Y: y + 1},
	}
}

// maxCodeLevel bounds the Hilbert index so that the cumulative offset of all
// shallower levels plus the curve index still fits in a uint64.
const maxCodeLevel = 30

// Code returns a pmtiles-style key: the count of cells on all shallower levels
// plus the Hilbert index of the tile within its level. Tiles adjacent in Code
// order are usually adjacent on the ground.
func (a Address) Code() uint64 {
	level := min(a.Level, maxCodeLevel)
	// side covers two-wide base profiles (geodetic) as well as square ones.
	side := 1 << (level + 1)
	var offset uint64
	for l := uint32(0); l < level; l++ {
		offset += 1 << (2 * (l + 1))
	}
	h, err := hilbert.NewHilbert(side)
	if err == nil && int(a.X) < side && int(a.Y) < side {
		if t, err := h.MapInverse(int(a.X), int(a.Y)); err == nil {
			return offset + uint64(t)
		}
	}
	// Grids wider than the curve fall back to row-major order.
	return offset + uint64(a.Y)*uint64(side) + uint64(a.X)
}

// Less orders addresses by level, then by Code, then by value.
func (a Address) Less(b Address) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	if ca, cb := a.Code(), b.Code(); ca != cb {
		return ca < cb
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.X < b.X
}
