package tilekey

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Direction selects one member of a tile's family.
type Direction int

const (
	Parent Direction = iota
	West
	North
	East
	South

	// NumRelatives is the size of a tile family.
	NumRelatives = 5
)

func (d Direction) String() string {
	switch d {
	case Parent:
		return "parent"
	case West:
		return "west"
	case North:
		return "north"
	case East:
		return "east"
	case South:
		return "south"
	}
	return "unknown"
}

// Profile describes the tiling scheme: how many tiles exist at each level and
// whether the grid wraps around horizontally.
type Profile interface {
	Name() string
	// NumTiles returns the tile counts along X and Y at a level.
	NumTiles(level uint32) (nx, ny uint32)
	// WrapsX reports whether the profile covers the whole globe horizontally,
	// so the westmost and eastmost columns are neighbors.
	WrapsX() bool
	// Bound returns the geographic extent (lon/lat degrees) of a tile.
	Bound(a Address) orb.Bound
}

// Grid is a profile of BaseX by BaseY tiles at level 0 that doubles in each
// dimension per level, spanning the given extent.
type Grid struct {
	ProfileName string
	BaseX       uint32
	BaseY       uint32
	Wrap        bool
	Extent      orb.Bound
}

var wholeWorld = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// Geodetic is the whole-globe lat/lon profile: two tiles at level 0, wrapping in X.
func Geodetic() Grid {
	return Grid{ProfileName: "global-geodetic", BaseX: 2, BaseY: 1, Wrap: true, Extent: wholeWorld}
}

// NewGrid returns a square-rooted profile, mostly useful for tests and flat maps.
func NewGrid(baseX, baseY uint32, wrap bool) Grid {
	return Grid{ProfileName: "grid", BaseX: baseX, BaseY: baseY, Wrap: wrap, Extent: wholeWorld}
}

func (g Grid) Name() string { return g.ProfileName }

func (g Grid) NumTiles(level uint32) (uint32, uint32) {
	return g.BaseX << level, g.BaseY << level
}

func (g Grid) WrapsX() bool { return g.Wrap }

func (g Grid) Bound(a Address) orb.Bound {
	nx, ny := g.NumTiles(a.Level)
	w := (g.Extent.Max[0] - g.Extent.Min[0]) / float64(nx)
	h := (g.Extent.Max[1] - g.Extent.Min[1]) / float64(ny)
	minX := g.Extent.Min[0] + float64(a.X)*w
	minY := g.Extent.Min[1] + float64(a.Y)*h
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{minX + w, minY + h}}
}

// Mercator is the spherical-mercator web map profile: one tile at level 0.
// It is treated as a projected (flat) map, so it does not wrap.
type Mercator struct{}

func (Mercator) Name() string { return "spherical-mercator" }

func (Mercator) NumTiles(level uint32) (uint32, uint32) {
	return 1 << level, 1 << level
}

func (Mercator) WrapsX() bool { return false }

// Bound converts to the XYZ (top-down) scheme maptile uses.
func (Mercator) Bound(a Address) orb.Bound {
	return MapTile(a).Bound()
}

// MapTile converts an address to a web-map tile, flipping the row order.
func MapTile(a Address) maptile.Tile {
	n := uint32(1) << a.Level
	return maptile.New(a.X, n-1-a.Y, maptile.Zoom(a.Level))
}

// FromMapTile is the inverse of MapTile.
func FromMapTile(t maptile.Tile) Address {
	n := uint32(1) << uint32(t.Z)
	return Address{Level: uint32(t.Z), X: t.X, Y: n - 1 - t.Y}
}

// Neighbor returns the address adjacent to a in the given direction. Columns
// and rows wrap modulo the level's tile count; whether the neighbor should
// exist at all is answered by Expected.
func Neighbor(p Profile, a Address, d Direction) Address {
	nx, ny := p.NumTiles(a.Level)
	switch d {
	case Parent:
		parent, _ := a.Parent()
		return parent
	case West:
		if a.X == 0 {
			return Address{Level: a.Level, X: nx - 1, Y: a.Y}
		}
		return Address{Level: a.Level, X: a.X - 1, Y: a.Y}
	case East:
		if a.X+1 >= nx {
			return Address{Level: a.Level, X: 0, Y: a.Y}
		}
		return Address{Level: a.Level, X: a.X + 1, Y: a.Y}
	case North:
		if a.Y+1 >= ny {
			return Address{Level: a.Level, X: a.X, Y: 0}
		}
		return Address{Level: a.Level, X: a.X, Y: a.Y + 1}
	case South:
		if a.Y == 0 {
			return Address{Level: a.Level, X: a.X, Y: ny - 1}
		}
		return Address{Level: a.Level, X: a.X, Y: a.Y - 1}
	}
	return a
}

// Expected reports whether a tile in direction d is topologically supposed to
// exist. Only horizontal edges wrap; the poles never do.
func Expected(p Profile, a Address, d Direction) bool {
	nx, ny := p.NumTiles(a.Level)
	switch d {
	case Parent:
		return a.Level > 0
	case West:
		return a.X > 0 || p.WrapsX()
	case East:
		return a.X+1 < nx || p.WrapsX()
	case North:
		return a.Y+1 < ny
	case South:
		return a.Y > 0
	}
	return false
}
