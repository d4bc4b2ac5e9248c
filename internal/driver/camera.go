package driver

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Camera is a top-down view centered on a point, with a view radius in
// degrees. It moves along a constant heading each frame.
type Camera struct {
	Center  orb.Point
	Radius  float64 // half the view width in degrees
	Heading float64 // degrees clockwise from north
	Speed   float64 // degrees per frame; 0 holds still
}

// View returns the visible region.
func (c Camera) View() orb.Bound {
	return orb.Bound{
		Min: orb.Point{c.Center.Lon() - c.Radius, c.Center.Lat() - c.Radius},
		Max: orb.Point{c.Center.Lon() + c.Radius, c.Center.Lat() + c.Radius},
	}
}

// Step advances the camera one frame, wrapping longitude and clamping
// latitude.
func (c *Camera) Step() {
	if c.Speed == 0 {
		return
	}
	rad := c.Heading * math.Pi / 180
	lon := c.Center.Lon() + c.Speed*math.Sin(rad)
	lat := c.Center.Lat() + c.Speed*math.Cos(rad)
	lon = math.Mod(lon+540, 360) - 180
	lat = math.Max(-89.9, math.Min(89.9, lat))
	c.Center = orb.Point{lon, lat}
}

// intersects tests a tile bound against the view, also trying the view
// shifted by a full turn when the profile wraps.
func intersects(view, b orb.Bound, wraps bool) bool {
	if view.Intersects(b) {
		return true
	}
	if !wraps {
		return false
	}
	for _, shift := range []float64{-360, 360} {
		shifted := orb.Bound{
			Min: orb.Point{view.Min.Lon() + shift, view.Min.Lat()},
			Max: orb.Point{view.Max.Lon() + shift, view.Max.Lat()},
		}
		if shifted.Intersects(b) {
			return true
		}
	}
	return false
}

// selectTiles walks the quadtree from the root tiles and returns every
// visited tile (interior nodes included) in visit order. A tile is refined
// while it is wider than the view radius divided by split.
func selectTiles(p tilekey.Profile, view orb.Bound, radius, split float64, maxLevel uint32) []tilekey.Address {
	var out []tilekey.Address
	var visit func(a tilekey.Address)
	visit = func(a tilekey.Address) {
		b := p.Bound(a)
		if !intersects(view, b, p.WrapsX()) {
			return
		}
		out = append(out, a)
		if a.Level >= maxLevel || b.Max.Lon()-b.Min.Lon() <= radius/split {
			return
		}
		for _, c := range a.Children() {
			visit(c)
		}
	}
	nx, ny := p.NumTiles(0)
	for x := uint32(0); x < nx; x++ {
		for y := uint32(0); y < ny; y++ {
			visit(tilekey.Address{X: x, Y: y})
		}
	}
	return out
}
