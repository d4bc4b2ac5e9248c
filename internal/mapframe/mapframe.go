// Package mapframe holds an immutable snapshot of the map's layer set as seen
// by the terrain engine during one pass.
package mapframe

import "github.com/freeeve/lodterrain/internal/tilekey"

// LayerID uniquely identifies a layer within a map.
type LayerID int

// Layer ids the engine keeps for itself. A map must not use them.
const (
	// ElevationStateID tags the elevation entry among a tile's layer states.
	ElevationStateID LayerID = -1
	// ElevationServiceID keys the elevation task service.
	ElevationServiceID LayerID = 9999
	// TileCompileServiceID keys the tile-compile task service.
	TileCompileServiceID LayerID = 10000
)

// Reserved reports whether id is kept for the engine's own use.
func (id LayerID) Reserved() bool {
	return id == ElevationStateID || id == ElevationServiceID || id == TileCompileServiceID
}

// DefaultLoadingWeight is used for layers that do not configure one.
const DefaultLoadingWeight = 1.0

// Layer is one elevation or imagery source.
type Layer struct {
	ID            LayerID `yaml:"id" json:"id"`
	Name          string  `yaml:"name" json:"name"`
	LoadingWeight float64 `yaml:"loading_weight" json:"loading_weight"`
}

// Weight returns the configured loading weight, or the default when unset.
// Negative weights count as zero.
func (l Layer) Weight() float64 {
	if l.LoadingWeight < 0 {
		return 0
	}
	if l.LoadingWeight == 0 {
		return DefaultLoadingWeight
	}
	return l.LoadingWeight
}

// Frame is a consistent view of the map. Callers must not mutate a Frame after
// handing it to the engine.
type Frame struct {
	Revision        int
	Profile         tilekey.Profile
	ElevationLayers []Layer
	ImageLayers     []Layer
}

// Wraps reports whether the frame's profile wraps horizontally.
func (f *Frame) Wraps() bool {
	return f.Profile != nil && f.Profile.WrapsX()
}

// ImageLayer looks up an imagery layer by id.
func (f *Frame) ImageLayer(id LayerID) (Layer, bool) {
	for _, l := range f.ImageLayers {
		if l.ID == id {
			return l, true
		}
	}
	return Layer{}, false
}

// HasElevation reports whether the frame carries any elevation layer.
func (f *Frame) HasElevation() bool {
	return len(f.ElevationLayers) > 0
}
