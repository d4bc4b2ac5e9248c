package tile

import (
	"maps"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// NoLOD marks a layer (or relative) with no data resolved yet.
const NoLOD = -1

// LayerState is the view of one layer's load state shared by every layer
// variant a tile keeps.
type LayerState interface {
	LayerID() mapframe.LayerID
	LOD() int
}

// ElevationLayerID is the LayerState id reported for a tile's elevation line,
// which composites all elevation layers.
const ElevationLayerID = mapframe.ElevationStateID

type layerState struct {
	id       mapframe.LayerID
	lod      int
	data     []byte
	failures int
}

func (l layerState) LayerID() mapframe.LayerID { return l.id }
func (l layerState) LOD() int                  { return l.lod }

// Relative is a snapshot of one member of a tile's family as of the last
// update pass.
type Relative struct {
	Key          tilekey.Address
	Expected     bool
	ElevationLOD int
	// ImageLODs must be treated as read-only; a fresh map is built every pass.
	ImageLODs map[mapframe.LayerID]int
}

// ImageLOD returns the relative's LOD for a layer, or NoLOD if the relative
// was absent or lacked the layer.
func (r Relative) ImageLOD(id mapframe.LayerID) (int, bool) {
	lod, ok := r.ImageLODs[id]
	if !ok {
		return NoLOD, false
	}
	return lod, true
}

// Family holds the parent and four cardinal neighbors, indexed by
// tilekey.Direction.
type Family [tilekey.NumRelatives]Relative

// Clone returns a deep copy.
func (f Family) Clone() Family {
	out := f
	for i := range out {
		out[i].ImageLODs = maps.Clone(f[i].ImageLODs)
	}
	return out
}

// NewRelative describes a relative from a live tile, or an absent relative
// when t is nil.
func NewRelative(key tilekey.Address, expected bool, t *Tile) Relative {
	rel := Relative{
		Key:          key,
		Expected:     expected,
		ElevationLOD: NoLOD,
		ImageLODs:    make(map[mapframe.LayerID]int),
	}
	if t == nil {
		return rel
	}
	rel.ElevationLOD = t.ElevationLOD()
	for _, l := range t.ColorLayers() {
		rel.ImageLODs[l.LayerID()] = l.LOD()
	}
	return rel
}
