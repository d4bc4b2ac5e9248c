package engine

import (
	"strconv"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	Mode              string               `json:"mode"`
	Revision          int                  `json:"revision"`
	Stamp             int64                `json:"stamp"`
	LiveTiles         int                  `json:"live_tiles"`
	TilesShuttingDown int                  `json:"tiles_shutting_down"`
	ReleaseQueue      int                  `json:"release_queue"`
	TasksRemaining    int                  `json:"tasks_remaining"`
	LoadingThreads    int                  `json:"loading_threads"`
	QuickRelease      bool                 `json:"quick_release"`
	Registered        int64                `json:"registered"`
	Retired           int64                `json:"retired"`
	Revived           int64                `json:"revived"`
	Services          []taskservice.Status `json:"services"`
}

// Stats returns the engine's diagnostic counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Mode:              e.mode.String(),
		Revision:          e.Revision(),
		Stamp:             e.lastStamp.Load(),
		LiveTiles:         e.NumTiles(),
		TilesShuttingDown: e.shutdown.Len(),
		ReleaseQueue:      e.release.Len(),
		TasksRemaining:    e.NumTasksRemaining(),
		LoadingThreads:    e.loadingThreads,
		QuickRelease:      e.quickRelease(),
		Registered:        e.registered.Load(),
		Retired:           e.retired.Load(),
		Revived:           e.revived.Load(),
		Services:          e.registry.Statuses(),
	}
}

// TileInfo describes one live tile for diagnostics.
type TileInfo struct {
	Key             string         `json:"key"`
	Level           uint32         `json:"level"`
	ElevationLOD    int            `json:"elevation_lod"`
	ImageLODs       map[string]int `json:"image_lods"`
	Refs            int            `json:"refs"`
	Traversed       bool           `json:"traversed"`
	LastTraversal   int64          `json:"last_traversal"`
	PendingRequests int            `json:"pending_requests"`
	ShuttingDown    bool           `json:"shutting_down"`
	Neighbors       []NeighborInfo `json:"neighbors"`
}

// NeighborInfo is one family member of a TileInfo.
type NeighborInfo struct {
	Direction    string `json:"direction"`
	Key          string `json:"key"`
	Expected     bool   `json:"expected"`
	ElevationLOD int    `json:"elevation_lod"`
}

// Describe reports diagnostics for t.
func (e *Engine) Describe(t *tile.Tile) TileInfo {
	info := TileInfo{
		Key:             t.Key().String(),
		Level:           t.Key().Level,
		ElevationLOD:    t.ElevationLOD(),
		ImageLODs:       make(map[string]int),
		Refs:            t.ExternalRefs(),
		Traversed:       t.Traversed(),
		LastTraversal:   t.LastTraversal(),
		PendingRequests: t.NumPendingRequests(),
		ShuttingDown:    e.shutdown.Contains(t),
	}
	for _, l := range t.ColorLayers() {
		info.ImageLODs[layerName(e.Frame(), l)] = l.LOD()
	}
	for d, rel := range t.Family() {
		info.Neighbors = append(info.Neighbors, NeighborInfo{
			Direction:    directionName(d),
			Key:          rel.Key.String(),
			Expected:     rel.Expected,
			ElevationLOD: rel.ElevationLOD,
		})
	}
	return info
}

func directionName(d int) string {
	return tilekey.Direction(d).String()
}

// layerName keys a layer in TileInfo.ImageLODs. The id keeps layers that
// share a name apart.
func layerName(frame *mapframe.Frame, l tile.LayerState) string {
	id := strconv.Itoa(int(l.LayerID()))
	if layer, ok := frame.ImageLayer(l.LayerID()); ok && layer.Name != "" {
		return layer.Name + " (" + id + ")"
	}
	return id
}
