// Package tile holds one terrain tile: its per-layer load state, its
// outstanding asynchronous requests and the family snapshot refreshed by the
// engine every update pass.
package tile

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Loader fetches and decodes layer data for a tile address. Implementations
// must honor ctx cancellation.
type Loader interface {
	LoadElevation(ctx context.Context, layers []mapframe.Layer, key tilekey.Address) ([]byte, error)
	LoadImagery(ctx context.Context, layer mapframe.Layer, key tilekey.Address) ([]byte, error)
}

// Services resolves the task service for each request line. Imagery
// services are looked up, never created; a layer without one gets no
// requests.
type Services interface {
	Elevation() *taskservice.Service
	LookupImagery(layer mapframe.LayerID) (*taskservice.Service, bool)
}

// RenderState is whatever the renderer hands to release calls.
type RenderState = any

// GPUResources is a tile's renderer-side state. ReleaseResources is only ever
// called on the render thread.
type GPUResources interface {
	ReleaseResources(rs RenderState)
}

// Config configures a Tile.
type Config struct {
	Key      tilekey.Address
	Mode     config.Mode
	Loader   Loader
	Services Services
	Logger   zerolog.Logger
}

// Tile is one node of the quadtree.
type Tile struct {
	key      tilekey.Address
	mode     config.Mode
	loader   Loader
	services Services
	log      zerolog.Logger

	mu        sync.Mutex
	elevation layerState
	imagery   map[mapframe.LayerID]*layerState
	elevReq   *Request
	imageReqs map[mapframe.LayerID]*Request
	revision  int

	familyMu sync.RWMutex
	family   Family

	refs          atomic.Int32
	traversed     atomic.Bool
	lastTraversal atomic.Int64

	gpuMu    sync.Mutex
	gpu      GPUResources
	released bool
}

// New creates a tile with no layer data.
func New(cfg Config) *Tile {
	t := &Tile{
		key:       cfg.Key,
		mode:      cfg.Mode,
		loader:    cfg.Loader,
		services:  cfg.Services,
		log:       cfg.Logger.With().Str("tile", cfg.Key.String()).Logger(),
		elevation: layerState{id: ElevationLayerID, lod: NoLOD},
		imagery:   make(map[mapframe.LayerID]*layerState),
		imageReqs: make(map[mapframe.LayerID]*Request),
	}
	for d := range t.family {
		t.family[d] = Relative{ElevationLOD: NoLOD}
	}
	return t
}

// Key returns the tile's address.
func (t *Tile) Key() tilekey.Address { return t.key }

// Revision counts visible data changes.
func (t *Tile) Revision() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revision
}

// SetElevation installs elevation data built synchronously, e.g. by a tile
// factory. Data at or below the current LOD is ignored.
func (t *Tile) SetElevation(lod int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lod > t.elevation.lod {
		t.elevation.lod, t.elevation.data = lod, data
		t.revision++
	}
}

// SetImagery installs imagery data for one layer built synchronously.
func (t *Tile) SetImagery(layer mapframe.LayerID, lod int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.imageStateLocked(layer)
	if lod > st.lod {
		st.lod, st.data = lod, data
		t.revision++
	}
}

// ElevationLOD returns the elevation LOD, or NoLOD.
func (t *Tile) ElevationLOD() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elevation.lod
}

// ElevationData returns the current elevation payload.
func (t *Tile) ElevationData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elevation.data
}

// ImageryLOD returns the LOD held for an imagery layer.
func (t *Tile) ImageryLOD(layer mapframe.LayerID) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.imagery[layer]
	if !ok {
		return NoLOD, false
	}
	return st.lod, true
}

// ImageryData returns the current payload for an imagery layer.
func (t *Tile) ImageryData(layer mapframe.LayerID) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.imagery[layer]; ok {
		return st.data
	}
	return nil
}

// ColorLayers returns a snapshot of every imagery layer's state ordered by id.
func (t *Tile) ColorLayers() []LayerState {
	t.mu.Lock()
	out := make([]LayerState, 0, len(t.imagery))
	for _, st := range t.imagery {
		out = append(out, *st)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LayerID() < out[j].LayerID() })
	return out
}

// Layers returns the elevation state followed by every imagery state.
func (t *Tile) Layers() []LayerState {
	t.mu.Lock()
	elev := t.elevation
	t.mu.Unlock()
	return append([]LayerState{elev}, t.ColorLayers()...)
}

func (t *Tile) imageStateLocked(layer mapframe.LayerID) *layerState {
	st, ok := t.imagery[layer]
	if !ok {
		st = &layerState{id: layer, lod: NoLOD}
		t.imagery[layer] = st
	}
	return st
}

// Family returns a copy of the last family snapshot.
func (t *Tile) Family() Family {
	t.familyMu.RLock()
	defer t.familyMu.RUnlock()
	return t.family
}

// SetFamily replaces the family snapshot.
func (t *Tile) SetFamily(f Family) {
	t.familyMu.Lock()
	t.family = f
	t.familyMu.Unlock()
}

// MarkTraversed records that the tile was reached by the cull traversal
// during the frame with the given stamp.
func (t *Tile) MarkTraversed(stamp int64) {
	t.lastTraversal.Store(stamp)
	t.traversed.Store(true)
}

// Traversed reports whether the tile has ever been traversed.
func (t *Tile) Traversed() bool { return t.traversed.Load() }

// LastTraversal returns the stamp of the last traversal.
func (t *Tile) LastTraversal() int64 { return t.lastTraversal.Load() }

// IsVisible reports whether the tile was traversed in the frame with the
// given stamp or the one before it.
func (t *Tile) IsVisible(stamp int64) bool {
	if !t.traversed.Load() {
		return false
	}
	d := stamp - t.lastTraversal.Load()
	return d >= 0 && d <= 1
}

// Acquire adds an external referent.
func (t *Tile) Acquire() { t.refs.Add(1) }

// Release drops an external referent.
func (t *Tile) Release() {
	if t.refs.Add(-1) < 0 {
		t.refs.Store(0)
		t.log.Warn().Msg("tile released more often than acquired")
	}
}

// ExternalRefs returns the number of referents other than the engine.
func (t *Tile) ExternalRefs() int { return int(t.refs.Load()) }

// SetGPUResources attaches renderer state released by ReleaseResources.
func (t *Tile) SetGPUResources(g GPUResources) {
	t.gpuMu.Lock()
	t.gpu = g
	t.gpuMu.Unlock()
}

// ReleaseResources frees renderer state. Must run on the render thread.
// Subsequent calls do nothing.
func (t *Tile) ReleaseResources(rs RenderState) {
	t.gpuMu.Lock()
	defer t.gpuMu.Unlock()
	if t.released {
		return
	}
	t.released = true
	if t.gpu != nil {
		t.gpu.ReleaseResources(rs)
		t.gpu = nil
	}
}

// ResourcesReleased reports whether ReleaseResources has run.
func (t *Tile) ResourcesReleased() bool {
	t.gpuMu.Lock()
	defer t.gpuMu.Unlock()
	return t.released
}

// EnqueueImageryRequest starts an asynchronous load of one imagery layer at
// lod. It does nothing and returns false if a request for the layer is
// already outstanding or the layer has no task service.
func (t *Tile) EnqueueImageryRequest(layer mapframe.Layer, lod int, stamp int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.imageReqs[layer.ID] != nil {
		return false
	}
	svc, ok := t.services.LookupImagery(layer.ID)
	if !ok {
		t.log.Debug().Int("layer", int(layer.ID)).Msg("no service for layer, request skipped")
		return false
	}
	key := t.key.Ancestor(uint32(lod))
	req := newRequest(layer.ID, false, key, stamp, svc, func(ctx context.Context) ([]byte, error) {
		return t.loader.LoadImagery(ctx, layer, key)
	})
	t.imageReqs[layer.ID] = req
	t.submit(req)
	return true
}

// EnqueueElevationRequest starts an asynchronous composite load of the
// frame's elevation layers at lod. It does nothing and returns false if an
// elevation request is already outstanding.
func (t *Tile) EnqueueElevationRequest(frame *mapframe.Frame, lod int, stamp int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.elevReq != nil {
		return false
	}
	key := t.key.Ancestor(uint32(lod))
	layers := frame.ElevationLayers
	req := newRequest(ElevationLayerID, true, key, stamp, t.services.Elevation(), func(ctx context.Context) ([]byte, error) {
		return t.loader.LoadElevation(ctx, layers, key)
	})
	t.elevReq = req
	t.submit(req)
	return true
}

func (t *Tile) submit(req *Request) {
	if err := req.service.Submit(req); err != nil {
		t.log.Debug().Err(err).Str("service", req.service.Name()).Msg("request not submitted")
		req.fail(err)
	}
}

// HasPendingRequests reports whether any request line is occupied.
func (t *Tile) HasPendingRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elevReq != nil || len(t.imageReqs) > 0
}

// NumPendingRequests counts occupied request lines.
func (t *Tile) NumPendingRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.imageReqs)
	if t.elevReq != nil {
		n++
	}
	return n
}

// targetLOD picks the next LOD to request given the tile's current LOD for a
// layer and the parent's LOD for the same layer (hasParent false when the
// parent is absent). A negative result means nothing to request yet.
func (t *Tile) targetLOD(current, parentLOD int, hasParent bool) int {
	level := int(t.key.Level)
	if current >= level {
		return NoLOD
	}
	switch t.mode {
	case config.ModePreemptive:
		return level
	case config.ModeSequential:
		next := current + 1
		if hasParent && next > parentLOD+1 {
			return NoLOD
		}
		return next
	}
	return NoLOD
}

// touchPending moves the stamp of an outstanding request forward so it is
// not expired or discarded while the tile still wants it.
func (t *Tile) touchPending(elevation bool, layer mapframe.LayerID, stamp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := t.elevReq
	if !elevation {
		req = t.imageReqs[layer]
	}
	if req != nil {
		req.Touch(stamp)
	}
}

// ServicePendingElevationRequests enqueues the next elevation load for a
// visible tile under the sequential or preemptive modes. It reports whether a
// request was enqueued. An outstanding request is refreshed instead.
func (t *Tile) ServicePendingElevationRequests(frame *mapframe.Frame, stamp int64) bool {
	if t.mode == config.ModeStandard || !frame.HasElevation() || !t.IsVisible(stamp) {
		return false
	}
	t.touchPending(true, ElevationLayerID, stamp)
	parent := t.Family()[tilekey.Parent]
	hasParent := parent.Expected && parent.ElevationLOD != NoLOD
	lod := t.targetLOD(t.ElevationLOD(), parent.ElevationLOD, hasParent)
	if lod < 0 {
		return false
	}
	return t.EnqueueElevationRequest(frame, lod, stamp)
}

// ServicePendingImageRequests enqueues the next imagery load per layer for a
// visible tile under the sequential or preemptive modes. It returns the
// number of requests enqueued. Outstanding requests are refreshed instead.
func (t *Tile) ServicePendingImageRequests(frame *mapframe.Frame, stamp int64) int {
	if t.mode == config.ModeStandard || !t.IsVisible(stamp) {
		return 0
	}
	parent := t.Family()[tilekey.Parent]
	n := 0
	for _, layer := range frame.ImageLayers {
		if layer.Weight() <= 0 {
			continue
		}
		t.touchPending(false, layer.ID, stamp)
		current, _ := t.ImageryLOD(layer.ID)
		parentLOD, hasParent := parent.ImageLOD(layer.ID)
		lod := t.targetLOD(current, parentLOD, hasParent)
		if lod < 0 {
			continue
		}
		if t.EnqueueImageryRequest(layer, lod, stamp) {
			n++
		}
	}
	return n
}

// ServiceCompletedRequests integrates finished requests into the tile's layer
// state and frees their request lines. When partial is false nothing is
// integrated until every outstanding request has finished. Imagery state for
// layers missing from frame is dropped. It reports whether the tile changed.
func (t *Tile) ServiceCompletedRequests(frame *mapframe.Frame, partial bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !partial {
		if t.elevReq != nil && !t.elevReq.Done() {
			return false
		}
		for _, r := range t.imageReqs {
			if !r.Done() {
				return false
			}
		}
	}

	changed := false
	if r := t.elevReq; r != nil && r.Done() {
		t.elevReq = nil
		if t.integrateLocked(&t.elevation, r, frame.HasElevation()) {
			changed = true
		}
	}
	for id, r := range t.imageReqs {
		if !r.Done() {
			continue
		}
		delete(t.imageReqs, id)
		if _, ok := frame.ImageLayer(id); !ok {
			t.log.Debug().Int("layer", int(id)).Msg("discarding result for layer no longer in the map")
			continue
		}
		if t.integrateLocked(t.imageStateLocked(id), r, true) {
			changed = true
		}
	}
	for id := range t.imagery {
		if _, ok := frame.ImageLayer(id); !ok {
			if t.imageReqs[id] == nil {
				delete(t.imagery, id)
				changed = true
			}
		}
	}
	if changed {
		t.revision++
	}
	return changed
}

func (t *Tile) integrateLocked(st *layerState, r *Request, inFrame bool) bool {
	log := t.log.With().Int("layer", int(st.id)).Int("lod", r.LOD()).Logger()
	switch {
	case r.getState() == stateCanceled || r.cancelled.Load():
		log.Debug().Msg("discarding cancelled request")
		return false
	case !inFrame:
		log.Debug().Msg("discarding result for layer no longer in the map")
		return false
	case r.service.IsStale(r.Stamp()):
		log.Debug().Int64("stamp", r.Stamp()).Int64("now", r.service.Stamp()).Msg("discarding stale result")
		return false
	case r.getState() == stateFailed:
		st.failures++
		log.Warn().Err(r.err).Int("failures", st.failures).Msg("layer load failed")
		return false
	}
	if r.LOD() <= st.lod {
		return false
	}
	st.lod, st.data = r.LOD(), r.data
	return true
}

// CancelRequests cancels every outstanding request. It returns true only when
// all of them have finished, meaning no worker still references the tile.
func (t *Tile) CancelRequests() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	done := true
	if t.elevReq != nil && !t.elevReq.Cancel() {
		done = false
	}
	for _, r := range t.imageReqs {
		if !r.Cancel() {
			done = false
		}
	}
	return done
}
