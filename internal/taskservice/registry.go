package taskservice

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/mapframe"
)

// Well-known service ids. Imagery services are keyed by their layer id.
const (
	ElevationID   = ID(mapframe.ElevationServiceID)
	TileCompileID = ID(mapframe.TileCompileServiceID)
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	CompileThreads int   // worker count for the tile-compile service
	StaleAfter     int64 // staleness threshold handed to every service
	Logger         zerolog.Logger
}

// Registry keeps one Service per work class. Its mutex guards only lookup,
// creation, and resizing; it is never held while tasks run.
type Registry struct {
	cfg RegistryConfig
	log zerolog.Logger

	mu       sync.Mutex
	services map[ID]*Service
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CompileThreads <= 0 {
		cfg.CompileThreads = 1
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		services: make(map[ID]*Service),
	}
}

// GetOrCreate returns the service registered under id, creating it with the
// given name and thread count if absent. Concurrent first calls for the same
// id all receive the same instance.
func (r *Registry) GetOrCreate(id ID, name string, threads int) *Service {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.services[id]; ok {
		return s
	}
	s := New(Config{
		ID:         id,
		Name:       name,
		Threads:    threads,
		StaleAfter: r.cfg.StaleAfter,
		Logger:     r.log,
	})
	if r.closed {
		// Hand back a closed service so late callers fail fast on Submit.
		s.Close()
		return s
	}
	r.services[id] = s
	r.log.Info().Int("id", int(id)).Str("name", name).Int("threads", threads).Msg("created task service")
	return s
}

// Get returns the service registered under id, if any.
func (r *Registry) Get(id ID) (*Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[id]
	return s, ok
}

// Elevation returns the elevation service, creating it with one thread.
func (r *Registry) Elevation() *Service {
	return r.GetOrCreate(ElevationID, "elevation", 1)
}

// Imagery returns the service for an imagery layer, creating it with one
// thread. A reserved id gets a closed, unregistered service so it can never
// alias the elevation or tile-compile pools.
func (r *Registry) Imagery(layer mapframe.LayerID) *Service {
	name := fmt.Sprintf("layer %d", layer)
	if layer.Reserved() {
		r.log.Error().Int("layer", int(layer)).Msg("imagery layer id is reserved")
		s := New(Config{ID: ID(layer), Name: name, Logger: r.log})
		s.Close()
		return s
	}
	return r.GetOrCreate(ID(layer), name, 1)
}

// LookupImagery returns the service of an imagery layer without creating
// one. It misses for layers Rebalance has not set up or has already removed.
func (r *Registry) LookupImagery(layer mapframe.LayerID) (*Service, bool) {
	if layer.Reserved() {
		return nil, false
	}
	return r.Get(ID(layer))
}

// TileCompile returns the tile-compile service.
func (r *Registry) TileCompile() *Service {
	return r.GetOrCreate(TileCompileID, "tilegen", r.cfg.CompileThreads)
}

// SetStamp propagates the frame stamp to every service.
func (r *Registry) SetStamp(stamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.services {
		s.SetStamp(stamp)
	}
}

// NumTasksRemaining sums queued and running tasks across all services.
func (r *Registry) NumTasksRemaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, s := range r.services {
		total += s.PendingCount()
	}
	return total
}

// Statuses returns the status of every service ordered by id.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	services := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(services))
	for _, s := range services {
		out = append(out, s.Status())
	}
	slices.SortFunc(out, func(a, b Status) int { return int(a.ID) - int(b.ID) })
	return out
}

// Allocation is the thread split computed by Allocate.
type Allocation struct {
	Elevation int
	Imagery   map[mapframe.LayerID]int
}

// Total returns the sum of all allocated threads.
func (a Allocation) Total() int {
	n := a.Elevation
	for _, t := range a.Imagery {
		n += t
	}
	return n
}

// Allocate splits total threads between the elevation line and each imagery
// layer in proportion to loading weight. The elevation weight is the largest
// weight among elevation layers, since one request line composites all of
// them. Counts are rounded to the nearest thread; any class with a nonzero
// weight gets at least one. Layers with reserved ids get none.
func Allocate(frame *mapframe.Frame, total int) Allocation {
	alloc := Allocation{Imagery: make(map[mapframe.LayerID]int, len(frame.ImageLayers))}

	var elevWeight float64
	for _, l := range frame.ElevationLayers {
		elevWeight = max(elevWeight, l.Weight())
	}
	sum := elevWeight
	for _, l := range frame.ImageLayers {
		if !l.ID.Reserved() {
			sum += l.Weight()
		}
	}
	if sum <= 0 {
		for _, l := range frame.ImageLayers {
			alloc.Imagery[l.ID] = 0
		}
		return alloc
	}

	share := func(w float64) int {
		if w <= 0 {
			return 0
		}
		return max(1, int(math.Round(float64(total)*w/sum)))
	}
	alloc.Elevation = share(elevWeight)
	for _, l := range frame.ImageLayers {
		if l.ID.Reserved() {
			alloc.Imagery[l.ID] = 0
			continue
		}
		alloc.Imagery[l.ID] = share(l.Weight())
	}
	return alloc
}

// Rebalance applies Allocate to the registry. Services of imagery layers that
// are no longer in the frame are closed and removed; their queued work runs
// against a cancelled context so owners see it finish.
func (r *Registry) Rebalance(frame *mapframe.Frame, total int) Allocation {
	alloc := Allocate(frame, total)

	if frame.HasElevation() {
		r.Elevation().SetThreadCount(alloc.Elevation)
		r.log.Info().Int("threads", alloc.Elevation).Msg("elevation threads")
	} else if s, ok := r.Get(ElevationID); ok && s.ThreadCount() > 0 {
		s.SetThreadCount(0)
		r.log.Info().Msg("no elevation layers, elevation service paused")
	}
	for _, l := range frame.ImageLayers {
		if l.ID.Reserved() {
			r.log.Error().Int("id", int(l.ID)).Str("layer", l.Name).Msg("imagery layer uses a reserved id, skipped")
			continue
		}
		n := alloc.Imagery[l.ID]
		r.Imagery(l.ID).SetThreadCount(n)
		r.log.Info().Str("layer", l.Name).Int("id", int(l.ID)).Int("threads", n).Msg("image threads")
	}

	var removed []*Service
	r.mu.Lock()
	for id, s := range r.services {
		if id == ElevationID || id == TileCompileID {
			continue
		}
		if _, ok := frame.ImageLayer(mapframe.LayerID(id)); !ok {
			removed = append(removed, s)
			delete(r.services, id)
		}
	}
	r.mu.Unlock()

	for _, s := range removed {
		r.log.Info().Int("id", int(s.ID())).Str("name", s.Name()).Msg("closing task service for removed layer")
		s.Close()
	}
	return alloc
}

// Close shuts down every service.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	services := make([]*Service, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	r.mu.Unlock()

	for _, s := range services {
		s.Close()
	}
}
