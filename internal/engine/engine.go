// Package engine keeps the live table of terrain tiles and drives the
// per-frame update, cull and event passes over it: neighbor refresh, request
// servicing, two-phase retirement and hand-off of retired tiles to the render
// thread for GPU release.
package engine

import (
	"errors"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Config configures an Engine.
type Config struct {
	Options config.Options
	Frame   *mapframe.Frame
	Loader  tile.Loader
	NumCPU  int // 0 uses runtime.NumCPU
	Logger  zerolog.Logger
}

// Engine is the live tile table and its pass entry points. Update is driven
// by a single goroutine; Cull may run on others concurrently.
type Engine struct {
	opts   config.Options
	mode   config.Mode
	loader tile.Loader
	log    zerolog.Logger

	registry       *taskservice.Registry
	loadingThreads int

	frame    atomic.Pointer[mapframe.Frame]
	revision atomic.Int64

	mu    sync.RWMutex
	tiles map[tilekey.Address]*tile.Tile

	shutdown      *shutdownQueue
	release       ReleaseQueue
	hookInstalled atomic.Bool
	governor      *Governor
	closed        atomic.Bool

	registered atomic.Int64
	retired    atomic.Int64
	revived    atomic.Int64
	lastStamp  atomic.Int64
}

// New creates an engine for the given frame and starts its task services.
func New(cfg Config) *Engine {
	numCPU := cfg.NumCPU
	if numCPU <= 0 {
		numCPU = runtime.NumCPU()
	}
	log := cfg.Logger.With().Str("component", "engine").Logger()

	mode := cfg.Options.LoadingPolicy.Mode()
	if name := cfg.Options.LoadingPolicy.ModeName; name != "" {
		if _, ok := config.ParseMode(name); !ok {
			log.Warn().Str("mode", name).Str("using", mode.String()).Msg("unknown loading mode")
		}
	}

	e := &Engine{
		opts:     cfg.Options,
		mode:     mode,
		loader:   cfg.Loader,
		log:      log,
		tiles:    make(map[tilekey.Address]*tile.Tile),
		shutdown: newShutdownQueue(),
		governor: NewGovernor(OnDemandDelay),
	}
	e.registry = taskservice.NewRegistry(taskservice.RegistryConfig{
		CompileThreads: cfg.Options.CompileThreads(numCPU),
		StaleAfter:     cfg.Options.StaleAfterFrames,
		Logger:         cfg.Logger,
	})
	if mode != config.ModeStandard {
		e.loadingThreads = cfg.Options.LoadingThreads(numCPU)
	}
	log.Info().
		Str("mode", mode.String()).
		Int("loading_threads", e.loadingThreads).
		Int("compile_threads", e.registry.TileCompile().ThreadCount()).
		Msg("terrain engine created")

	frame := cfg.Frame
	if frame == nil {
		frame = &mapframe.Frame{}
	}
	e.SetFrame(frame)
	return e
}

// Mode returns the effective loading mode.
func (e *Engine) Mode() config.Mode { return e.mode }

// Options returns the startup options.
func (e *Engine) Options() config.Options { return e.opts }

// LoadingThreads returns the total loading-thread budget (0 in standard mode).
func (e *Engine) LoadingThreads() int { return e.loadingThreads }

// Frame returns the current map frame.
func (e *Engine) Frame() *mapframe.Frame { return e.frame.Load() }

// SetFrame installs a new map frame, bumps the revision and rebalances the
// loading threads across the frame's layers.
func (e *Engine) SetFrame(frame *mapframe.Frame) {
	f := *frame
	if f.Profile == nil {
		f.Profile = tilekey.Geodetic()
	}
	f.Revision = e.IncrementRevision()
	e.frame.Store(&f)
	if e.mode != config.ModeStandard {
		e.registry.Rebalance(&f, e.loadingThreads)
	}
	e.log.Info().
		Int("revision", f.Revision).
		Int("elevation_layers", len(f.ElevationLayers)).
		Int("image_layers", len(f.ImageLayers)).
		Msg("map frame updated")
}

// IncrementRevision bumps and returns the topology revision.
func (e *Engine) IncrementRevision() int { return int(e.revision.Add(1)) }

// Revision returns the topology revision.
func (e *Engine) Revision() int { return int(e.revision.Load()) }

// NewTile builds an unregistered tile wired to this engine's services and
// loader.
func (e *Engine) NewTile(key tilekey.Address) *tile.Tile {
	return tile.New(tile.Config{
		Key:      key,
		Mode:     e.mode,
		Loader:   e.loader,
		Services: e.registry,
		Logger:   e.log,
	})
}

// RegisterTile adds t to the live table and returns the table's tile for
// t.Key(). If a tile is already registered at that address, the existing tile
// is returned and t is discarded, so callers must continue with the result.
func (e *Engine) RegisterTile(t *tile.Tile) (*tile.Tile, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	if existing, ok := e.tiles[t.Key()]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.tiles[t.Key()] = t
	n := len(e.tiles)
	e.mu.Unlock()

	e.registered.Add(1)
	tileTransitions.WithLabelValues("registered").Inc()
	liveTiles.Set(float64(n))
	return t, nil
}

// CreateTile returns the live tile at key, building and registering one if
// needed.
func (e *Engine) CreateTile(key tilekey.Address) (*tile.Tile, error) {
	if t, ok := e.Tile(key); ok {
		return t, nil
	}
	return e.RegisterTile(e.NewTile(key))
}

// Tile returns the live tile at key.
func (e *Engine) Tile(key tilekey.Address) (*tile.Tile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tiles[key]
	return t, ok
}

// Tiles returns a snapshot of every live tile ordered by address.
func (e *Engine) Tiles() []*tile.Tile {
	out := e.snapshot()
	slices.SortFunc(out, func(a, b *tile.Tile) int {
		switch {
		case a.Key().Less(b.Key()):
			return -1
		case b.Key().Less(a.Key()):
			return 1
		}
		return 0
	})
	return out
}

// NumTiles returns the size of the live table.
func (e *Engine) NumTiles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tiles)
}

func (e *Engine) snapshot() []*tile.Tile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*tile.Tile, 0, len(e.tiles))
	for _, t := range e.tiles {
		out = append(out, t)
	}
	return out
}

// Registry returns the engine's task services.
func (e *Engine) Registry() *taskservice.Registry { return e.registry }

// ElevationService returns the elevation task service.
func (e *Engine) ElevationService() *taskservice.Service { return e.registry.Elevation() }

// ImageryService returns the task service of one imagery layer, or nil when
// the current frame has not created one.
func (e *Engine) ImageryService(layer mapframe.LayerID) *taskservice.Service {
	s, _ := e.registry.LookupImagery(layer)
	return s
}

// TileCompileService returns the tile-compile task service.
func (e *Engine) TileCompileService() *taskservice.Service { return e.registry.TileCompile() }

// NumTasksRemaining returns queued plus running tasks across all services.
func (e *Engine) NumTasksRemaining() int { return e.registry.NumTasksRemaining() }

// quickRelease reports whether retired tiles go to the release queue.
func (e *Engine) quickRelease() bool {
	return e.opts.QuickReleaseEnabled() && e.hookInstalled.Load()
}

// Update runs one update pass at the given frame stamp.
func (e *Engine) Update(stamp int64) {
	if e.closed.Load() {
		return
	}
	start := time.Now()
	e.lastStamp.Store(stamp)
	frame := e.Frame()

	// Mark: tiles whose only owner is the table and that have been rendered.
	for _, t := range e.snapshot() {
		if t.ExternalRefs() == 0 && t.Traversed() {
			e.shutdown.Enqueue(t)
		}
	}

	// Drain: remove tiles whose requests have all finished.
	var retired, revived int
	quick := e.quickRelease()
	e.mu.Lock()
	e.shutdown.Retain(func(t *tile.Tile) bool {
		if t.ExternalRefs() > 0 {
			revived++
			return false
		}
		if !t.CancelRequests() {
			return true
		}
		if e.tiles[t.Key()] == t {
			delete(e.tiles, t.Key())
		}
		retired++
		if quick {
			e.release.Push(t)
		}
		return false
	})
	live := len(e.tiles)
	e.mu.Unlock()

	e.registry.SetStamp(stamp)

	// Refresh families and service requests for the remaining live tiles.
	shuttingDown := e.shutdown.Set()
	async := e.mode != config.ModeStandard
	e.mu.RLock()
	for key, t := range e.tiles {
		if shuttingDown[key] == t {
			continue
		}
		t.SetFamily(e.family(t.Key(), frame))
		if async {
			t.ServicePendingElevationRequests(frame, stamp)
			t.ServiceCompletedRequests(frame, true)
		}
	}
	e.mu.RUnlock()

	e.retired.Add(int64(retired))
	e.revived.Add(int64(revived))
	if retired > 0 {
		tileTransitions.WithLabelValues("retired").Add(float64(retired))
	}
	if revived > 0 {
		tileTransitions.WithLabelValues("revived").Add(float64(revived))
	}
	liveTiles.Set(float64(live))
	shuttingDownTiles.Set(float64(len(shuttingDown)))
	updateDuration.Observe(time.Since(start).Seconds())

	if retired > 0 || revived > 0 {
		e.log.Debug().
			Int64("stamp", stamp).
			Int("retired", retired).
			Int("revived", revived).
			Int("shutting_down", len(shuttingDown)).
			Int("live", live).
			Msg("update pass")
	}
}

// family computes the parent and cardinal neighbors of key. The caller holds
// e.mu for reading.
func (e *Engine) family(key tilekey.Address, frame *mapframe.Frame) tile.Family {
	var f tile.Family
	for d := tilekey.Direction(0); d < tilekey.NumRelatives; d++ {
		rkey := tilekey.Neighbor(frame.Profile, key, d)
		expected := tilekey.Expected(frame.Profile, key, d)
		var rt *tile.Tile
		if expected {
			rt = e.tiles[rkey]
		}
		f[d] = tile.NewRelative(rkey, expected, rt)
	}
	return f
}

// Cull runs one selection pass: every tile traversed at stamp enqueues the
// imagery requests it needs. Safe to call concurrently with other readers.
func (e *Engine) Cull(stamp int64) int {
	if e.mode == config.ModeStandard || e.closed.Load() {
		return 0
	}
	frame := e.Frame()
	n := 0
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tiles {
		if t.IsVisible(stamp) {
			n += t.ServicePendingImageRequests(frame, stamp)
		}
	}
	return n
}

// Event runs the on-demand pass. It asks r for another frame while
// background work is outstanding and for OnDemandDelay passes after it
// drains, and reports whether it did.
func (e *Engine) Event(r Redrawer) bool {
	if !e.governor.Tick(e.NumTasksRemaining()) {
		return false
	}
	if r != nil {
		r.RequestRedraw()
	}
	return true
}

// Close shuts down the task services. Queued requests finish against a
// cancelled context. Live tiles stay readable.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, t := range e.snapshot() {
		t.CancelRequests()
	}
	e.registry.Close()
	e.log.Info().Int64("registered", e.registered.Load()).Int64("retired", e.retired.Load()).Msg("terrain engine closed")
}
