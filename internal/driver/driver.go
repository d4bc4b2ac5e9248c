// Package driver is a headless stand-in for a scene graph. It walks the tile
// quadtree around a moving camera, holds tiles as referents while they are
// in view and drives the engine's event, update and cull passes. A separate
// render goroutine draws each frame and runs the post-draw release hooks.
package driver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/freeeve/lodterrain/internal/engine"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Config configures a Driver.
type Config struct {
	Engine *engine.Engine
	Camera Camera

	// FPS paces the frame loop; 0 runs unpaced.
	FPS float64
	// Frames stops the run after this many frames; 0 runs until ctx ends.
	Frames int64
	// Split controls refinement: tiles narrower than Camera.Radius/Split
	// are not subdivided. 0 means 4.
	Split float64
	// MaxLevel caps refinement; 0 uses the engine's MaxLOD.
	MaxLevel uint32
	// OnDemand skips frames unless the camera moved or the engine asked
	// for a redraw.
	OnDemand bool

	Logger zerolog.Logger
}

// Summary reports what a run did.
type Summary struct {
	Frames       int64 `json:"frames"`
	IdleFrames   int64 `json:"idle_frames"`
	Drawn        int64 `json:"drawn"`
	GPUReleased  int64 `json:"gpu_released"`
	PeakSelected int   `json:"peak_selected"`
}

// Driver runs the frame loop.
type Driver struct {
	cfg   Config
	eng   *engine.Engine
	log   zerolog.Logger
	hooks engine.ReleaseHooks

	held   map[tilekey.Address]*tile.Tile
	redraw atomic.Bool

	drawn    atomic.Int64
	released atomic.Int64
}

// New creates a driver and installs the engine's release hook.
func New(cfg Config) *Driver {
	if cfg.Split <= 0 {
		cfg.Split = 4
	}
	if cfg.MaxLevel == 0 {
		cfg.MaxLevel = cfg.Engine.Options().MaxLOD
	}
	d := &Driver{
		cfg:  cfg,
		eng:  cfg.Engine,
		log:  cfg.Logger.With().Str("component", "driver").Logger(),
		held: make(map[tilekey.Address]*tile.Tile),
	}
	d.eng.InstallReleaseHook(&d.hooks)
	return d
}

// RequestRedraw implements engine.Redrawer.
func (d *Driver) RequestRedraw() { d.redraw.Store(true) }

type renderFrame struct {
	stamp int64
	tiles []*tile.Tile
}

// renderState is handed to GPU release calls.
type renderState struct {
	stamp    int64
	released *atomic.Int64
}

// gpuObject stands in for a tile's uploaded textures and geometry.
type gpuObject struct {
	bytes int
}

func (g *gpuObject) ReleaseResources(rs tile.RenderState) {
	if s, ok := rs.(*renderState); ok {
		s.released.Add(1)
	}
}

// Run drives frames until ctx ends or the frame budget is spent. It releases
// every held tile before returning.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	var limiter *rate.Limiter
	if d.cfg.FPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.FPS), 1)
	}

	g, ctx := errgroup.WithContext(ctx)
	cullCh := make(chan renderFrame, 1)
	renderCh := make(chan renderFrame, 1)

	g.Go(func() error {
		defer close(cullCh)
		defer d.releaseAll()
		var stamp int64
		for d.cfg.Frames == 0 || sum.Frames < d.cfg.Frames {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			} else if ctx.Err() != nil {
				return nil
			}
			sum.Frames++

			moved := stamp == 0 || d.cfg.Camera.Speed != 0
			if d.cfg.OnDemand && !moved && !d.redraw.Swap(false) {
				// Let the governor see the drained state.
				d.eng.Event(d)
				sum.IdleFrames++
				continue
			}
			stamp++
			d.eng.Event(d)
			d.eng.Update(stamp)
			selected := d.traverse(stamp)
			sum.PeakSelected = max(sum.PeakSelected, len(selected))
			d.cfg.Camera.Step()

			select {
			case cullCh <- renderFrame{stamp: stamp, tiles: selected}:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(renderCh)
		for f := range cullCh {
			d.eng.Cull(f.stamp)
			select {
			case renderCh <- f:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	g.Go(func() error {
		for f := range renderCh {
			d.draw(f)
			d.hooks.Run(&renderState{stamp: f.stamp, released: &d.released})
		}
		// One final drain for tiles retired by the last update.
		d.hooks.Run(&renderState{released: &d.released})
		return nil
	})

	err := g.Wait()
	sum.Drawn = d.drawn.Load()
	sum.GPUReleased = d.released.Load()
	d.log.Info().
		Int64("frames", sum.Frames).
		Int64("idle", sum.IdleFrames).
		Int64("gpu_released", sum.GPUReleased).
		Int("peak_selected", sum.PeakSelected).
		Msg("driver stopped")
	return sum, err
}

// traverse selects the tiles in view, registers any that are new, marks them
// traversed and moves the held referent set to match.
func (d *Driver) traverse(stamp int64) []*tile.Tile {
	frame := d.eng.Frame()
	keys := selectTiles(frame.Profile, d.cfg.Camera.View(), d.cfg.Camera.Radius, d.cfg.Split, d.cfg.MaxLevel)

	next := make(map[tilekey.Address]*tile.Tile, len(keys))
	out := make([]*tile.Tile, 0, len(keys))
	for _, k := range keys {
		t, ok := d.held[k]
		if !ok {
			var err error
			t, err = d.eng.CreateTile(k)
			if err != nil {
				d.log.Debug().Err(err).Str("tile", k.String()).Msg("tile not registered")
				continue
			}
			t.Acquire()
		}
		t.MarkTraversed(stamp)
		next[k] = t
		out = append(out, t)
	}
	for k, t := range d.held {
		if _, ok := next[k]; !ok {
			t.Release()
		}
	}
	d.held = next
	return out
}

func (d *Driver) releaseAll() {
	for _, t := range d.held {
		t.Release()
	}
	d.held = make(map[tilekey.Address]*tile.Tile)
}

// draw uploads data for each tile on first sight.
func (d *Driver) draw(f renderFrame) {
	start := time.Now()
	for _, t := range f.tiles {
		if t.ResourcesReleased() {
			continue
		}
		n := len(t.ElevationData())
		for _, l := range t.ColorLayers() {
			n += len(t.ImageryData(l.LayerID()))
		}
		t.SetGPUResources(&gpuObject{bytes: n})
		d.drawn.Add(1)
	}
	if d.log.GetLevel() <= zerolog.DebugLevel {
		d.log.Debug().Int64("stamp", f.stamp).Int("tiles", len(f.tiles)).Dur("took", time.Since(start)).Msg("frame drawn")
	}
}
