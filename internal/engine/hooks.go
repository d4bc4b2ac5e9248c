package engine

import (
	"sync"
	"weak"

	"github.com/freeeve/lodterrain/internal/tile"
)

// ReleaseHook runs on the render thread after the host's draw step.
type ReleaseHook func(rs tile.RenderState)

// ReleaseHooks is the host's ordered list of post-draw hooks.
type ReleaseHooks struct {
	mu    sync.Mutex
	hooks []ReleaseHook
}

// Add appends a hook. Hooks run in the order they were added.
func (h *ReleaseHooks) Add(fn ReleaseHook) {
	h.mu.Lock()
	h.hooks = append(h.hooks, fn)
	h.mu.Unlock()
}

// Len returns the number of installed hooks.
func (h *ReleaseHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run invokes every hook in order. Call only from the render thread.
func (h *ReleaseHooks) Run(rs tile.RenderState) {
	h.mu.Lock()
	hooks := append([]ReleaseHook(nil), h.hooks...)
	h.mu.Unlock()
	for _, fn := range hooks {
		fn(rs)
	}
}

// Handle is a lookup-only reference to an Engine. It never keeps the engine
// alive.
type Handle struct {
	p weak.Pointer[Engine]
}

// Get returns the engine, or false once it has been collected.
func (h Handle) Get() (*Engine, bool) {
	e := h.p.Value()
	return e, e != nil
}

// Handle returns a weak handle to e.
func (e *Engine) Handle() Handle {
	return Handle{p: weak.Make(e)}
}

// InstallReleaseHook appends a hook to hooks that drains the engine's GPU
// release queue, and enables queueing of retired tiles when quick release is
// configured. The hook holds only a weak handle and becomes a no-op once the
// engine is gone.
func (e *Engine) InstallReleaseHook(hooks *ReleaseHooks) {
	h := e.Handle()
	hooks.Add(func(rs tile.RenderState) {
		if eng, ok := h.Get(); ok {
			eng.ReleaseGPUObjects(rs)
		}
	})
	e.hookInstalled.Store(true)
	e.log.Info().Bool("quick_release", e.opts.QuickReleaseEnabled()).Msg("release hook installed")
}

// ReleaseGPUObjects drains the release queue. Call only from the render thread.
func (e *Engine) ReleaseGPUObjects(rs tile.RenderState) int {
	n := e.release.Drain(rs)
	if n > 0 {
		e.log.Debug().Int("tiles", n).Msg("released GPU objects")
	}
	return n
}
