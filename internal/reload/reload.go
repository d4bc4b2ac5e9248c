// Package reload watches a terrain file and re-applies its layers to a
// running engine when the file changes.
package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/mapframe"
)

// Target receives the map frame built from each successful reload.
type Target interface {
	SetFrame(frame *mapframe.Frame)
}

// Config configures the reload worker.
type Config struct {
	Path         string         // Terrain file to watch
	Debounce     time.Duration  // Quiet period after a change before reloading (default 200ms)
	PollInterval time.Duration  // Fallback mtime check (default 10s)
	Logger       zerolog.Logger // Logger
}

// Worker reloads the terrain file on change.
type Worker struct {
	cfg    Config
	target Target
	log    zerolog.Logger

	modTime time.Time
	size    int64
	reloads int
}

// NewWorker creates a reload worker. It returns nil when no path is set.
func NewWorker(cfg Config, target Target) (*Worker, error) {
	if cfg.Path == "" {
		return nil, nil // Disabled
	}
	if target == nil {
		return nil, errors.New("reload: nil target")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	cfg.Path = abs

	w := &Worker{
		cfg:    cfg,
		target: target,
		log:    cfg.Logger.With().Str("component", "reload").Logger(),
	}
	if fi, err := os.Stat(abs); err == nil {
		w.modTime, w.size = fi.ModTime(), fi.Size()
	}
	return w, nil
}

// Reloads returns the number of frames applied so far. Only meaningful after
// Run returns.
func (w *Worker) Reloads() int { return w.reloads }

// Run watches the file until ctx is done. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (w *Worker) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.cfg.Path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.cfg.Path), err)
	}

	w.log.Info().
		Str("path", w.cfg.Path).
		Dur("debounce", w.cfg.Debounce).
		Dur("poll_interval", w.cfg.PollInterval).
		Msg("reload worker started")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.cfg.Path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			timerC = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watcher error")

		case <-timerC:
			timerC = nil
			w.check(true)

		case <-ticker.C:
			w.check(false)
		}
	}
}

// check reloads when forced or when the file's mtime or size moved.
func (w *Worker) check(force bool) {
	fi, err := os.Stat(w.cfg.Path)
	if err != nil {
		w.log.Debug().Err(err).Msg("stat terrain file")
		return
	}
	if !force && fi.ModTime().Equal(w.modTime) && fi.Size() == w.size {
		return
	}
	w.modTime, w.size = fi.ModTime(), fi.Size()
	if err := w.reload(); err != nil {
		w.log.Warn().Err(err).Msg("reload failed, keeping current frame")
	}
}

func (w *Worker) reload() error {
	f, err := config.Load(w.cfg.Path)
	if err != nil {
		return err
	}
	if _, ok := config.ProfileByName(f.Profile); !ok {
		w.log.Warn().Str("profile", f.Profile).Msg("unknown profile, using geodetic")
	}
	frame := f.Frame(0)
	w.target.SetFrame(frame)
	w.reloads++
	w.log.Info().
		Int("elevation_layers", len(frame.ElevationLayers)).
		Int("image_layers", len(frame.ImageLayers)).
		Msg("terrain file reloaded")
	return nil
}
