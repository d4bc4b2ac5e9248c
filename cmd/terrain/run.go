package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lodterrain/internal/driver"
	"github.com/freeeve/lodterrain/internal/engine"
	"github.com/freeeve/lodterrain/internal/httpapi"
	"github.com/freeeve/lodterrain/internal/reload"
	"github.com/freeeve/lodterrain/internal/source"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

type runOptions struct {
	addr     string
	dataDir  string
	pattern  string
	latency  time.Duration
	rate     float64
	cache    int
	frames   int64
	fps      float64
	onDemand bool
	watch    bool

	lon, lat, radius float64
	heading, speed   float64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine with a simulated camera",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, root)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.addr, "addr", ":8090", "introspection API listen address (empty = disabled)")
	fl.StringVar(&o.dataDir, "data", "", "tile directory written by seed (empty = synthetic source)")
	fl.StringVar(&o.pattern, "pattern", source.DefaultPattern, "tile path pattern for --data")
	fl.DurationVar(&o.latency, "latency", 5*time.Millisecond, "simulated fetch latency of the synthetic source")
	fl.Float64Var(&o.rate, "rate", 0, "max tile loads per second (0 = unlimited)")
	fl.IntVar(&o.cache, "cache", 4096, "tile payload cache entries (0 = no cache)")
	fl.Int64Var(&o.frames, "frames", 0, "stop after this many frames (0 = until interrupted)")
	fl.Float64Var(&o.fps, "fps", 30, "frame rate (0 = unpaced)")
	fl.BoolVar(&o.onDemand, "on-demand", false, "only draw frames when something changed")
	fl.BoolVar(&o.watch, "watch", true, "reload --config when it changes")
	fl.Float64Var(&o.lon, "lon", 0, "camera longitude")
	fl.Float64Var(&o.lat, "lat", 0, "camera latitude")
	fl.Float64Var(&o.radius, "radius", 20, "camera view radius in degrees")
	fl.Float64Var(&o.heading, "heading", 90, "camera heading in degrees")
	fl.Float64Var(&o.speed, "speed", 0.5, "camera speed in degrees per frame")
	return cmd
}

// loader builds the tile source chain: directory or synthetic, then the
// optional throttle and cache. The returned close func releases the store.
func (o *runOptions) loader(root *rootOptions, profile tilekey.Profile) (tile.Loader, func(), error) {
	var l tile.Loader
	closeFn := func() {}
	if o.dataDir != "" {
		dir, err := source.OpenDir(o.dataDir, o.pattern)
		if err != nil {
			return nil, nil, err
		}
		closeFn = func() { dir.Close() }
		l = dir
	} else {
		l = source.Synthetic{Profile: profile, Latency: o.latency}
	}
	if o.rate > 0 {
		l = source.NewThrottled(l, o.rate, max(1, int(o.rate)))
	}
	if o.cache > 0 {
		l = source.NewCached(l, o.cache)
	}
	root.logger.Info().
		Str("data", o.dataDir).
		Float64("rate", o.rate).
		Int("cache", o.cache).
		Msg("tile source ready")
	return l, closeFn, nil
}

func (o *runOptions) run(cmd *cobra.Command, root *rootOptions) error {
	log := root.logger
	f, err := root.loadFile()
	if err != nil {
		return err
	}
	frame := f.Frame(0)

	loader, closeLoader, err := o.loader(root, frame.Profile)
	if err != nil {
		return err
	}
	defer closeLoader()

	eng := engine.New(engine.Config{
		Options: f.Options,
		Frame:   frame,
		Loader:  loader,
		Logger:  log,
	})
	defer eng.Close()

	drv := driver.New(driver.Config{
		Engine: eng,
		Camera: driver.Camera{
			Center:  orb.Point{o.lon, o.lat},
			Radius:  o.radius,
			Heading: o.heading,
			Speed:   o.speed,
		},
		FPS:      o.fps,
		Frames:   o.frames,
		OnDemand: o.onDemand,
		Logger:   log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if o.addr != "" {
		srv = &http.Server{
			Addr:         o.addr,
			Handler:      httpapi.NewRouter(log, eng),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", srv.Addr).Msg("api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("api server")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.watch && root.configPath != "" {
		worker, err := reload.NewWorker(reload.Config{Path: root.configPath, Logger: log}, eng)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("reload worker stopped")
			}
			return nil
		})
	}

	var sum driver.Summary
	g.Go(func() error {
		defer stop() // a bounded run ends the reload worker too
		var err error
		sum, err = drv.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info().Msg("shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown error")
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary driver.Summary `json:"summary"`
		Engine  engine.Stats   `json:"engine"`
	}{sum, eng.Stats()})
}
