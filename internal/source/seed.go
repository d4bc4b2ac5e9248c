package source

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// SeedConfig configures Seed.
type SeedConfig struct {
	Frame    *mapframe.Frame
	MaxLevel uint32
	Workers  int
	Logger   zerolog.Logger
}

// Seed fills dst with every tile of every layer in the frame from level 0 to
// MaxLevel, generated by src. It returns the number of tiles written.
func Seed(ctx context.Context, dst *Dir, src tile.Loader, cfg SeedConfig) (int64, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var written atomic.Int64
	for level := uint32(0); level <= cfg.MaxLevel; level++ {
		nx, ny := cfg.Frame.Profile.NumTiles(level)
		for x := uint32(0); x < nx; x++ {
			for y := uint32(0); y < ny; y++ {
				key := tilekey.Address{Level: level, X: x, Y: y}
				if ctx.Err() != nil {
					return written.Load(), g.Wait()
				}
				g.Go(func() error {
					for _, l := range cfg.Frame.ElevationLayers {
						data, err := src.LoadElevation(ctx, []mapframe.Layer{l}, key)
						if err != nil {
							return fmt.Errorf("generate elevation %s: %w", key, err)
						}
						if err := dst.Put(LayerDir(l), key, data); err != nil {
							return err
						}
						written.Add(1)
					}
					for _, l := range cfg.Frame.ImageLayers {
						data, err := src.LoadImagery(ctx, l, key)
						if err != nil {
							return fmt.Errorf("generate imagery %s: %w", key, err)
						}
						if err := dst.Put(LayerDir(l), key, data); err != nil {
							return err
						}
						written.Add(1)
					}
					return nil
				})
			}
		}
		cfg.Logger.Info().Uint32("level", level).Uint32("columns", nx).Uint32("rows", ny).Msg("seeding level")
	}
	err := g.Wait()
	cfg.Logger.Info().Int64("tiles", written.Load()).Msg("seed complete")
	return written.Load(), err
}
