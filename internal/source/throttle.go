package source

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tile"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Throttled limits the rate of loads reaching the wrapped loader, e.g. to
// stay under a tile server's quota. Waiting honors cancellation, so a
// cancelled request never consumes a token.
type Throttled struct {
	next    tile.Loader
	limiter *rate.Limiter
}

// NewThrottled allows perSecond loads per second with the given burst.
func NewThrottled(next tile.Loader, perSecond float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// LoadElevation implements tile.Loader.
func (t *Throttled) LoadElevation(ctx context.Context, layers []mapframe.Layer, key tilekey.Address) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.LoadElevation(ctx, layers, key)
}

// LoadImagery implements tile.Loader.
func (t *Throttled) LoadImagery(ctx context.Context, layer mapframe.Layer, key tilekey.Address) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.next.LoadImagery(ctx, layer, key)
}
