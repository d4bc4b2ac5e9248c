package source

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"time"

	"github.com/paulmach/orb"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// Synthetic generates deterministic terrain for any address. It needs no
// storage, which makes it the default source for the driver and for seeding.
type Synthetic struct {
	Profile tilekey.Profile
	Size    int           // samples per side; 0 means 17
	Latency time.Duration // simulated fetch time
}

func (s Synthetic) size() int {
	if s.Size <= 0 {
		return 17
	}
	return s.Size
}

func (s Synthetic) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LoadElevation returns a heightfield of little-endian int16 meters sampled
// across the tile's bounds.
func (s Synthetic) LoadElevation(ctx context.Context, layers []mapframe.Layer, key tilekey.Address) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	n := s.size()
	b := s.Profile.Bound(key)
	out := make([]byte, 0, n*n*2)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			p := lerp(b, col, row, n)
			h := height(p)
			out = binary.LittleEndian.AppendUint16(out, uint16(int16(h)))
		}
	}
	return out, nil
}

// LoadImagery returns an RGB raster whose color depends on the layer and the
// sampled height.
func (s Synthetic) LoadImagery(ctx context.Context, layer mapframe.Layer, key tilekey.Address) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	n := s.size()
	b := s.Profile.Bound(key)
	tint := layerTint(layer)
	out := make([]byte, 0, n*n*3)
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			shade := byte(128 + height(lerp(b, col, row, n))/64)
			out = append(out, shade^tint[0], shade^tint[1], shade^tint[2])
		}
	}
	return out, nil
}

func lerp(b orb.Bound, col, row, n int) orb.Point {
	fx := float64(col) / float64(n-1)
	fy := float64(row) / float64(n-1)
	return orb.Point{
		b.Min.Lon() + fx*(b.Max.Lon()-b.Min.Lon()),
		b.Min.Lat() + fy*(b.Max.Lat()-b.Min.Lat()),
	}
}

// height is a smooth, bounded field in meters.
func height(p orb.Point) float64 {
	lon, lat := p.Lon()*math.Pi/180, p.Lat()*math.Pi/180
	return 2500*math.Sin(3*lon)*math.Cos(2*lat) + 1200*math.Sin(7*lat+lon)
}

func layerTint(l mapframe.Layer) [3]byte {
	h := fnv.New32a()
	h.Write([]byte(LayerDir(l)))
	v := h.Sum32()
	return [3]byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
