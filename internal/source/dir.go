// Package source provides tile.Loader implementations: a zstd-compressed
// directory store, a synthetic generator and rate-limiting and caching
// wrappers.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

var (
	// ErrNotFound is returned when a store holds no data for a tile.
	ErrNotFound = errors.New("tile not found")

	// ErrInvalidPattern is returned for a path pattern missing a placeholder.
	ErrInvalidPattern = errors.New("invalid tile path pattern")
)

// DefaultPattern lays tiles out as root/layer/z/x/y.zst.
const DefaultPattern = "{layer}/{z}/{x}/{y}.zst"

// Dir stores zstd-compressed tile payloads as individual files.
type Dir struct {
	root    string
	pattern string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenDir opens a directory store. An empty pattern uses DefaultPattern.
func OpenDir(root, pattern string) (*Dir, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	for _, p := range []string{"{layer}", "{x}", "{y}", "{z}"} {
		if !strings.Contains(pattern, p) {
			return nil, fmt.Errorf("%w: placeholder %s not found in %q", ErrInvalidPattern, p, pattern)
		}
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Dir{root: root, pattern: pattern, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec state.
func (d *Dir) Close() error {
	d.decoder.Close()
	return d.encoder.Close()
}

// LayerDir returns the path component used for a layer.
func LayerDir(l mapframe.Layer) string {
	if l.Name != "" {
		return l.Name
	}
	return strconv.Itoa(int(l.ID))
}

func (d *Dir) path(layer string, key tilekey.Address) string {
	p := d.pattern
	p = strings.ReplaceAll(p, "{layer}", layer)
	p = strings.ReplaceAll(p, "{z}", strconv.FormatUint(uint64(key.Level), 10))
	p = strings.ReplaceAll(p, "{x}", strconv.FormatUint(uint64(key.X), 10))
	p = strings.ReplaceAll(p, "{y}", strconv.FormatUint(uint64(key.Y), 10))
	return filepath.Join(d.root, p)
}

// Put compresses and writes one tile.
func (d *Dir) Put(layer string, key tilekey.Address, data []byte) error {
	p := d.path(layer, key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create tile dir: %w", err)
	}
	if err := os.WriteFile(p, d.encoder.EncodeAll(data, nil), 0644); err != nil {
		return fmt.Errorf("write tile %s/%s: %w", layer, key, err)
	}
	return nil
}

// Get reads and decompresses one tile.
func (d *Dir) Get(layer string, key tilekey.Address) ([]byte, error) {
	compressed, err := os.ReadFile(d.path(layer, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", layer, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read tile %s/%s: %w", layer, key, err)
	}
	data, err := d.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decode tile %s/%s: %w", layer, key, err)
	}
	return data, nil
}

// LoadImagery implements tile.Loader.
func (d *Dir) LoadImagery(ctx context.Context, layer mapframe.Layer, key tilekey.Address) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Get(LayerDir(layer), key)
}

// LoadElevation implements tile.Loader. Layers are composited in order, so
// the last layer holding the tile wins.
func (d *Dir) LoadElevation(ctx context.Context, layers []mapframe.Layer, key tilekey.Address) ([]byte, error) {
	var out []byte
	for _, l := range layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := d.Get(LayerDir(l), key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = data
	}
	if out == nil {
		return nil, fmt.Errorf("elevation %s: %w", key, ErrNotFound)
	}
	return out, nil
}
