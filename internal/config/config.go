// Package config holds the terrain engine's loading policy and options, and
// loads them from YAML.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

// EnvLoadingThreads overrides the total loading-thread count. The CLI reads it
// once via ApplyEnv; nothing else consults the environment.
const EnvLoadingThreads = "LODTERRAIN_NUM_LOADING_THREADS"

// ErrInvalidPolicy is returned for values that cannot be resolved to a usable
// thread count.
var ErrInvalidPolicy = errors.New("invalid loading policy")

// Mode selects how tile data is loaded.
type Mode int

const (
	// ModeStandard builds tiles synchronously in the tile factory; the engine
	// does no asynchronous request servicing.
	ModeStandard Mode = iota
	// ModeSequential loads each layer one LOD at a time, coarse to fine.
	ModeSequential
	// ModePreemptive loads each layer directly at the tile's own LOD.
	ModePreemptive
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModePreemptive:
		return "preemptive"
	}
	return "standard"
}

// ParseMode maps a mode name to a Mode. Unknown names resolve to ModeStandard
// with ok=false so the caller can warn.
func ParseMode(s string) (m Mode, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return ModeStandard, true
	case "sequential":
		return ModeSequential, true
	case "preemptive":
		return ModePreemptive, true
	}
	return ModeStandard, false
}

// LoadingPolicy controls loading mode and thread budgets. Nil pointers mean
// "not set" and fall back to the per-core multipliers.
type LoadingPolicy struct {
	ModeName              string   `yaml:"mode"`
	LoadingThreads        *int     `yaml:"loading_threads,omitempty"`
	LoadingThreadsPerCore *float64 `yaml:"loading_threads_per_core,omitempty"`
	CompileThreads        *int     `yaml:"compile_threads,omitempty"`
	CompileThreadsPerCore *float64 `yaml:"compile_threads_per_core,omitempty"`
}

const (
	defaultLoadingThreadsPerCore = 4.0
	defaultCompileThreadsPerCore = 0.5
)

// Mode returns the parsed loading mode.
func (p LoadingPolicy) Mode() Mode {
	m, _ := ParseMode(p.ModeName)
	return m
}

// Options is the engine's startup configuration.
type Options struct {
	LoadingPolicy LoadingPolicy `yaml:"loading_policy"`

	// QuickRelease enables explicit GPU release of retired tiles on the render
	// thread. Nil means enabled.
	QuickRelease *bool `yaml:"quick_release,omitempty"`

	MaxLOD uint32 `yaml:"max_lod"`

	// StaleAfterFrames is how far the stamp may advance past a request's
	// stamp before its result is discarded.
	StaleAfterFrames int64 `yaml:"stale_after_frames"`

	// LoadingThreadsOverride takes precedence over the loading policy when set.
	LoadingThreadsOverride *int `yaml:"-"`
}

// Default returns the stock options: max LOD 23, stale after 2 frames.
func Default() Options {
	return Options{
		MaxLOD:           23,
		StaleAfterFrames: 2,
	}
}

// QuickReleaseEnabled reports the effective quick-release setting.
func (o Options) QuickReleaseEnabled() bool {
	return o.QuickRelease == nil || *o.QuickRelease
}

// ApplyEnv populates LoadingThreadsOverride from the environment using the
// supplied lookup (os.Getenv in production).
func (o *Options) ApplyEnv(getenv func(string) string) error {
	v := strings.TrimSpace(getenv(EnvLoadingThreads))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", EnvLoadingThreads, v, ErrInvalidPolicy)
	}
	o.LoadingThreadsOverride = &n
	return nil
}

// LoadingThreads resolves the total loading-thread budget: override, then
// explicit count, then per-core multiplier. Never less than 1.
func (o Options) LoadingThreads(numCPU int) int {
	if o.LoadingThreadsOverride != nil {
		return max(1, *o.LoadingThreadsOverride)
	}
	p := o.LoadingPolicy
	if p.LoadingThreads != nil {
		return max(1, *p.LoadingThreads)
	}
	perCore := defaultLoadingThreadsPerCore
	if p.LoadingThreadsPerCore != nil {
		perCore = *p.LoadingThreadsPerCore
	}
	return max(1, int(perCore*float64(numCPU)))
}

// CompileThreads resolves the tile-compile thread count. Never less than 1.
func (o Options) CompileThreads(numCPU int) int {
	p := o.LoadingPolicy
	if p.CompileThreads != nil {
		return max(1, *p.CompileThreads)
	}
	perCore := defaultCompileThreadsPerCore
	if p.CompileThreadsPerCore != nil {
		perCore = *p.CompileThreadsPerCore
	}
	return max(1, int(perCore*float64(numCPU)))
}

// File is the on-disk terrain description: options plus the map's layers.
type File struct {
	Options         `yaml:",inline"`
	Profile         string           `yaml:"profile"`
	ElevationLayers []mapframe.Layer `yaml:"elevation_layers"`
	ImageLayers     []mapframe.Layer `yaml:"image_layers"`
}

// Load reads a terrain file. Missing fields keep the defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a terrain file from YAML.
func Parse(data []byte) (*File, error) {
	f := &File{Options: Default()}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse terrain file: %w", err)
	}
	if n := f.LoadingPolicy.LoadingThreadsPerCore; n != nil && (math.IsNaN(*n) || *n < 0) {
		return nil, fmt.Errorf("loading_threads_per_core %v: %w", *n, ErrInvalidPolicy)
	}
	if n := f.LoadingPolicy.CompileThreadsPerCore; n != nil && (math.IsNaN(*n) || *n < 0) {
		return nil, fmt.Errorf("compile_threads_per_core %v: %w", *n, ErrInvalidPolicy)
	}
	seen := make(map[mapframe.LayerID]bool)
	for _, l := range append(append([]mapframe.Layer(nil), f.ElevationLayers...), f.ImageLayers...) {
		if l.ID.Reserved() {
			return nil, fmt.Errorf("layer %q: id %d is reserved: %w", l.Name, l.ID, ErrInvalidPolicy)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("duplicate layer id %d: %w", l.ID, ErrInvalidPolicy)
		}
		seen[l.ID] = true
	}
	return f, nil
}

// ProfileByName returns the tiling profile for a name; unknown names fall back
// to the geodetic profile with ok=false.
func ProfileByName(name string) (p tilekey.Profile, ok bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "geodetic", "global-geodetic":
		return tilekey.Geodetic(), true
	case "mercator", "spherical-mercator":
		return tilekey.Mercator{}, true
	}
	return tilekey.Geodetic(), false
}

// Frame builds a map frame from the file's layers.
func (f *File) Frame(revision int) *mapframe.Frame {
	profile, _ := ProfileByName(f.Profile)
	return &mapframe.Frame{
		Revision:        revision,
		Profile:         profile,
		ElevationLayers: f.ElevationLayers,
		ImageLayers:     f.ImageLayers,
	}
}
