package taskservice

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freeeve/lodterrain/internal/mapframe"
)

func newTestRegistry() *Registry {
	return NewRegistry(RegistryConfig{CompileThreads: 2, Logger: zerolog.Nop()})
}

func TestGetOrCreateIsSingleInstanceUnderRace(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	const callers = 16
	got := make([]*Service, callers)
	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			got[i] = r.GetOrCreate(42, fmt.Sprintf("imagery-%d", i%2), 0)
		}()
	}
	start.Done()
	done.Wait()

	for i := 1; i < callers; i++ {
		require.Same(t, got[0], got[i], "caller %d received a different service", i)
	}
	require.Len(t, r.Statuses(), 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, got[0].Submit(TaskFunc(func(context.Context) error { return nil })))
	}
	assert.Equal(t, 5, r.NumTasksRemaining())

	got[0].SetThreadCount(1)
	waitFor(t, "registry to drain", func() bool { return r.NumTasksRemaining() == 0 })
}

func TestWellKnownServices(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	assert.Equal(t, ElevationID, r.Elevation().ID())
	assert.Equal(t, "elevation", r.Elevation().Name())
	assert.Equal(t, TileCompileID, r.TileCompile().ID())
	assert.Equal(t, 2, r.TileCompile().ThreadCount())
	assert.Equal(t, "layer 7", r.Imagery(7).Name())
	assert.Same(t, r.Imagery(7), r.Imagery(7))
}

func TestSetStampReachesEveryService(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	services := []*Service{r.Elevation(), r.Imagery(1), r.TileCompile()}
	r.SetStamp(99)
	for _, s := range services {
		assert.Equal(t, int64(99), s.Stamp(), "service %s", s.Name())
	}
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		elevation []float64
		imagery   []float64
		total     int
		wantElev  int
		wantImage []int
	}{
		{"imagery only", nil, []float64{1, 3}, 8, 0, []int{2, 6}},
		{"elevation uses max weight", []float64{1, 2}, []float64{2}, 8, 4, []int{4}},
		{"floor of one", nil, []float64{1, 100}, 4, 0, []int{1, 4}},
		{"disabled layer gets none", nil, []float64{-1, 1}, 4, 0, []int{0, 4}},
		{"default weights split evenly", []float64{0}, []float64{0, 0, 0}, 8, 2, []int{2, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := &mapframe.Frame{}
			for i, w := range tt.elevation {
				frame.ElevationLayers = append(frame.ElevationLayers, mapframe.Layer{ID: mapframe.LayerID(100 + i), LoadingWeight: w})
			}
			for i, w := range tt.imagery {
				frame.ImageLayers = append(frame.ImageLayers, mapframe.Layer{ID: mapframe.LayerID(i), LoadingWeight: w})
			}

			alloc := Allocate(frame, tt.total)
			assert.Equal(t, tt.wantElev, alloc.Elevation)
			for i, want := range tt.wantImage {
				assert.Equal(t, want, alloc.Imagery[mapframe.LayerID(i)], "imagery layer %d", i)
			}
		})
	}
}

func TestAllocateStaysNearBudget(t *testing.T) {
	for total := 1; total <= 32; total++ {
		frame := &mapframe.Frame{
			ElevationLayers: []mapframe.Layer{{ID: 100, LoadingWeight: 1}},
			ImageLayers: []mapframe.Layer{
				{ID: 1, LoadingWeight: 1},
				{ID: 2, LoadingWeight: 3},
				{ID: 3, LoadingWeight: 0.5},
			},
		}
		alloc := Allocate(frame, total)
		// Each of the four classes may round up by at most one thread.
		limit := max(total, 4) + 2
		assert.LessOrEqual(t, alloc.Total(), limit, "total=%d alloc=%+v", total, alloc)
	}
}

func TestRebalanceResizesAndRetiresServices(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	frame := &mapframe.Frame{
		ImageLayers: []mapframe.Layer{
			{ID: 1, Name: "base", LoadingWeight: 1},
			{ID: 2, Name: "overlay", LoadingWeight: 3},
		},
	}
	r.Rebalance(frame, 8)
	assert.Equal(t, 2, r.Imagery(1).ThreadCount())
	assert.Equal(t, 6, r.Imagery(2).ThreadCount())
	_, hasElevation := r.Get(ElevationID)
	assert.False(t, hasElevation, "elevation service created without elevation layers")

	removed := r.Imagery(2)
	frame = &mapframe.Frame{ImageLayers: []mapframe.Layer{{ID: 1, Name: "base", LoadingWeight: 1}}}
	r.Rebalance(frame, 8)

	assert.Equal(t, 8, r.Imagery(1).ThreadCount())
	_, ok := r.Get(2)
	assert.False(t, ok, "service for removed layer still registered")
	assert.ErrorIs(t, removed.Submit(TaskFunc(func(context.Context) error { return nil })), ErrClosed)
}

func TestReservedLayerIDsDoNotAliasEngineServices(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	elev := r.Elevation()
	alias := r.Imagery(mapframe.LayerID(ElevationID))
	assert.NotSame(t, elev, alias)
	assert.ErrorIs(t, alias.Submit(TaskFunc(func(context.Context) error { return nil })), ErrClosed)
	_, ok := r.LookupImagery(mapframe.ElevationServiceID)
	assert.False(t, ok, "lookup resolved a reserved id")

	frame := &mapframe.Frame{
		ElevationLayers: []mapframe.Layer{{ID: 100, LoadingWeight: 1}},
		ImageLayers: []mapframe.Layer{
			{ID: 1, LoadingWeight: 1},
			{ID: mapframe.ElevationServiceID, LoadingWeight: 6},
		},
	}
	alloc := r.Rebalance(frame, 8)
	assert.Equal(t, 0, alloc.Imagery[mapframe.ElevationServiceID])
	assert.Equal(t, 4, alloc.Elevation)
	assert.Equal(t, 4, r.Elevation().ThreadCount())
	assert.Same(t, elev, r.Elevation())
	assert.Equal(t, 2, r.TileCompile().ThreadCount())
}

func TestLookupImageryNeverCreates(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	_, ok := r.LookupImagery(3)
	assert.False(t, ok)
	assert.Empty(t, r.Statuses())

	created := r.Imagery(3)
	got, ok := r.LookupImagery(3)
	require.True(t, ok)
	assert.Same(t, created, got)
}

func TestElevationPausedWhenFrameDropsElevation(t *testing.T) {
	r := newTestRegistry()
	defer r.Close()

	r.Rebalance(&mapframe.Frame{
		ElevationLayers: []mapframe.Layer{{ID: 100}},
		ImageLayers:     []mapframe.Layer{{ID: 1}},
	}, 8)
	require.Equal(t, 4, r.Elevation().ThreadCount())

	r.Rebalance(&mapframe.Frame{ImageLayers: []mapframe.Layer{{ID: 1}}}, 8)
	assert.Equal(t, 0, r.Elevation().ThreadCount())
	assert.Equal(t, 8, r.Imagery(1).ThreadCount())
}
