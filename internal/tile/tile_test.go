package tile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeeve/lodterrain/internal/config"
	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

type fakeLoader struct {
	mu    sync.Mutex
	calls []tilekey.Address
	gate  chan struct{} // when non-nil, loads block until closed or cancelled
	err   error
}

func (f *fakeLoader) load(ctx context.Context, key tilekey.Address) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return []byte(key.String()), nil
}

func (f *fakeLoader) LoadElevation(ctx context.Context, _ []mapframe.Layer, key tilekey.Address) ([]byte, error) {
	return f.load(ctx, key)
}

func (f *fakeLoader) LoadImagery(ctx context.Context, _ mapframe.Layer, key tilekey.Address) ([]byte, error) {
	return f.load(ctx, key)
}

func (f *fakeLoader) numCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestTile(t *testing.T, mode config.Mode, key tilekey.Address, loader Loader) (*Tile, *taskservice.Registry) {
	t.Helper()
	reg := taskservice.NewRegistry(taskservice.RegistryConfig{StaleAfter: 2, Logger: zerolog.Nop()})
	t.Cleanup(reg.Close)
	reg.Imagery(1)
	return New(Config{Key: key, Mode: mode, Loader: loader, Services: reg, Logger: zerolog.Nop()}), reg
}

func testFrame() *mapframe.Frame {
	return &mapframe.Frame{
		Profile:         tilekey.Geodetic(),
		ElevationLayers: []mapframe.Layer{{ID: 100, Name: "dem"}},
		ImageLayers:     []mapframe.Layer{{ID: 1, Name: "base"}},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// settle waits for outstanding requests to finish and integrates them.
func settle(t *testing.T, tl *Tile, frame *mapframe.Frame) bool {
	t.Helper()
	changed := false
	waitFor(t, "requests to finish", func() bool {
		if tl.ServiceCompletedRequests(frame, true) {
			changed = true
		}
		return !tl.HasPendingRequests()
	})
	return changed
}

func TestEnqueueIsNoOpWhileOutstanding(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, _ := newTestTile(t, config.ModeSequential, tilekey.Address{Level: 1}, loader)
	layer := mapframe.Layer{ID: 1}

	if !tl.EnqueueImageryRequest(layer, 0, 1) {
		t.Fatalf("first EnqueueImageryRequest = false, want true")
	}
	if tl.EnqueueImageryRequest(layer, 1, 1) {
		t.Errorf("second EnqueueImageryRequest = true, want false while outstanding")
	}
	if got := tl.NumPendingRequests(); got != 1 {
		t.Errorf("NumPendingRequests = %d, want 1", got)
	}
	close(loader.gate)
	settle(t, tl, testFrame())
	if lod, _ := tl.ImageryLOD(1); lod != 0 {
		t.Errorf("ImageryLOD = %d, want 0", lod)
	}
}

func TestSequentialLoadsOneLevelAtATime(t *testing.T) {
	loader := &fakeLoader{}
	key := tilekey.Address{Level: 2, X: 3, Y: 1}
	tl, reg := newTestTile(t, config.ModeSequential, key, loader)
	frame := testFrame()

	var stamp int64 = 1
	for want := 0; want <= 2; want++ {
		stamp++
		reg.SetStamp(stamp)
		tl.MarkTraversed(stamp)
		if !tl.ServicePendingElevationRequests(frame, stamp) {
			t.Fatalf("pass %d: no elevation request enqueued", want)
		}
		if n := tl.ServicePendingImageRequests(frame, stamp); n != 1 {
			t.Fatalf("pass %d: image requests = %d, want 1", want, n)
		}
		if !settle(t, tl, frame) {
			t.Fatalf("pass %d: tile did not change", want)
		}
		if got := tl.ElevationLOD(); got != want {
			t.Errorf("pass %d: ElevationLOD = %d, want %d", want, got, want)
		}
		if got, _ := tl.ImageryLOD(1); got != want {
			t.Errorf("pass %d: ImageryLOD = %d, want %d", want, got, want)
		}
	}
	if got, want := string(tl.ImageryData(1)), key.String(); got != want {
		t.Errorf("ImageryData = %q, want %q", got, want)
	}

	stamp++
	tl.MarkTraversed(stamp)
	if tl.ServicePendingElevationRequests(frame, stamp) || tl.ServicePendingImageRequests(frame, stamp) != 0 {
		t.Errorf("requests enqueued for a tile already at its own level")
	}
}

func TestPreemptiveRequestsOwnLevel(t *testing.T) {
	loader := &fakeLoader{}
	tl, _ := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 5, X: 7, Y: 9}, loader)
	frame := testFrame()
	tl.MarkTraversed(1)
	tl.ServicePendingImageRequests(frame, 1)
	settle(t, tl, frame)

	if got, _ := tl.ImageryLOD(1); got != 5 {
		t.Errorf("ImageryLOD = %d, want 5", got)
	}
	if got := loader.numCalls(); got != 1 {
		t.Errorf("loader calls = %d, want 1", got)
	}
}

func TestStandardModeAndInvisibleTilesRequestNothing(t *testing.T) {
	loader := &fakeLoader{}
	frame := testFrame()

	std, _ := newTestTile(t, config.ModeStandard, tilekey.Address{Level: 1}, loader)
	std.MarkTraversed(1)
	if std.ServicePendingImageRequests(frame, 1) != 0 || std.ServicePendingElevationRequests(frame, 1) {
		t.Errorf("standard mode enqueued requests")
	}

	seq, _ := newTestTile(t, config.ModeSequential, tilekey.Address{Level: 1}, loader)
	if seq.ServicePendingImageRequests(frame, 1) != 0 {
		t.Errorf("untraversed tile enqueued requests")
	}
	seq.MarkTraversed(1)
	if seq.ServicePendingImageRequests(frame, 5) != 0 {
		t.Errorf("tile last traversed at 1 enqueued requests at stamp 5")
	}
}

func TestParentGatesSequentialLoads(t *testing.T) {
	loader := &fakeLoader{}
	tl, _ := newTestTile(t, config.ModeSequential, tilekey.Address{Level: 3}, loader)
	tl.SetImagery(1, 0, []byte("seed"))

	var f Family
	f[tilekey.Parent] = Relative{
		Key:          tilekey.Address{Level: 2},
		Expected:     true,
		ElevationLOD: NoLOD,
		ImageLODs:    map[mapframe.LayerID]int{1: 0},
	}
	tl.SetFamily(f)
	tl.MarkTraversed(1)
	frame := &mapframe.Frame{ImageLayers: []mapframe.Layer{{ID: 1}}}

	if n := tl.ServicePendingImageRequests(frame, 1); n != 1 {
		t.Fatalf("requests = %d, want 1 (LOD 1 is one ahead of the parent)", n)
	}
	settle(t, tl, frame)
	if n := tl.ServicePendingImageRequests(frame, 1); n != 0 {
		t.Errorf("requests = %d, want 0 while the parent is still at LOD 0", n)
	}
}

func TestWholeUpdateWaitsForAllRequests(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, _ := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := testFrame()
	tl.EnqueueImageryRequest(frame.ImageLayers[0], 1, 1)
	tl.EnqueueElevationRequest(frame, 1, 1)

	if tl.ServiceCompletedRequests(frame, false) {
		t.Fatalf("whole update integrated while loads were blocked")
	}
	close(loader.gate)
	waitFor(t, "whole update", func() bool { return tl.ServiceCompletedRequests(frame, false) })
	if tl.ElevationLOD() != 1 {
		t.Errorf("ElevationLOD = %d, want 1", tl.ElevationLOD())
	}
	if lod, _ := tl.ImageryLOD(1); lod != 1 {
		t.Errorf("ImageryLOD = %d, want 1", lod)
	}
}

func TestStaleResultIsDiscarded(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, reg := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := testFrame()
	reg.SetStamp(10)
	tl.EnqueueImageryRequest(frame.ImageLayers[0], 1, 10)
	waitFor(t, "load to start", func() bool { return loader.numCalls() == 1 })

	reg.SetStamp(13)
	close(loader.gate)
	if settle(t, tl, frame) {
		t.Errorf("stale result changed the tile")
	}
	if lod, _ := tl.ImageryLOD(1); lod != NoLOD {
		t.Errorf("ImageryLOD = %d, want NoLOD", lod)
	}
}

func TestSlowLoadSurvivesWhileVisible(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, reg := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := testFrame()

	reg.SetStamp(1)
	tl.MarkTraversed(1)
	tl.ServicePendingElevationRequests(frame, 1)
	tl.ServicePendingImageRequests(frame, 1)
	waitFor(t, "loads to start", func() bool { return loader.numCalls() == 2 })

	// Far more frames than the staleness threshold pass while the loads run.
	for stamp := int64(2); stamp <= 20; stamp++ {
		reg.SetStamp(stamp)
		tl.MarkTraversed(stamp)
		if tl.ServicePendingElevationRequests(frame, stamp) || tl.ServicePendingImageRequests(frame, stamp) != 0 {
			t.Fatalf("stamp %d: request reissued while one was outstanding", stamp)
		}
		if tl.ServiceCompletedRequests(frame, true) {
			t.Fatalf("stamp %d: tile changed before the loads finished", stamp)
		}
	}

	close(loader.gate)
	if !settle(t, tl, frame) {
		t.Fatalf("slow results were discarded")
	}
	if tl.ElevationLOD() != 1 {
		t.Errorf("ElevationLOD = %d, want 1", tl.ElevationLOD())
	}
	if lod, _ := tl.ImageryLOD(1); lod != 1 {
		t.Errorf("ImageryLOD = %d, want 1", lod)
	}
	if got := loader.numCalls(); got != 2 {
		t.Errorf("loader calls = %d, want 2", got)
	}
}

func TestTouchOnlyMovesForward(t *testing.T) {
	r := newRequest(1, false, tilekey.Address{}, 5, nil, nil)
	r.Touch(9)
	r.Touch(7)
	if got := r.Stamp(); got != 9 {
		t.Errorf("Stamp = %d, want 9", got)
	}
}

func TestLayerWithoutServiceIsSkipped(t *testing.T) {
	loader := &fakeLoader{}
	tl, reg := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := &mapframe.Frame{ImageLayers: []mapframe.Layer{{ID: 1}, {ID: 7}}}

	tl.MarkTraversed(1)
	if n := tl.ServicePendingImageRequests(frame, 1); n != 1 {
		t.Errorf("requests = %d, want 1 (layer 7 has no service)", n)
	}
	if _, ok := reg.Get(taskservice.ID(7)); ok {
		t.Errorf("request path created a service for layer 7")
	}
	settle(t, tl, frame)
	if _, ok := tl.ImageryLOD(7); ok {
		t.Errorf("layer 7 has state without a service")
	}
}

func TestFailedLoadKeepsExistingData(t *testing.T) {
	loader := &fakeLoader{err: errors.New("404")}
	tl, _ := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 2}, loader)
	tl.SetImagery(1, 1, []byte("old"))
	frame := testFrame()

	tl.EnqueueImageryRequest(frame.ImageLayers[0], 2, 0)
	settle(t, tl, frame)

	if lod, _ := tl.ImageryLOD(1); lod != 1 {
		t.Errorf("ImageryLOD = %d, want 1", lod)
	}
	if got := string(tl.ImageryData(1)); got != "old" {
		t.Errorf("ImageryData = %q, want old", got)
	}
}

func TestCancelRequestsIsCooperative(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, _ := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := testFrame()
	tl.EnqueueImageryRequest(frame.ImageLayers[0], 1, 0)
	waitFor(t, "load to start", func() bool { return loader.numCalls() == 1 })

	// The first call may race with the worker observing cancellation.
	waitFor(t, "cancellation to finish", tl.CancelRequests)
	if tl.ServiceCompletedRequests(frame, true) {
		t.Errorf("cancelled result changed the tile")
	}
	if tl.HasPendingRequests() {
		t.Errorf("request line still occupied after integration")
	}
}

func TestCancelQueuedRequestFinishesImmediately(t *testing.T) {
	loader := &fakeLoader{}
	tl, reg := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	reg.Imagery(1).SetThreadCount(0)
	tl.EnqueueImageryRequest(mapframe.Layer{ID: 1}, 1, 0)

	if !tl.CancelRequests() {
		t.Errorf("CancelRequests on a queued request = false, want true")
	}
	reg.Imagery(1).SetThreadCount(1)
	waitFor(t, "queue to drain", func() bool { return reg.NumTasksRemaining() == 0 })
	if got := loader.numCalls(); got != 0 {
		t.Errorf("loader calls = %d, want 0", got)
	}
}

func TestRemovedLayerIsDropped(t *testing.T) {
	tl, _ := newTestTile(t, config.ModeStandard, tilekey.Address{Level: 1}, &fakeLoader{})
	tl.SetImagery(1, 0, []byte("a"))
	tl.SetImagery(2, 0, []byte("b"))

	frame := &mapframe.Frame{ImageLayers: []mapframe.Layer{{ID: 2}}}
	if !tl.ServiceCompletedRequests(frame, true) {
		t.Fatalf("dropping a layer did not report a change")
	}
	if _, ok := tl.ImageryLOD(1); ok {
		t.Errorf("layer 1 still present")
	}
	if got := len(tl.ColorLayers()); got != 1 {
		t.Errorf("ColorLayers = %d, want 1", got)
	}
}

type countingGPU struct{ n atomic.Int32 }

func (g *countingGPU) ReleaseResources(RenderState) { g.n.Add(1) }

func TestReleaseResourcesRunsOnce(t *testing.T) {
	tl, _ := newTestTile(t, config.ModeStandard, tilekey.Address{}, &fakeLoader{})
	gpu := &countingGPU{}
	tl.SetGPUResources(gpu)
	tl.ReleaseResources(nil)
	tl.ReleaseResources(nil)
	if got := gpu.n.Load(); got != 1 {
		t.Errorf("GPU releases = %d, want 1", got)
	}
	if !tl.ResourcesReleased() {
		t.Errorf("ResourcesReleased = false")
	}
}

func TestReferents(t *testing.T) {
	tl, _ := newTestTile(t, config.ModeStandard, tilekey.Address{}, &fakeLoader{})
	tl.Acquire()
	tl.Acquire()
	tl.Release()
	if got := tl.ExternalRefs(); got != 1 {
		t.Errorf("ExternalRefs = %d, want 1", got)
	}
	tl.Release()
	tl.Release()
	if got := tl.ExternalRefs(); got != 0 {
		t.Errorf("ExternalRefs after over-release = %d, want 0", got)
	}
}

func TestServiceCompletedWithNothingDoneIsNoOp(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	tl, _ := newTestTile(t, config.ModePreemptive, tilekey.Address{Level: 1}, loader)
	frame := testFrame()
	tl.SetImagery(1, 0, []byte("a"))
	before := tl.Revision()

	if tl.ServiceCompletedRequests(frame, true) {
		t.Errorf("empty tile reported a change")
	}
	tl.EnqueueImageryRequest(frame.ImageLayers[0], 1, 0)
	if tl.ServiceCompletedRequests(frame, true) || tl.ServiceCompletedRequests(frame, false) {
		t.Errorf("unfinished request reported a change")
	}
	if got := tl.Revision(); got != before {
		t.Errorf("Revision = %d, want %d", got, before)
	}
	if !tl.HasPendingRequests() {
		t.Errorf("request line freed before the load finished")
	}
	close(loader.gate)
}
