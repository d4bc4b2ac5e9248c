package tile

import (
	"context"
	"sync/atomic"

	"github.com/freeeve/lodterrain/internal/mapframe"
	"github.com/freeeve/lodterrain/internal/taskservice"
	"github.com/freeeve/lodterrain/internal/tilekey"
)

type requestState int32

const (
	stateQueued requestState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateCanceled
)

func (s requestState) String() string {
	switch s {
	case stateQueued:
		return "queued"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateFailed:
		return "failed"
	case stateCanceled:
		return "canceled"
	}
	return "unknown"
}

type loadFunc func(ctx context.Context) ([]byte, error)

// Request is one asynchronous fetch-and-decode for a single layer of a tile.
// The worker writes data/err before publishing the final state, so readers
// that observe Done may read them without further locking.
type Request struct {
	layer     mapframe.LayerID
	elevation bool
	key       tilekey.Address // the address whose data is fetched (LOD = key.Level)
	stamp     atomic.Int64
	service   *taskservice.Service
	load      loadFunc

	state     atomic.Int32
	cancelled atomic.Bool
	expired   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	data []byte
	err  error
}

func newRequest(layer mapframe.LayerID, elevation bool, key tilekey.Address, stamp int64, svc *taskservice.Service, load loadFunc) *Request {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Request{
		layer:     layer,
		elevation: elevation,
		key:       key,
		service:   svc,
		load:      load,
		ctx:       ctx,
		cancel:    cancel,
	}
	r.stamp.Store(stamp)
	return r
}

func (r *Request) getState() requestState {
	return requestState(r.state.Load())
}

// Run implements taskservice.Task.
func (r *Request) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(stateQueued), int32(stateRunning)) {
		return nil // cancelled while queued
	}
	defer r.cancel()
	stop := context.AfterFunc(ctx, r.cancel)
	defer stop()

	data, err := r.load(r.ctx)
	r.data, r.err = data, err
	if err != nil {
		r.state.Store(int32(stateFailed))
		return err
	}
	r.state.Store(int32(stateCompleted))
	return nil
}

// Stamp implements taskservice.Expirable.
func (r *Request) Stamp() int64 { return r.stamp.Load() }

// Touch records that the request was still wanted at stamp. The stored stamp
// only moves forward.
func (r *Request) Touch(stamp int64) {
	for {
		old := r.stamp.Load()
		if stamp <= old || r.stamp.CompareAndSwap(old, stamp) {
			return
		}
	}
}

// Expire implements taskservice.Expirable.
func (r *Request) Expire() {
	r.expired.Store(true)
	r.state.CompareAndSwap(int32(stateQueued), int32(stateCanceled))
	r.cancel()
}

// Cancel asks the request to stop. A queued request is cancelled at once; a
// running one is told through its context and finishes on its own. Cancel
// reports whether the request has finished.
func (r *Request) Cancel() bool {
	r.cancelled.Store(true)
	r.state.CompareAndSwap(int32(stateQueued), int32(stateCanceled))
	r.cancel()
	return r.Done()
}

// Done reports whether the request has finished, successfully or not.
func (r *Request) Done() bool {
	return r.getState() >= stateCompleted
}

// fail marks a request that could not be submitted.
func (r *Request) fail(err error) {
	r.err = err
	r.state.Store(int32(stateFailed))
	r.cancel()
}

// Key returns the address whose data the request fetches.
func (r *Request) Key() tilekey.Address { return r.key }

// LOD returns the level of detail the request will resolve.
func (r *Request) LOD() int { return int(r.key.Level) }
