package sampler

import (
	"context"
	"sync"
	"sync/atomic"

	"HaksaPresence/module/presence/model"
)

// Stream is one run of the geolocation watch. C is closed when the stream
// ends; Err then reports why (nil after Stop or context cancellation).
type Stream struct {
	c      chan model.LocationSample
	done   chan struct{}
	cancel context.CancelFunc

	stopped atomic.Bool

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		c:      make(chan model.LocationSample, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

func (st *Stream) C() <-chan model.LocationSample { return st.c }

func (st *Stream) Done() <-chan struct{} { return st.done }

func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Stop cancels the watch. It is safe to call more than once.
func (st *Stream) Stop() {
	st.stopped.Store(true)
	st.cancel()
}

func (st *Stream) finish(err error) {
	st.mu.Lock()
	st.err = err
	st.mu.Unlock()
	st.cancel()
	close(st.c)
	close(st.done)
}

// finished reports whether the stream ended or was asked to stop.
func (st *Stream) finished() bool {
	if st.stopped.Load() {
		return true
	}
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}
