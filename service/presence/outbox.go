package presence

import (
	"sync"

	"HaksaPresence/module/presence/model"
)

// Outbox is a subscriber's pending fan-out. Deltas are keyed by user: a newer
// delta for a user already pending replaces it in place, so a slow reader
// sees the latest value per user in original order. A snapshot discards
// everything pending before it.
type Outbox struct {
	mu       sync.Mutex
	limit    int
	snapshot []model.PresenceRecord
	hasSnap  bool
	order    []string
	pending  map[string]model.Delta
	resync   bool
	closed   bool
	notify   chan struct{}
}

func NewOutbox(limit int) *Outbox {
	return &Outbox{
		limit:   limit,
		pending: make(map[string]model.Delta),
		notify:  make(chan struct{}, 1),
	}
}

// Ready is signalled whenever there is something to drain.
func (o *Outbox) Ready() <-chan struct{} { return o.notify }

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *Outbox) Enqueue(d model.Delta) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.resync {
		return
	}
	id := d.Record.UserID
	if prev, ok := o.pending[id]; ok {
		// the reader has not seen prev.add yet
		if prev.Op == model.OpAdd && d.Op == model.OpUpdate {
			d.Op = model.OpAdd
		}
		o.pending[id] = d
		return
	}
	if o.limit > 0 && len(o.order) >= o.limit {
		o.resync = true
		o.order = nil
		o.pending = make(map[string]model.Delta)
		o.signal()
		return
	}
	o.order = append(o.order, id)
	o.pending[id] = d
	o.signal()
}

// Snapshot replaces everything pending with a full view.
func (o *Outbox) Snapshot(records []model.PresenceRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if records == nil {
		records = []model.PresenceRecord{}
	}
	o.snapshot = records
	o.hasSnap = true
	o.resync = false
	o.order = nil
	o.pending = make(map[string]model.Delta)
	o.signal()
}

// Drain takes everything pending. resync is true when the outbox overflowed;
// the caller should ask the registry for a fresh snapshot.
func (o *Outbox) Drain() (snapshot []model.PresenceRecord, hasSnap bool, deltas []model.Delta, resync bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot, hasSnap, resync = o.snapshot, o.hasSnap, o.resync
	if len(o.order) > 0 {
		deltas = make([]model.Delta, 0, len(o.order))
		for _, id := range o.order {
			deltas = append(deltas, o.pending[id])
		}
	}
	o.snapshot, o.hasSnap, o.resync = nil, false, false
	o.order = nil
	if len(deltas) > 0 {
		o.pending = make(map[string]model.Delta)
	}
	return
}

// Len is the number of distinct users pending.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

// Clear drops pending deltas, used when a subscription ends.
func (o *Outbox) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.order = nil
	o.pending = make(map[string]model.Delta)
	o.resync = false
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.order = nil
	o.pending = nil
	o.snapshot = nil
}
