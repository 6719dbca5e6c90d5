package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"HaksaPresence/module/presence/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBus struct {
	mu        sync.Mutex
	published []BusEvent
	handlers  []func(BusEvent)
}

func (b *memBus) Publish(_ context.Context, ev BusEvent) error {
	b.mu.Lock()
	b.published = append(b.published, ev)
	hs := append([]func(BusEvent){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, h func(BusEvent)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

func (b *memBus) Close() error { return nil }

func (b *memBus) events() []BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BusEvent{}, b.published...)
}

type memMirror struct {
	mu   sync.Mutex
	recs map[string]model.PresenceRecord
	ttl  time.Duration
	ops  []string
}

func newMemMirror() *memMirror { return &memMirror{recs: map[string]model.PresenceRecord{}} }

func (m *memMirror) Save(_ context.Context, rec model.PresenceRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.UserID] = rec
	m.ttl = ttl
	m.ops = append(m.ops, "save:"+rec.UserID)
	return nil
}

func (m *memMirror) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, userID)
	m.ops = append(m.ops, "delete:"+userID)
	return nil
}

func (m *memMirror) LoadAll(context.Context) ([]model.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PresenceRecord, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, r)
	}
	return out, nil
}

func (m *memMirror) opsCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.ops...)
}

func TestReplicationToBusAndMirror(t *testing.T) {
	clock := newClock()
	bus := &memBus{}
	mirror := newMemMirror()
	r := newTestRegistry(clock, WithBus(bus), WithMirror(mirror))
	ctx := context.Background()

	b := r.Attach("cb", "B", "bob")
	_, err := r.Publish(ctx, b.ID, pub(37.501, 127.031, true, 1))
	require.NoError(t, err)
	_, err = r.Publish(ctx, b.ID, pub(37.501, 127.031, true, 0))
	require.Error(t, err, "stale")
	r.Detach(b.ID, true)
	r.Close()

	assert.Equal(t, []string{"save:B", "delete:B"}, mirror.opsCopy())
	assert.Equal(t, 90*time.Second, mirror.ttl)

	evs := bus.events()
	require.Len(t, evs, 2)
	assert.Equal(t, BusUpsert, evs[0].Op)
	assert.Equal(t, "gw1", evs[0].NodeID)
	assert.Equal(t, "bob", evs[0].Record.UserName)
	assert.Equal(t, BusRemove, evs[1].Op)

	// publishing after close is dropped, not a panic
	assert.NotPanics(t, func() { r.replicate(BusEvent{Op: BusUpsert}) })
}

func TestApplyRemoteUsesLastWriteWins(t *testing.T) {
	bus := &memBus{}
	r := newTestRegistry(newClock(), WithBus(bus))
	defer r.Close()
	ctx := context.Background()
	a := r.Attach("ca", "A", "")
	require.NoError(t, r.Subscribe(ctx, a.ID, subAt(37.5, 127.03, 500)))
	v := newView().drain(a.Outbox)

	remote := model.PresenceRecord{UserID: "R", UserName: "remy", Latitude: 37.501, Longitude: 127.031, Visible: true, Status: model.StatusOnline, UpdatedAt: 50}
	r.ApplyRemote(BusEvent{NodeID: "gw2", Op: BusUpsert, Record: remote})
	v.drain(a.Outbox)
	require.True(t, v.has("R"))

	older := remote
	older.UpdatedAt = 40
	older.Visible = false
	r.ApplyRemote(BusEvent{NodeID: "gw2", Op: BusUpsert, Record: older})
	rec, _ := r.Get("R")
	assert.True(t, rec.Visible)

	// own echo is ignored
	self := remote
	self.UpdatedAt = 99
	self.Latitude = 10
	r.ApplyRemote(BusEvent{NodeID: "gw1", Op: BusUpsert, Record: self})
	rec, _ = r.Get("R")
	assert.Equal(t, 37.501, rec.Latitude)

	r.ApplyRemote(BusEvent{NodeID: "gw2", Op: BusRemove, Record: remote})
	v.drain(a.Outbox)
	assert.False(t, v.has("R"))

	r.Close()
	assert.Empty(t, bus.events(), "remote changes are not re-published")
}

func TestRunAppliesBusEvents(t *testing.T) {
	bus := &memBus{}
	r := newTestRegistry(newClock(), WithBus(bus))
	defer r.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.handlers) == 1
	}, time.Second, time.Millisecond)

	rec := model.PresenceRecord{UserID: "R", Latitude: 1, Longitude: 1, Visible: true, UpdatedAt: 1}
	require.NoError(t, bus.Publish(ctx, BusEvent{NodeID: "gw2", Op: BusUpsert, Record: rec}))
	_, ok := r.Get("R")
	assert.True(t, ok)

	cancel()
	assert.NoError(t, <-done)
}

func TestWarmStartFromMirror(t *testing.T) {
	clock := newClock()
	mirror := newMemMirror()
	mirror.recs["B"] = model.PresenceRecord{UserID: "B", Latitude: 37.501, Longitude: 127.031, Visible: true, UpdatedAt: 5}
	mirror.recs["C"] = model.PresenceRecord{UserID: "C", Latitude: 37.5, Longitude: 127.03, Visible: false, UpdatedAt: 5}
	r := newTestRegistry(clock, WithMirror(mirror))
	defer r.Close()

	n, err := r.WarmStart(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a := r.Attach("ca", "A", "")
	require.NoError(t, r.Subscribe(context.Background(), a.ID, subAt(37.5, 127.03, 500)))
	v := newView().drain(a.Outbox)
	assert.True(t, v.has("B"))
	assert.False(t, v.has("C"))

	// nobody claims them: the sweep clears them and the mirror follows
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, r.SweepOnce(clock.Now()))
	r.Close()
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Empty(t, mirror.recs)
}
