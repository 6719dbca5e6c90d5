package presence

import (
	"testing"

	"HaksaPresence/module/presence/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(op model.DeltaOp, user string, ts int64) model.Delta {
	return model.Delta{Op: op, Record: model.PresenceRecord{UserID: user, UpdatedAt: ts, Visible: op != model.OpRemove}}
}

func TestOutboxCoalescesPerUserInPlace(t *testing.T) {
	o := NewOutbox(0)
	o.Enqueue(d(model.OpUpdate, "a", 1))
	o.Enqueue(d(model.OpAdd, "b", 1))
	o.Enqueue(d(model.OpUpdate, "a", 2))
	o.Enqueue(d(model.OpUpdate, "b", 3))
	o.Enqueue(d(model.OpAdd, "c", 1))
	o.Enqueue(d(model.OpUpdate, "a", 5))

	select {
	case <-o.Ready():
	default:
		t.Fatal("not signalled")
	}
	_, hasSnap, deltas, resync := o.Drain()
	assert.False(t, hasSnap)
	assert.False(t, resync)
	require.Len(t, deltas, 3)

	assert.Equal(t, "a", deltas[0].Record.UserID)
	assert.EqualValues(t, 5, deltas[0].Record.UpdatedAt)
	assert.Equal(t, model.OpUpdate, deltas[0].Op)

	// an add the reader never saw stays an add
	assert.Equal(t, "b", deltas[1].Record.UserID)
	assert.Equal(t, model.OpAdd, deltas[1].Op)
	assert.EqualValues(t, 3, deltas[1].Record.UpdatedAt)

	assert.Equal(t, "c", deltas[2].Record.UserID)
	assert.Zero(t, o.Len())
}

func TestOutboxLatestOpWins(t *testing.T) {
	o := NewOutbox(0)
	o.Enqueue(d(model.OpAdd, "a", 1))
	o.Enqueue(d(model.OpRemove, "a", 2))
	_, _, deltas, _ := o.Drain()
	require.Len(t, deltas, 1)
	assert.Equal(t, model.OpRemove, deltas[0].Op)
}

func TestOutboxSnapshotClearsPending(t *testing.T) {
	o := NewOutbox(0)
	o.Enqueue(d(model.OpAdd, "a", 1))
	o.Snapshot([]model.PresenceRecord{{UserID: "b"}})
	o.Enqueue(d(model.OpUpdate, "b", 2))

	snap, hasSnap, deltas, _ := o.Drain()
	require.True(t, hasSnap)
	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].UserID)
	require.Len(t, deltas, 1)
	assert.Equal(t, "b", deltas[0].Record.UserID)

	_, hasSnap, deltas, _ = o.Drain()
	assert.False(t, hasSnap)
	assert.Empty(t, deltas)
}

func TestOutboxEmptySnapshotIsNotNil(t *testing.T) {
	o := NewOutbox(0)
	o.Snapshot(nil)
	snap, hasSnap, _, _ := o.Drain()
	assert.True(t, hasSnap)
	assert.NotNil(t, snap)
}

func TestOutboxOverflowRequestsResync(t *testing.T) {
	o := NewOutbox(2)
	o.Enqueue(d(model.OpAdd, "a", 1))
	o.Enqueue(d(model.OpAdd, "b", 1))
	o.Enqueue(d(model.OpUpdate, "a", 2)) // same user, no growth
	assert.Equal(t, 2, o.Len())
	o.Enqueue(d(model.OpAdd, "c", 1))
	o.Enqueue(d(model.OpAdd, "d", 1)) // ignored until resynced

	_, _, deltas, resync := o.Drain()
	assert.True(t, resync)
	assert.Empty(t, deltas)

	o.Snapshot([]model.PresenceRecord{{UserID: "a"}})
	_, hasSnap, _, resync := o.Drain()
	assert.True(t, hasSnap)
	assert.False(t, resync)
}

func TestOutboxClosedIgnoresWork(t *testing.T) {
	o := NewOutbox(0)
	o.Close()
	o.Enqueue(d(model.OpAdd, "a", 1))
	o.Snapshot(nil)
	_, hasSnap, deltas, _ := o.Drain()
	assert.False(t, hasSnap)
	assert.Empty(t, deltas)
}
