package storage

import (
	"context"
	"testing"
	"time"

	"HaksaPresence/module/presence/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisMirror(rdb, MirrorConfig{}), mr
}

func rec(user string, lat, lng float64, visible bool, at int64) model.PresenceRecord {
	return model.PresenceRecord{
		UserID:    user,
		UserName:  user,
		Latitude:  lat,
		Longitude: lng,
		Status:    model.StatusOnline,
		Visible:   visible,
		UpdatedAt: at,
	}
}

func TestMirrorSaveLookupDelete(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, rec("a", 37.5665, 126.978, true, 100), time.Minute))

	got, ok, err := m.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.UserID)
	assert.InDelta(t, 37.5665, got.Latitude, 1e-9)

	require.NoError(t, m.Delete(ctx, "a"))
	_, ok, err = m.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMirrorRejectsOlderVersion(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, rec("a", 10, 10, true, 200), time.Minute))
	require.NoError(t, m.Save(ctx, rec("a", 20, 20, true, 150), time.Minute))

	got, ok, err := m.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), got.UpdatedAt)
	assert.InDelta(t, 10.0, got.Latitude, 1e-9)
}

func TestMirrorLoadAllSkipsExpired(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, rec("a", 1, 1, true, 1), 10*time.Second))
	require.NoError(t, m.Save(ctx, rec("b", 2, 2, false, 1), time.Minute))

	all, err := m.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mr.FastForward(30 * time.Second)

	all, err = m.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].UserID)
}

func TestMirrorNearbyUsesGeoIndex(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, rec("a", 37.5665, 126.9780, true, 1), time.Minute))
	require.NoError(t, m.Save(ctx, rec("b", 37.5675, 126.9790, true, 1), time.Minute))
	require.NoError(t, m.Save(ctx, rec("far", 35.1796, 129.0756, true, 1), time.Minute))
	require.NoError(t, m.Save(ctx, rec("hidden", 37.5666, 126.9781, false, 1), time.Minute))

	got, err := m.Nearby(ctx, 37.5665, 126.9780, 500)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.UserID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	// a visible user going hidden leaves the index
	require.NoError(t, m.Save(ctx, rec("b", 37.5675, 126.9790, false, 2), time.Minute))
	got, err = m.Nearby(ctx, 37.5665, 126.9780, 500)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].UserID)
}

func TestMirrorSweepDropsExpiredMembers(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, rec("a", 1, 1, true, 1), 10*time.Second))
	require.NoError(t, m.Save(ctx, rec("b", 1.001, 1.001, true, 1), time.Hour))

	gone, err := m.Sweep(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, gone)

	gone, err = m.Sweep(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, gone)

	// a swept user may write again with any version
	require.NoError(t, m.Save(ctx, rec("a", 1, 1, true, 0), time.Minute))
	_, ok, err := m.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
