package main

import (
	"testing"
	"time"

	"HaksaPresence/global"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/nearby"
	"HaksaPresence/module/presence/session"
	toolsec "HaksaPresence/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientToken(t *testing.T) {
	cfg := &global.AppConfig{}
	cfg.Session.UserID = "alice"

	tok, err := clientToken(cfg)
	require.NoError(t, err)
	assert.Empty(t, tok)

	cfg.Session.Token = "preset"
	tok, err = clientToken(cfg)
	require.NoError(t, err)
	assert.Equal(t, "preset", tok)

	cfg.Session.Token = ""
	cfg.Auth.Secret = "s3cret"
	tok, err = clientToken(cfg)
	require.NoError(t, err)
	id, err := toolsec.Verify(toolsec.DefaultOptions([]byte("s3cret")), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "alice", id.UserName)
}

func TestSessionConf(t *testing.T) {
	cfg := &global.AppConfig{}
	cfg.Session.UserID = "bob"
	cfg.Session.RadiusMeters = 750
	cfg.Session.Backoff.MaxAttempts = 3
	cfg.Session.CoalesceWindow = 200 * time.Millisecond

	sc := sessionConf(cfg)
	assert.Equal(t, "bob", sc.UserID)
	assert.Equal(t, 750.0, sc.RadiusMeters)
	assert.Equal(t, 3, sc.Backoff.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, sc.CoalesceWindow)
}

func TestDrainConsumesUntilEventsClose(t *testing.T) {
	cache := nearby.New(nearby.Config{}, nil)
	events := make(chan session.Event)
	done := drain(cache, events)

	events <- session.Event{Kind: session.EventSnapshot, Records: []model.PresenceRecord{
		{UserID: "b", Latitude: 37.5, Longitude: 127.03, Visible: true, UpdatedAt: time.Now().UnixMilli()},
	}}
	// trailing events sent during shutdown are still taken off the channel
	events <- session.Event{Kind: session.EventDelta, Delta: model.Delta{
		Op:     model.OpRemove,
		Record: model.PresenceRecord{UserID: "b"},
	}}
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop after the event channel closed")
	}
	assert.Zero(t, cache.Count())
	assert.False(t, cache.Connected())
}
