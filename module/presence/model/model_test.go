package model

import (
	"math"
	"testing"
	"time"

	"HaksaPresence/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionValidate(t *testing.T) {
	ok := Subscription{SubscriberID: "c1", OriginLat: 37.5, OriginLng: 127.03, RadiusMeters: 500}
	require.NoError(t, ok.Validate(5000))

	cases := []Subscription{
		{OriginLat: 37.5, OriginLng: 127.03, RadiusMeters: 0},
		{OriginLat: 37.5, OriginLng: 127.03, RadiusMeters: -1},
		{OriginLat: 37.5, OriginLng: 127.03, RadiusMeters: 6000},
		{OriginLat: 91, OriginLng: 127.03, RadiusMeters: 500},
		{OriginLat: 37.5, OriginLng: math.NaN(), RadiusMeters: 500},
	}
	for _, c := range cases {
		err := c.Validate(5000)
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.ErrSubscriptionInvalid), "%+v", c)
	}
	// no upper bound
	big := ok
	big.RadiusMeters = 1e6
	assert.NoError(t, big.Validate(0))
}

func TestRecordValidate(t *testing.T) {
	r := PresenceRecord{UserID: "u1", Latitude: 37.5, Longitude: 127.03, UpdatedAt: 1}
	require.NoError(t, r.Validate())

	r.Longitude = 181
	assert.True(t, errs.Is(r.Validate(), errs.ErrBadFrame))

	r.Longitude = 127
	r.UserID = ""
	assert.True(t, errs.Is(r.Validate(), errs.ErrBadFrame))
}

func TestFrameEnvelope(t *testing.T) {
	raw, err := EncodeFrame(FramePublish, "a1", PublishBody{UserID: "u1", Latitude: 37.5, Longitude: 127.03, Visible: true, UpdatedAt: 10})
	require.NoError(t, err)

	f, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, FramePublish, f.Type)
	assert.Equal(t, "a1", f.AckID)
	assert.NotZero(t, f.Ts)

	var body PublishBody
	require.NoError(t, f.Decode(&body))
	rec := body.Record("alice")
	assert.Equal(t, "alice", rec.UserName)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.True(t, rec.Visible)
	assert.EqualValues(t, 10, rec.UpdatedAt)
}

func TestParseFrameRejects(t *testing.T) {
	_, err := ParseFrame([]byte(`{"ts":1}`))
	assert.True(t, errs.Is(err, errs.ErrBadFrame))

	_, err = ParseFrame([]byte(`not json`))
	assert.True(t, errs.Is(err, errs.ErrBadFrame))

	f, err := ParseFrame([]byte(`{"type":"subscribe","data":{"radius_m":"x"}}`))
	require.NoError(t, err)
	var sb SubscribeBody
	assert.True(t, errs.Is(f.Decode(&sb), errs.ErrBadFrame))
}

func TestToNearby(t *testing.T) {
	now := time.Now()
	n := PresenceRecord{UserID: "u2", UserName: "bob", Latitude: 1, Longitude: 2, Status: StatusOnline}.ToNearby(now)
	assert.Equal(t, "u2", n.UserID)
	assert.Equal(t, now, n.LastSeenAt)
}
