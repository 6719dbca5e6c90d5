package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "HaksaPresence/middleware/security"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/session"
	"HaksaPresence/service/presence"
	"HaksaPresence/tools/errs"
	toolsec "HaksaPresence/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("gateway-test")

type harness struct {
	t    *testing.T
	reg  *presence.Registry
	srv  *Server
	http *httptest.Server
	opts *midsec.Options
}

func newHarness(t *testing.T, conf Conf) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := presence.NewRegistry(presence.Conf{NodeID: "gw-test"})
	opts := midsec.DefaultOptions(testSecret)
	srv := NewServer(conf, reg, midsec.NewAuthenticator(opts))

	r := gin.New()
	srv.Routes(r, nil)
	hs := httptest.NewServer(r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		hs.Close()
		reg.Close()
	})
	return &harness{t: t, reg: reg, srv: srv, http: hs, opts: opts}
}

func (h *harness) token(user, name string) string {
	tok, _, err := toolsec.Generate(h.opts.JWT, user, name)
	require.NoError(h.t, err)
	return tok
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(user string) *client {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	hdr := http.Header{"Authorization": {"Bearer " + h.token(user, strings.ToUpper(user))}}
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: h.t, ws: ws}
	f := c.next(model.FrameHello)
	var hello model.HelloBody
	require.NoError(h.t, f.Decode(&hello))
	assert.Equal(h.t, user, hello.UserID)
	assert.Equal(h.t, "gw-test", hello.NodeID)
	assert.NotEmpty(h.t, hello.ConnID)
	return c
}

func (c *client) send(t model.FrameType, ackID string, body any) {
	c.t.Helper()
	raw, err := model.EncodeFrame(t, ackID, body)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, raw))
}

// next reads until a frame of type t arrives, skipping pings and others.
func (c *client) next(t model.FrameType) *model.Frame {
	c.t.Helper()
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, raw, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", t)
		f, err := model.ParseFrame(raw)
		require.NoError(c.t, err)
		if f.Type == t {
			return f
		}
	}
}

func (c *client) nextDelta() model.Delta {
	c.t.Helper()
	var d model.Delta
	require.NoError(c.t, c.next(model.FrameDelta).Decode(&d))
	return d
}

func (c *client) nextAck() model.AckBody {
	c.t.Helper()
	var a model.AckBody
	require.NoError(c.t, c.next(model.FrameAck).Decode(&a))
	return a
}

func (c *client) nextErr() model.ErrorBody {
	c.t.Helper()
	var e model.ErrorBody
	require.NoError(c.t, c.next(model.FrameError).Decode(&e))
	return e
}

func publishBody(user string, lat, lng float64, visible bool, at int64) model.PublishBody {
	return model.PublishBody{UserID: user, Latitude: lat, Longitude: lng, Visible: visible, UpdatedAt: at}
}

func TestWebsocketRoundTrip(t *testing.T) {
	h := newHarness(t, Conf{})
	a := h.dial("a")
	b := h.dial("b")

	a.send(model.FrameSubscribe, "s1", model.SubscribeBody{OriginLat: 37.50, OriginLng: 127.03, RadiusMeters: 500})
	var snap model.SnapshotBody
	require.NoError(t, a.next(model.FrameSnapshot).Decode(&snap))
	assert.Empty(t, snap.Records)

	b.send(model.FramePublish, "p1", publishBody("b", 37.501, 127.031, true, 1000))
	ack := b.nextAck()
	assert.Equal(t, "p1", ack.AckID)
	require.NotNil(t, ack.Record)
	assert.Equal(t, "B", ack.Record.UserName)
	assert.False(t, ack.Stale)

	d := a.nextDelta()
	assert.Equal(t, model.OpAdd, d.Op)
	assert.Equal(t, "b", d.Record.UserID)

	// an older sample is acknowledged as stale and not fanned out
	b.send(model.FramePublish, "p2", publishBody("b", 37.502, 127.032, true, 500))
	ack = b.nextAck()
	assert.True(t, ack.Stale)
	assert.Equal(t, int64(1000), ack.Record.UpdatedAt)

	b.send(model.FrameBye, "", nil)
	d = a.nextDelta()
	assert.Equal(t, model.OpRemove, d.Op)
	assert.Equal(t, "b", d.Record.UserID)

	assert.Eventually(t, func() bool {
		_, ok := h.reg.Get("b")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestUncleanDropHidesRecord(t *testing.T) {
	h := newHarness(t, Conf{})
	a := h.dial("a")
	b := h.dial("b")

	a.send(model.FrameSubscribe, "", model.SubscribeBody{OriginLat: 37.50, OriginLng: 127.03, RadiusMeters: 500})
	a.next(model.FrameSnapshot)
	b.send(model.FramePublish, "p1", publishBody("b", 37.501, 127.031, true, 1000))
	b.nextAck()
	assert.Equal(t, model.OpAdd, a.nextDelta().Op)

	// drop the socket without a close frame
	_ = b.ws.UnderlyingConn().Close()

	assert.Equal(t, model.OpRemove, a.nextDelta().Op)
	rec, ok := h.reg.Get("b")
	require.True(t, ok)
	assert.False(t, rec.Visible)
	assert.Equal(t, model.StatusOffline, rec.Status)
}

// sessionTransport dials the gateway the way a client session does and
// shares one visible reading.
func (h *harness) sessionTransport(user string, lat, lng float64) session.Transport {
	h.t.Helper()
	d := &session.WSDialer{
		URL:   "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws",
		Token: h.token(user, strings.ToUpper(user)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := d.Dial(ctx)
	require.NoError(h.t, err)

	raw, err := model.EncodeFrame(model.FramePublish, "p1", publishBody(user, lat, lng, true, 1000))
	require.NoError(h.t, err)
	require.NoError(h.t, tr.Write(ctx, raw))
	for {
		data, err := tr.Read()
		require.NoError(h.t, err)
		f, err := model.ParseFrame(data)
		require.NoError(h.t, err)
		if f.Type == model.FrameAck {
			return tr
		}
	}
}

func TestSessionDropKeepsHiddenRecord(t *testing.T) {
	cases := []struct {
		name string
		drop func(session.Transport) error
	}{
		{"abort", func(tr session.Transport) error {
			return tr.(interface{ Abort() error }).Abort()
		}},
		{"close frame without bye", func(tr session.Transport) error { return tr.Close() }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Conf{})
			tr := h.sessionTransport("b", 37.501, 127.031)
			rec, ok := h.reg.Get("b")
			require.True(t, ok)
			require.True(t, rec.Visible)

			require.NoError(t, tc.drop(tr))

			assert.Eventually(t, func() bool {
				rec, ok := h.reg.Get("b")
				return ok && !rec.Visible && rec.Status == model.StatusOffline
			}, 2*time.Second, 10*time.Millisecond)
			// still stored a moment later, not removed
			time.Sleep(50 * time.Millisecond)
			_, ok = h.reg.Get("b")
			assert.True(t, ok)
		})
	}
}

func TestBadFramesKeepConnection(t *testing.T) {
	h := newHarness(t, Conf{})
	a := h.dial("a")

	require.NoError(t, a.ws.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, errs.BadFrameError, a.nextErr().Code)

	a.send("teleport", "x1", nil)
	e := a.nextErr()
	assert.Equal(t, errs.BadFrameError, e.Code)
	assert.Equal(t, "x1", e.AckID)

	a.send(model.FramePublish, "p1", publishBody("someone-else", 1, 1, true, 1))
	assert.Equal(t, errs.IdentityMismatchError, a.nextErr().Code)

	a.send(model.FrameSubscribe, "s1", model.SubscribeBody{OriginLat: 1, OriginLng: 1, RadiusMeters: 1e7})
	assert.Equal(t, errs.SubscriptionInvalidError, a.nextErr().Code)

	a.send(model.FramePing, "", nil)
	a.next(model.FramePong)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Conf{MsgRate: 0.001, MsgBurst: 1})
	a := h.dial("a")

	a.send(model.FramePing, "", nil)
	a.next(model.FramePong)
	a.send(model.FramePing, "r2", nil)
	assert.Equal(t, errs.RateLimitedError, a.nextErr().Code)
}

func TestUpgradeRequiresToken(t *testing.T) {
	h := newHarness(t, Conf{})
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+h.token("q", "Q"), nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestRESTQueries(t *testing.T) {
	h := newHarness(t, Conf{})
	pub := func(user string, lat, lng float64, visible bool) {
		h.reg.Attach("c-"+user, user, user)
		_, err := h.reg.Publish(context.Background(), "c-"+user, model.PresenceRecord{
			Latitude: lat, Longitude: lng, Visible: visible, UpdatedAt: 1,
		})
		require.NoError(t, err)
	}
	pub("near", 37.501, 127.031, true)
	pub("hidden", 37.5005, 127.0305, false)
	pub("far", 35.0, 129.0, true)

	get := func(path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if user != "" {
			req.Header.Set("Authorization", "Bearer "+h.token(user, user))
		}
		w := httptest.NewRecorder()
		h.http.Config.Handler.ServeHTTP(w, req)
		return w
	}

	w := get("/v1/nearby?lat=37.50&lng=127.03&radius_m=500", "me")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"near"`)
	assert.NotContains(t, w.Body.String(), `"hidden"`)
	assert.NotContains(t, w.Body.String(), `"far"`)

	assert.Equal(t, http.StatusUnauthorized, get("/v1/nearby?lat=37.5&lng=127", "").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/nearby?lat=abc&lng=127", "me").Code)
	assert.Equal(t, http.StatusBadRequest, get("/v1/nearby?lat=37.5&lng=127&radius_m=999999", "me").Code)

	assert.Equal(t, http.StatusOK, get("/v1/presence/near", "me").Code)
	assert.Equal(t, http.StatusNotFound, get("/v1/presence/hidden", "me").Code)
	assert.Equal(t, http.StatusOK, get("/v1/presence/hidden", "hidden").Code)
	assert.Equal(t, http.StatusNotFound, get("/v1/presence/nobody", "me").Code)

	w = get("/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"records":3`)
}
