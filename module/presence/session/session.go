// Package session implements the client side of the presence protocol: one
// logical channel to the registry with connect, reconnect, heartbeat and
// visibility handling, driven by a single event loop.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/sampler"
	"HaksaPresence/tools/errs"
	"HaksaPresence/tools/ids"
	"HaksaPresence/tools/safe"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type command struct {
	fn    func() error
	reply chan error
}

type inbound struct {
	gen  int
	data []byte
	err  error
}

type dialResult struct {
	tr  Transport
	err error
}

// Session owns the connection to the registry. Every field below the channel
// block is touched only by the loop goroutine.
type Session struct {
	conf   Config
	dialer Dialer
	src    SampleSource

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	events chan Event
	state  atomic.Value

	cmds       chan command
	inbound    chan inbound
	dialed     chan dialResult
	ackExpired chan string

	userID    string
	connID    string
	cur       State
	mode      State // connected, sharing or paused; restored after reconnect
	tr        Transport
	gen       int
	origin    *Point
	subbed    bool
	stream    *sampler.Stream
	streamC   <-chan model.LocationSample
	last      *model.LocationSample
	lastTs    int64
	visible   bool
	published *bool
	pendVis   *bool
	pending   map[string]struct{}
	closing   bool

	heartbeat *time.Ticker
	republish *time.Ticker
	coalesce  *time.Timer
}

func New(conf Config, dialer Dialer, src SampleSource) *Session {
	safe.MustNotNil(dialer, "dialer")
	safe.MustNotNil(src, "sample source")
	conf.norm()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conf:       conf,
		dialer:     dialer,
		src:        src,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		events:     make(chan Event, conf.EventBuffer),
		cmds:       make(chan command),
		inbound:    make(chan inbound, 64),
		dialed:     make(chan dialResult, 1),
		ackExpired: make(chan string, 16),
		userID:     conf.UserID,
		cur:        StateDisconnected,
		mode:       StateConnected,
		pending:    make(map[string]struct{}),
	}
	if conf.Origin != nil {
		o := *conf.Origin
		s.origin = &o
	}
	s.state.Store(StateDisconnected)
	go s.loop()
	return s
}

// Events is closed after Close returns. It must be drained.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State { return s.state.Load().(State) }

// exec runs fn on the loop goroutine and waits for its result.
func (s *Session) exec(ctx context.Context, fn func() error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return errs.ErrNotConnected.WrapMsg("session closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.reply
}

// Connect dials the registry, retrying with backoff. It returns nil when the
// session is already connected or connecting.
func (s *Session) Connect(ctx context.Context) error {
	proceed := false
	err := s.exec(ctx, func() error {
		if s.cur != StateDisconnected {
			return nil
		}
		proceed = true
		s.setState(StateConnecting)
		return nil
	})
	if err != nil || !proceed {
		return err
	}

	tr, derr := s.dialWithRetry(ctx)
	adopted := false
	err = s.exec(context.Background(), func() error {
		if derr != nil {
			if s.cur == StateConnecting {
				s.setState(StateDisconnected)
			}
			s.emitErr(derr)
			return derr
		}
		if s.cur != StateConnecting {
			return errs.ErrConnection.WrapMsg("session state changed while dialing", "state", s.cur)
		}
		s.mode = StateConnected
		s.adopt(tr)
		adopted = true
		return nil
	})
	// closed or moved on while dialing
	if tr != nil && !adopted {
		_ = tr.Close()
	}
	return err
}

// Start begins sharing. While already sharing it only changes visibility,
// and that change is coalesced.
func (s *Session) Start(ctx context.Context, visible bool) error {
	sharing := false
	err := s.exec(ctx, func() error {
		if !s.cur.Online() {
			return errs.ErrNotConnected.WrapMsg("start", "state", s.cur)
		}
		if s.cur == StateSharing {
			sharing = true
			s.requestVisibility(visible)
		}
		return nil
	})
	if err != nil || sharing {
		return err
	}

	// Samples may block on a permission prompt, keep it off the loop.
	st, err := s.src.Samples(s.ctx)
	if err != nil {
		return err
	}
	return s.exec(ctx, func() error {
		if !s.cur.Online() {
			st.Stop()
			return errs.ErrNotConnected.WrapMsg("start", "state", s.cur)
		}
		if s.cur == StateSharing {
			s.requestVisibility(visible)
			return nil
		}
		s.stream, s.streamC = st, st.C()
		s.visible = visible
		s.setState(StateSharing)
		if s.last != nil {
			s.publish(*s.last, visible)
		}
		return nil
	})
}

// SetVisibility is Start(visible); repeated toggles inside CoalesceWindow
// publish only the final value.
func (s *Session) SetVisibility(ctx context.Context, visible bool) error {
	return s.Start(ctx, visible)
}

// Stop ends sharing with one final invisible update; the channel stays open.
func (s *Session) Stop(ctx context.Context) error {
	return s.exec(ctx, func() error {
		if s.cur == StateReconnecting && s.mode == StateSharing {
			s.stopSharing()
			s.mode = StatePaused
			return nil
		}
		if s.cur != StateSharing {
			return nil
		}
		s.stopSharing()
		s.setState(StatePaused)
		return nil
	})
}

// Refresh asks the registry for an out-of-band full snapshot.
func (s *Session) Refresh(ctx context.Context) error {
	return s.exec(ctx, func() error {
		if !s.cur.Online() {
			return errs.ErrNotConnected.WrapMsg("refresh", "state", s.cur)
		}
		return s.send(model.FrameRefresh, "", nil)
	})
}

// Close says goodbye to the registry, closes the channel and stops the loop.
func (s *Session) Close() error {
	_ = s.exec(context.Background(), func() error {
		s.closing = true
		s.teardown(true)
		return nil
	})
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	defer close(s.events)
	defer safe.Recover("presence-session")

	for {
		select {
		case <-s.ctx.Done():
			s.teardown(false)
			return
		case c := <-s.cmds:
			c.reply <- c.fn()
		case in := <-s.inbound:
			if in.gen != s.gen || s.tr == nil {
				continue
			}
			if in.err != nil {
				s.lost(in.err)
				continue
			}
			s.handleFrame(in.data)
		case sample, ok := <-s.streamC:
			s.onSample(sample, ok)
		case <-tickC(s.heartbeat):
			_ = s.send(model.FramePing, "", nil)
		case <-tickC(s.republish):
			if s.cur == StateSharing && s.last != nil {
				s.publish(*s.last, s.visible)
			}
		case <-timerC(s.coalesce):
			s.coalesce = nil
			s.flushVisibility()
		case id := <-s.ackExpired:
			if _, ok := s.pending[id]; ok {
				s.lost(errs.ErrAckTimeout.WrapMsg("publish", "ack_id", id))
			}
		case r := <-s.dialed:
			s.onRedial(r)
		}
	}
}

func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Session) setState(st State) {
	if st == StateConnected || st == StateSharing || st == StatePaused {
		s.mode = st
	}
	if s.cur == st {
		return
	}
	logger.Debug("presence session state", zap.String("from", string(s.cur)), zap.String("to", string(st)))
	s.cur = st
	s.state.Store(st)
	s.emit(Event{Kind: EventStateChanged, State: st})
}

func (s *Session) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if s.closing {
		select {
		case s.events <- ev:
		default:
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) emitErr(err error) {
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) dialWithRetry(ctx context.Context) (Transport, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.Backoff.Initial
	b.MaxInterval = s.conf.Backoff.Max
	b.Multiplier = s.conf.Backoff.Multiplier
	b.RandomizationFactor = s.conf.Backoff.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.conf.Backoff.MaxAttempts-1)), ctx)

	var (
		tr       Transport
		attempts int
	)
	op := func() error {
		attempts++
		dctx, cancel := context.WithTimeout(ctx, s.conf.DialTimeout)
		defer cancel()
		t, err := s.dialer.Dial(dctx)
		if err != nil {
			return err
		}
		tr = t
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("presence dial failed", zap.Int("attempt", attempts), zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "attempts", attempts)
	}
	return tr, nil
}

// adopt installs a freshly dialed transport and restores the session mode.
func (s *Session) adopt(tr Transport) {
	s.gen++
	s.tr = tr
	s.subbed = false
	gen := s.gen
	go s.readLoop(gen, tr)

	s.heartbeat = time.NewTicker(s.conf.HeartbeatInterval)
	s.republish = time.NewTicker(s.conf.RepublishInterval)
	s.setState(s.mode)
	s.ensureSubscribed()
}

func (s *Session) readLoop(gen int, tr Transport) {
	defer safe.Recover("presence-session-reader")
	for {
		data, err := tr.Read()
		select {
		case s.inbound <- inbound{gen: gen, data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// lost handles a failed channel: drop it and redial in the background.
func (s *Session) lost(err error) {
	if s.tr == nil {
		return
	}
	logger.Warn("presence channel lost", zap.String("conn_id", s.connID), zap.Error(err))
	s.dropTransport(false)
	s.setState(StateReconnecting)
	go func() {
		defer safe.Recover("presence-redial")
		tr, err := s.dialWithRetry(s.ctx)
		select {
		case s.dialed <- dialResult{tr: tr, err: err}:
		case <-s.ctx.Done():
			if tr != nil {
				_ = tr.Close()
			}
		}
	}()
}

func (s *Session) onRedial(r dialResult) {
	if s.cur != StateReconnecting {
		if r.tr != nil {
			_ = r.tr.Close()
		}
		return
	}
	if r.err != nil {
		s.stopSharing()
		s.setState(StateDisconnected)
		s.emitErr(r.err)
		return
	}
	s.adopt(r.tr)
	if s.last != nil && (s.mode == StateSharing || s.mode == StatePaused) {
		s.publish(*s.last, s.mode == StateSharing && s.visible)
	}
	_ = s.send(model.FrameRefresh, "", nil)
}

// dropTransport closes the channel; without graceful the socket is aborted so
// the registry treats it as a drop, not a goodbye.
func (s *Session) dropTransport(graceful bool) {
	if s.heartbeat != nil {
		s.heartbeat.Stop()
		s.heartbeat = nil
	}
	if s.republish != nil {
		s.republish.Stop()
		s.republish = nil
	}
	if s.tr != nil {
		if a, ok := s.tr.(aborter); ok && !graceful {
			_ = a.Abort()
		} else {
			_ = s.tr.Close()
		}
		s.tr = nil
	}
	s.gen++
	s.subbed = false
	s.pending = make(map[string]struct{})
}

func (s *Session) teardown(clean bool) {
	if s.stream != nil {
		s.stream.Stop()
		s.stream, s.streamC = nil, nil
	}
	if s.coalesce != nil {
		s.coalesce.Stop()
		s.coalesce = nil
	}
	if clean && s.tr != nil {
		if raw, err := model.EncodeFrame(model.FrameBye, "", nil); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.conf.WriteTimeout)
			_ = s.tr.Write(ctx, raw)
			cancel()
		}
	}
	s.dropTransport(clean)
	s.setState(StateDisconnected)
}

// stopSharing cancels the stream and publishes the final invisible update.
func (s *Session) stopSharing() {
	if s.stream != nil {
		s.stream.Stop()
		s.stream, s.streamC = nil, nil
	}
	if s.coalesce != nil {
		s.coalesce.Stop()
		s.coalesce = nil
	}
	s.pendVis = nil
	if s.last != nil && s.tr != nil {
		s.publish(*s.last, false)
	}
}

func (s *Session) onSample(sample model.LocationSample, ok bool) {
	if !ok {
		err := s.stream.Err()
		s.stream, s.streamC = nil, nil
		if err != nil {
			s.emitErr(err)
		}
		if s.cur == StateSharing {
			s.stopSharing()
			s.setState(StatePaused)
		} else if s.mode == StateSharing {
			s.mode = StatePaused
		}
		return
	}
	if sample.UserID == "" {
		sample.UserID = s.userID
	}
	s.last = &sample
	if s.origin == nil {
		s.origin = &Point{Lat: sample.Latitude, Lng: sample.Longitude}
		s.ensureSubscribed()
	}
	if s.cur == StateSharing {
		s.publish(sample, s.visible)
	}
}

func (s *Session) requestVisibility(v bool) {
	s.pendVis = &v
	if s.coalesce != nil {
		s.coalesce.Stop()
	}
	s.coalesce = time.NewTimer(s.conf.CoalesceWindow)
}

// flushVisibility commits the coalesced value; nothing is sent when it equals
// what was last published.
func (s *Session) flushVisibility() {
	if s.pendVis == nil {
		return
	}
	v := *s.pendVis
	s.pendVis = nil
	s.visible = v
	if s.cur != StateSharing || s.last == nil {
		return
	}
	if s.published != nil && *s.published == v {
		return
	}
	s.publish(*s.last, v)
}

func (s *Session) ensureSubscribed() {
	if s.subbed || s.origin == nil || s.tr == nil {
		return
	}
	body := model.SubscribeBody{OriginLat: s.origin.Lat, OriginLng: s.origin.Lng, RadiusMeters: s.conf.RadiusMeters}
	if err := s.send(model.FrameSubscribe, "", body); err == nil {
		s.subbed = true
	}
}

func (s *Session) publish(sample model.LocationSample, visible bool) {
	if s.tr == nil {
		return
	}
	ts := time.Now().UnixMilli()
	if ts < s.lastTs {
		ts = s.lastTs
	}
	s.lastTs = ts

	ackID := ids.NewAckID()
	body := model.PublishBody{
		UserID:    s.userID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Accuracy:  sample.Accuracy,
		Visible:   visible,
		UpdatedAt: ts,
	}
	if err := s.send(model.FramePublish, ackID, body); err != nil {
		return
	}
	s.pending[ackID] = struct{}{}
	time.AfterFunc(s.conf.AckTimeout, func() {
		select {
		case s.ackExpired <- ackID:
		case <-s.ctx.Done():
		}
	})
	v := visible
	s.published = &v
}

// send writes one frame; a write failure is treated as channel loss.
func (s *Session) send(t model.FrameType, ackID string, body any) error {
	if s.tr == nil {
		return errs.ErrNotConnected.Wrap()
	}
	raw, err := model.EncodeFrame(t, ackID, body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.conf.WriteTimeout)
	defer cancel()
	if err := s.tr.Write(ctx, raw); err != nil {
		s.lost(err)
		return errs.ErrConnection.WrapMsg(err.Error())
	}
	return nil
}

func (s *Session) handleFrame(raw []byte) {
	f, err := model.ParseFrame(raw)
	if err != nil {
		logger.Warn("presence frame dropped", zap.Error(err))
		return
	}
	switch f.Type {
	case model.FrameHello:
		var b model.HelloBody
		if f.Decode(&b) == nil {
			s.connID = b.ConnID
			if s.userID == "" {
				s.userID = b.UserID
			}
		}
	case model.FrameAck:
		var b model.AckBody
		if err := f.Decode(&b); err != nil {
			return
		}
		if b.AckID == "" {
			b.AckID = f.AckID
		}
		delete(s.pending, b.AckID)
		s.emit(Event{Kind: EventAck, Ack: &b})
	case model.FrameSnapshot:
		var b model.SnapshotBody
		if err := f.Decode(&b); err != nil {
			return
		}
		s.emit(Event{Kind: EventSnapshot, Records: b.Records})
	case model.FrameDelta:
		var d model.Delta
		if err := f.Decode(&d); err != nil {
			return
		}
		s.emit(Event{Kind: EventDelta, Delta: d})
	case model.FrameError:
		var b model.ErrorBody
		if err := f.Decode(&b); err != nil {
			return
		}
		if b.AckID != "" {
			delete(s.pending, b.AckID)
		}
		if f.AckID != "" {
			delete(s.pending, f.AckID)
		}
		s.emitErr(errs.NewCodeError(b.Code, b.Msg))
	case model.FramePong:
	default:
		logger.Debug("presence frame ignored", zap.String("type", string(f.Type)))
	}
}
