// Package sampler turns a platform geolocation watch into a throttled,
// restartable stream of LocationSample values.
package sampler

import (
	"context"
	"sync"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/module/presence/geo"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"
	"HaksaPresence/tools/safe"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type Permission string

const (
	PermissionPrompt  Permission = "prompt"
	PermissionLoading Permission = "loading"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type Config struct {
	UserID            string
	MinDistanceMeters float64       // emit when moved at least this far
	MinInterval       time.Duration // or when this much time passed
	MinGap            time.Duration // never faster than one per MinGap
	MaxAttempts       int           // consecutive failed watch attempts before giving up
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Clock             func() time.Time
}

func (c *Config) norm() {
	if c.MinDistanceMeters <= 0 {
		c.MinDistanceMeters = 10
	}
	if c.MinInterval <= 0 {
		c.MinInterval = 15 * time.Second
	}
	if c.MinGap < 0 {
		c.MinGap = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Sampler struct {
	conf     Config
	provider Provider

	mu     sync.Mutex
	state  Permission
	stream *Stream
}

func New(provider Provider, conf Config) *Sampler {
	safe.MustNotNil(provider, "provider")
	conf.norm()
	return &Sampler{conf: conf, provider: provider, state: PermissionPrompt}
}

func (s *Sampler) PermissionState() Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sampler) setState(p Permission) {
	s.mu.Lock()
	s.state = p
	s.mu.Unlock()
}

// RequestPermission moves prompt -> loading -> granted|denied. Denied is
// terminal: later calls return false and ErrPermissionDenied without asking
// the provider again. A provider failure other than denial returns to prompt.
func (s *Sampler) RequestPermission(ctx context.Context) (bool, error) {
	s.mu.Lock()
	switch s.state {
	case PermissionDenied:
		s.mu.Unlock()
		return false, errs.ErrPermissionDenied.Wrap()
	case PermissionGranted:
		s.mu.Unlock()
		return true, nil
	}
	s.state = PermissionLoading
	s.mu.Unlock()

	ok, err := s.provider.RequestPermission(ctx)
	switch {
	case err != nil && !errs.Is(err, errs.ErrPermissionDenied):
		s.setState(PermissionPrompt)
		return false, err
	case err != nil || !ok:
		s.setState(PermissionDenied)
		return false, errs.ErrPermissionDenied.Wrap()
	}
	s.setState(PermissionGranted)
	return true, nil
}

// Samples returns the active stream, opening a new one when there is none or
// the previous one ended. Permission is requested on first use.
func (s *Sampler) Samples(ctx context.Context) (*Stream, error) {
	if _, err := s.RequestPermission(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil && !s.stream.finished() {
		return s.stream, nil
	}
	sctx, cancel := context.WithCancel(ctx)
	st := newStream(cancel)
	s.stream = st
	go func() {
		var err error
		defer func() { st.finish(err) }()
		defer safe.Recover("sampler")
		err = s.run(sctx, st)
	}()
	return st, nil
}

func (s *Sampler) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.InitialBackoff
	b.MaxInterval = s.conf.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// run re-opens the provider watch until the context ends, permission is
// revoked or MaxAttempts consecutive watches fail without a reading.
func (s *Sampler) run(ctx context.Context, st *Stream) error {
	b := s.newBackoff()
	th := &throttle{conf: &s.conf}
	attempts := 0

	for {
		got := false
		err := s.provider.Watch(ctx, func(r Reading) {
			got = true
			sample, ok := th.admit(s.conf.UserID, r, s.conf.Clock())
			if !ok {
				return
			}
			select {
			case st.c <- sample:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return nil
		}
		if errs.Is(err, errs.ErrPermissionDenied) {
			s.setState(PermissionDenied)
			return errs.ErrPermissionDenied.WrapMsg("revoked while watching")
		}
		if got {
			attempts = 0
			b.Reset()
		}
		attempts++
		if attempts >= s.conf.MaxAttempts {
			return errs.ErrLocationUnavailable.WrapMsg(errString(err), "attempts", attempts)
		}
		wait := b.NextBackOff()
		logger.Debug("geolocation watch failed, retrying",
			zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "watch ended"
	}
	return err.Error()
}

type throttle struct {
	conf *Config
	last *model.LocationSample
}

// admit applies the hybrid distance/time throttle with the MinGap floor.
func (t *throttle) admit(userID string, r Reading, now time.Time) (model.LocationSample, bool) {
	at := r.At
	if at.IsZero() {
		at = now
	}
	sample := model.LocationSample{
		UserID:    userID,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Accuracy:  r.Accuracy,
		SampledAt: at,
	}
	if t.last != nil {
		elapsed := at.Sub(t.last.SampledAt)
		if elapsed < t.conf.MinGap {
			return sample, false
		}
		moved := geo.Haversine(t.last.Latitude, t.last.Longitude, r.Latitude, r.Longitude)
		if moved < t.conf.MinDistanceMeters && elapsed < t.conf.MinInterval {
			return sample, false
		}
	}
	t.last = &sample
	return sample, true
}
