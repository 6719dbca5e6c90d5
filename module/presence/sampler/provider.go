package sampler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"HaksaPresence/module/presence/geo"
	"HaksaPresence/tools/errs"

	pkgerrors "github.com/pkg/errors"
)

// Platform failures a Provider may return from Watch. They are retried.
var (
	ErrTimeout             = pkgerrors.New("geolocation timeout")
	ErrPositionUnavailable = pkgerrors.New("position unavailable")
)

// Reading is one raw fix from the device.
type Reading struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	At        time.Time
}

// Provider abstracts the platform geolocation API.
//
// Watch blocks, calling emit for every fix from its own goroutine, until ctx
// is done or the platform reports an error. A revoked permission must be
// reported as errs.ErrPermissionDenied.
type Provider interface {
	RequestPermission(ctx context.Context) (bool, error)
	Watch(ctx context.Context, emit func(Reading)) error
}

// SimulatedProvider random-walks around an origin. Used by the demo client.
type SimulatedProvider struct {
	OriginLat  float64
	OriginLng  float64
	StepMeters float64
	Interval   time.Duration
	Deny       bool

	mu       sync.Mutex
	lat, lng float64
	started  bool
	rnd      *rand.Rand
}

func NewSimulatedProvider(lat, lng float64, step float64, interval time.Duration) *SimulatedProvider {
	return &SimulatedProvider{
		OriginLat:  lat,
		OriginLng:  lng,
		StepMeters: step,
		Interval:   interval,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *SimulatedProvider) RequestPermission(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return !p.Deny, nil
}

func (p *SimulatedProvider) Watch(ctx context.Context, emit func(Reading)) error {
	if p.Deny {
		return errs.ErrPermissionDenied.Wrap()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	emit(p.next())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit(p.next())
		}
	}
}

func (p *SimulatedProvider) next() Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.lat, p.lng, p.started = p.OriginLat, p.OriginLng, true
	} else {
		if p.rnd == nil {
			p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		north := (p.rnd.Float64()*2 - 1) * p.StepMeters
		east := (p.rnd.Float64()*2 - 1) * p.StepMeters
		p.lat, p.lng = geo.Offset(p.lat, p.lng, north, east)
	}
	return Reading{Latitude: p.lat, Longitude: p.lng, Accuracy: 15, At: time.Now()}
}
