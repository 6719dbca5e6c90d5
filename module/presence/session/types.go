package session

import (
	"context"
	"time"

	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/sampler"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSharing      State = "sharing"
	StatePaused       State = "paused"
	StateReconnecting State = "reconnecting"
)

// Online reports whether a channel to the registry is currently open.
func (s State) Online() bool {
	return s == StateConnected || s == StateSharing || s == StatePaused
}

type EventKind string

const (
	EventStateChanged EventKind = "state"
	EventSnapshot     EventKind = "snapshot"
	EventDelta        EventKind = "delta"
	EventError        EventKind = "error"
	EventAck          EventKind = "ack"
)

// Event is one discrete message emitted by the session. Only the fields that
// belong to Kind are set.
type Event struct {
	Kind    EventKind
	State   State
	Records []model.PresenceRecord
	Delta   model.Delta
	Ack     *model.AckBody
	Err     error
	At      time.Time
}

// Transport is one open channel to the registry. Write is only called from
// the session loop; Read only from the session's reader goroutine.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Read() ([]byte, error)
	Close() error
}

// aborter is implemented by transports that can drop the channel without a
// closing handshake. The session aborts channels it gives up on.
type aborter interface {
	Abort() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SampleSource is satisfied by *sampler.Sampler.
type SampleSource interface {
	Samples(ctx context.Context) (*sampler.Stream, error)
}

type Point struct {
	Lat float64
	Lng float64
}

type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxAttempts int
}

type Config struct {
	UserID       string
	RadiusMeters float64
	// Origin subscribes right after connect; otherwise the first sample is used.
	Origin *Point

	HeartbeatInterval time.Duration
	RepublishInterval time.Duration
	AckTimeout        time.Duration
	CoalesceWindow    time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Backoff           BackoffConfig
	EventBuffer       int
}

func (c *Config) norm() {
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = 30 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = 500 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	b := &c.Backoff
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	if b.Jitter <= 0 || b.Jitter > 1 {
		b.Jitter = 0.5
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 6
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}
