package presence

import (
	"context"
	"time"

	"HaksaPresence/module/presence/model"
	"HaksaPresence/service/metrics"
)

// Tuning holds the values that may change at runtime (see SetTuning).
type Tuning struct {
	MaxRadiusMeters     float64       `mapstructure:"max_radius_m" yaml:"max_radius_m"`
	DefaultRadiusMeters float64       `mapstructure:"default_radius_m" yaml:"default_radius_m"`
	StalenessWindow     time.Duration `mapstructure:"staleness_window" yaml:"staleness_window"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	DriftMeters         float64       `mapstructure:"drift_m" yaml:"drift_m"`
}

func (t *Tuning) norm() {
	if t.MaxRadiusMeters <= 0 {
		t.MaxRadiusMeters = 5000
	}
	if t.DefaultRadiusMeters <= 0 || t.DefaultRadiusMeters > t.MaxRadiusMeters {
		t.DefaultRadiusMeters = min(1000, t.MaxRadiusMeters)
	}
	if t.StalenessWindow <= 0 {
		t.StalenessWindow = 90 * time.Second
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = 10 * time.Second
	}
	if t.DriftMeters <= 0 {
		t.DriftMeters = 100
	}
}

type Conf struct {
	NodeID string
	Tuning
	CellPrecision uint
	OutboxLimit   int
	UserStripes   int
	SideQueue     int              // capacity of the bus/mirror queue
	Clock         func() time.Time // nil => time.Now
}

func (c *Conf) norm() {
	c.Tuning.norm()
	if c.CellPrecision == 0 || c.CellPrecision > 12 {
		c.CellPrecision = 5
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 1024
	}
	if c.UserStripes <= 0 {
		c.UserStripes = 256
	}
	if c.SideQueue <= 0 {
		c.SideQueue = 4096
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type BusOp string

const (
	BusUpsert BusOp = "upsert"
	BusRemove BusOp = "remove"
)

// BusEvent carries an accepted change to the other gateway nodes.
type BusEvent struct {
	NodeID string               `json:"node_id"`
	Op     BusOp                `json:"op"`
	Record model.PresenceRecord `json:"record"`
}

// Bus replicates accepted changes between nodes. Subscribe registers handle
// until ctx ends; handle must not block for long.
type Bus interface {
	Publish(ctx context.Context, ev BusEvent) error
	Subscribe(ctx context.Context, handle func(BusEvent)) error
	Close() error
}

// Mirror keeps a copy of live records outside the process.
type Mirror interface {
	Save(ctx context.Context, rec model.PresenceRecord, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
	LoadAll(ctx context.Context) ([]model.PresenceRecord, error)
}

type Option func(*Registry)

func WithBus(b Bus) Option { return func(r *Registry) { r.bus = b } }

func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }
