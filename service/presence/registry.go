// Package presence is the authoritative store of live positions and the
// fan-out engine that turns accepted updates into per-subscriber deltas.
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/module/presence/geo"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/service/metrics"
	"HaksaPresence/tools/errs"

	"go.uber.org/zap"
)

// entry is immutable once stored; updates swap the pointer.
type entry struct {
	rec         model.PresenceRecord
	refreshedAt time.Time // server receipt time, drives staleness
	owner       string    // local conn id, empty for records learnt from the bus
	cell        string
}

type sub struct {
	connID string
	userID string
	area   model.Subscription
	cell   string

	mu      sync.Mutex
	members map[string]int64 // user -> UpdatedAt last delivered
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*entry
	subs    map[string]*sub
}

// Conn is one attached client connection.
type Conn struct {
	ID       string
	UserID   string
	UserName string
	Outbox   *Outbox

	sub *sub // guarded by Registry.topo
}

// Registry shards records and subscription origins by geohash cell.
//
// Locking: publishes hold topo.RLock and the publisher's user stripe for the
// whole upsert and fan-out, so deltas for one user are enqueued in publish
// order. Subscribe, Refresh, Detach, drift recentering and the sweep hold
// topo.Lock. Below that: shard.mu, then sub.mu, then watchMu.
type Registry struct {
	conf    Conf
	bus     Bus
	mirror  Mirror
	metrics *metrics.Metrics

	topo    sync.RWMutex
	stripes []sync.Mutex

	shardMu sync.RWMutex
	shards  map[string]*shard

	idxMu sync.RWMutex
	index map[string]*entry

	connMu sync.RWMutex
	conns  map[string]*Conn

	watchMu  sync.Mutex
	watchers map[string]map[string]*sub // user -> subs currently listing the user

	sideMu     sync.RWMutex
	side       chan sideTask
	sideClosed bool
	sideDone   chan struct{}
	stopOnce   sync.Once
}

func NewRegistry(conf Conf, opts ...Option) *Registry {
	conf.norm()
	r := &Registry{
		conf:     conf,
		stripes:  make([]sync.Mutex, conf.UserStripes),
		shards:   make(map[string]*shard),
		index:    make(map[string]*entry),
		conns:    make(map[string]*Conn),
		watchers: make(map[string]map[string]*sub),
	}
	for _, o := range opts {
		o(r)
	}
	if r.bus != nil || r.mirror != nil {
		r.side = make(chan sideTask, conf.SideQueue)
		r.sideDone = make(chan struct{})
		go r.sideWorker()
	}
	return r
}

func (r *Registry) NodeID() string { return r.conf.NodeID }

func (r *Registry) Tuning() Tuning {
	r.topo.RLock()
	defer r.topo.RUnlock()
	return r.conf.Tuning
}

// SetTuning applies new runtime values; zero fields take defaults.
// Subscriptions wider than a lowered MaxRadiusMeters are clamped to it and
// re-sent as a snapshot, since fan-out only looks that far.
func (r *Registry) SetTuning(t Tuning) {
	t.norm()
	r.topo.Lock()
	r.conf.Tuning = t
	clamped := r.clampSubs(t.MaxRadiusMeters)
	r.topo.Unlock()
	logger.Info("presence tuning applied",
		zap.Float64("max_radius_m", t.MaxRadiusMeters),
		zap.Duration("staleness_window", t.StalenessWindow),
		zap.Float64("drift_m", t.DriftMeters),
		zap.Int("clamped_subs", clamped))
}

// clampSubs re-installs every subscription wider than maxRadius. Caller holds topo.Lock.
func (r *Registry) clampSubs(maxRadius float64) int {
	r.connMu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.connMu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.sub == nil || c.sub.area.RadiusMeters <= maxRadius {
			continue
		}
		area := c.sub.area
		area.RadiusMeters = maxRadius
		r.install(c, area, true)
		n++
	}
	return n
}

func (r *Registry) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.stripes[h.Sum32()%uint32(len(r.stripes))]
}

func (r *Registry) cellOf(lat, lng float64) string {
	return geo.Cell(lat, lng, r.conf.CellPrecision)
}

func (r *Registry) shardFor(cell string, create bool) *shard {
	r.shardMu.RLock()
	sh := r.shards[cell]
	r.shardMu.RUnlock()
	if sh != nil || !create {
		return sh
	}
	r.shardMu.Lock()
	defer r.shardMu.Unlock()
	if sh = r.shards[cell]; sh == nil {
		sh = &shard{records: make(map[string]*entry), subs: make(map[string]*sub)}
		r.shards[cell] = sh
	}
	return sh
}

// shardsNear returns the shards whose cells intersect the circle; every shard
// when the circle is too large to enumerate.
func (r *Registry) shardsNear(lat, lng, radius float64) []*shard {
	cells, ok := geo.CoverCells(lat, lng, radius, r.conf.CellPrecision)
	r.shardMu.RLock()
	defer r.shardMu.RUnlock()
	if !ok {
		out := make([]*shard, 0, len(r.shards))
		for _, sh := range r.shards {
			out = append(out, sh)
		}
		return out
	}
	out := make([]*shard, 0, len(cells))
	for _, c := range cells {
		if sh := r.shards[c]; sh != nil {
			out = append(out, sh)
		}
	}
	return out
}

func (r *Registry) lookup(userID string) *entry {
	r.idxMu.RLock()
	defer r.idxMu.RUnlock()
	return r.index[userID]
}

// store swaps in e, moving it between shards when the cell changed.
func (r *Registry) store(prev, e *entry) {
	if prev != nil && prev.cell != e.cell {
		if sh := r.shardFor(prev.cell, false); sh != nil {
			sh.mu.Lock()
			delete(sh.records, e.rec.UserID)
			sh.mu.Unlock()
		}
	}
	sh := r.shardFor(e.cell, true)
	sh.mu.Lock()
	sh.records[e.rec.UserID] = e
	sh.mu.Unlock()

	r.idxMu.Lock()
	r.index[e.rec.UserID] = e
	r.idxMu.Unlock()
}

func (r *Registry) drop(e *entry) {
	if sh := r.shardFor(e.cell, false); sh != nil {
		sh.mu.Lock()
		if cur := sh.records[e.rec.UserID]; cur == e {
			delete(sh.records, e.rec.UserID)
		}
		sh.mu.Unlock()
	}
	r.idxMu.Lock()
	if cur := r.index[e.rec.UserID]; cur == e {
		delete(r.index, e.rec.UserID)
	}
	r.idxMu.Unlock()
}

// Attach registers a connection. Attaching an id twice returns the existing conn.
func (r *Registry) Attach(connID, userID, userName string) *Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if c, ok := r.conns[connID]; ok {
		return c
	}
	c := &Conn{ID: connID, UserID: userID, UserName: userName, Outbox: NewOutbox(r.conf.OutboxLimit)}
	r.conns[connID] = c
	return c
}

func (r *Registry) conn(connID string) (*Conn, error) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil, errs.ErrUnknownConn.WrapMsg("", "conn_id", connID)
	}
	return c, nil
}

// Get returns the stored record of a user.
func (r *Registry) Get(userID string) (model.PresenceRecord, bool) {
	e := r.lookup(userID)
	if e == nil {
		return model.PresenceRecord{}, false
	}
	return e.rec, true
}

// Nearby is a point-in-time proximity query, excluding excludeUser.
func (r *Registry) Nearby(lat, lng, radius float64, excludeUser string) []model.PresenceRecord {
	r.topo.RLock()
	defer r.topo.RUnlock()
	return r.collect(lat, lng, radius, excludeUser)
}

func (r *Registry) collect(lat, lng, radius float64, excludeUser string) []model.PresenceRecord {
	out := []model.PresenceRecord{}
	for _, sh := range r.shardsNear(lat, lng, radius) {
		sh.mu.RLock()
		for _, e := range sh.records {
			if e.rec.UserID == excludeUser || !e.rec.Visible {
				continue
			}
			if geo.Within(lat, lng, e.rec.Latitude, e.rec.Longitude, radius) {
				out = append(out, e.rec)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Subscribe validates and installs the connection's subscription, replacing
// any previous one, and enqueues a full snapshot.
func (r *Registry) Subscribe(ctx context.Context, connID string, area model.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := r.conn(connID)
	if err != nil {
		return err
	}
	area.SubscriberID = connID

	r.topo.Lock()
	defer r.topo.Unlock()
	if err := area.Validate(r.conf.MaxRadiusMeters); err != nil {
		return err
	}
	r.install(c, area, true)
	return nil
}

// install replaces c's subscription. With full set it sends a snapshot,
// otherwise add/remove deltas against the previous member set. Caller holds topo.Lock.
func (r *Registry) install(c *Conn, area model.Subscription, full bool) {
	var prev map[string]int64
	if c.sub != nil {
		prev = c.sub.members
		r.uninstall(c)
	}

	s := &sub{
		connID:  c.ID,
		userID:  c.UserID,
		area:    area,
		cell:    r.cellOf(area.OriginLat, area.OriginLng),
		members: make(map[string]int64),
	}
	records := r.collect(area.OriginLat, area.OriginLng, area.RadiusMeters, c.UserID)
	for _, rec := range records {
		s.members[rec.UserID] = rec.UpdatedAt
		r.watch(rec.UserID, s)
	}
	sh := r.shardFor(s.cell, true)
	sh.mu.Lock()
	sh.subs[c.ID] = s
	sh.mu.Unlock()
	c.sub = s

	if full {
		c.Outbox.Snapshot(records)
		r.metrics.Snapshot()
		return
	}
	for _, rec := range records {
		op := model.OpAdd
		if ts, ok := prev[rec.UserID]; ok {
			if ts == rec.UpdatedAt {
				continue
			}
			op = model.OpUpdate
		}
		c.Outbox.Enqueue(model.Delta{Op: op, Record: rec})
		r.metrics.Delta(string(op))
	}
	for id := range prev {
		if _, still := s.members[id]; !still {
			r.enqueueRemove(c.Outbox, id)
		}
	}
}

func (r *Registry) enqueueRemove(o *Outbox, userID string) {
	rec := model.PresenceRecord{UserID: userID, Status: model.StatusOffline}
	if e := r.lookup(userID); e != nil {
		rec = e.rec
		rec.Visible = false
	}
	o.Enqueue(model.Delta{Op: model.OpRemove, Record: rec})
	r.metrics.Delta(string(model.OpRemove))
}

// uninstall removes c's subscription from the indexes. Caller holds topo.Lock.
func (r *Registry) uninstall(c *Conn) {
	s := c.sub
	if s == nil {
		return
	}
	if sh := r.shardFor(s.cell, false); sh != nil {
		sh.mu.Lock()
		delete(sh.subs, c.ID)
		sh.mu.Unlock()
	}
	for id := range s.members {
		r.unwatch(id, s)
	}
	c.sub = nil
}

func (r *Registry) watch(userID string, s *sub) {
	r.watchMu.Lock()
	m := r.watchers[userID]
	if m == nil {
		m = make(map[string]*sub)
		r.watchers[userID] = m
	}
	m[s.connID] = s
	r.watchMu.Unlock()
}

func (r *Registry) unwatch(userID string, s *sub) {
	r.watchMu.Lock()
	if m := r.watchers[userID]; m != nil {
		if m[s.connID] == s {
			delete(m, s.connID)
		}
		if len(m) == 0 {
			delete(r.watchers, userID)
		}
	}
	r.watchMu.Unlock()
}

// Unsubscribe ends the connection's subscription and drops pending deltas.
func (r *Registry) Unsubscribe(connID string) error {
	c, err := r.conn(connID)
	if err != nil {
		return err
	}
	r.topo.Lock()
	defer r.topo.Unlock()
	r.uninstall(c)
	c.Outbox.Clear()
	return nil
}

// Refresh resends a full snapshot for the current subscription. Without a
// subscription it does nothing.
func (r *Registry) Refresh(ctx context.Context, connID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := r.conn(connID)
	if err != nil {
		return err
	}
	r.topo.Lock()
	defer r.topo.Unlock()
	if c.sub == nil {
		return nil
	}
	r.install(c, c.sub.area, true)
	return nil
}

// Detach removes the connection. The user's record, when this connection owns
// it, is deleted on a clean close and hidden otherwise; either way subscribers
// get a remove.
func (r *Registry) Detach(connID string, clean bool) {
	r.connMu.Lock()
	c, ok := r.conns[connID]
	delete(r.conns, connID)
	r.connMu.Unlock()
	if !ok {
		return
	}

	r.topo.Lock()
	r.uninstall(c)
	c.Outbox.Close()

	var ev *BusEvent
	if e := r.lookup(c.UserID); e != nil && e.owner == connID {
		if clean {
			r.drop(e)
			r.fanout(e.rec, false)
			ev = &BusEvent{NodeID: r.conf.NodeID, Op: BusRemove, Record: e.rec}
		} else {
			rec := e.rec
			rec.Visible = false
			rec.Status = model.StatusOffline
			hidden := &entry{rec: rec, refreshedAt: e.refreshedAt, cell: e.cell}
			r.store(e, hidden)
			r.fanout(rec, true)
			ev = &BusEvent{NodeID: r.conf.NodeID, Op: BusUpsert, Record: rec}
		}
	}
	r.topo.Unlock()

	if ev != nil {
		r.replicate(*ev)
	}
	logger.Debug("presence conn detached", zap.String("conn_id", connID), zap.String("user_id", c.UserID), zap.Bool("clean", clean))
}

// Stats reports connections, records and subscriptions.
func (r *Registry) Stats() (conns, records, subs int) {
	r.topo.RLock()
	defer r.topo.RUnlock()
	r.connMu.RLock()
	conns = len(r.conns)
	for _, c := range r.conns {
		if c.sub != nil {
			subs++
		}
	}
	r.connMu.RUnlock()
	r.idxMu.RLock()
	records = len(r.index)
	r.idxMu.RUnlock()
	return
}

// Close stops the side worker after flushing queued work.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		if r.side == nil {
			return
		}
		r.sideMu.Lock()
		r.sideClosed = true
		close(r.side)
		r.sideMu.Unlock()
		<-r.sideDone
	})
}
