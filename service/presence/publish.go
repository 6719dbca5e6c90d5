package presence

import (
	"context"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/module/presence/geo"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"

	"go.uber.org/zap"
)

// Publish upserts the connection user's record when rec.UpdatedAt is not older
// than the stored one and fans the change out. It returns the stored record;
// a stale update returns ErrStalePublish with the record that won.
func (r *Registry) Publish(ctx context.Context, connID string, rec model.PresenceRecord) (model.PresenceRecord, error) {
	start := time.Now()
	c, err := r.conn(connID)
	if err != nil {
		return model.PresenceRecord{}, err
	}
	if rec.UserID != "" && rec.UserID != c.UserID {
		r.metrics.Publish("rejected", time.Since(start))
		return model.PresenceRecord{}, errs.ErrIdentityMismatch.WrapMsg("", "conn_user", c.UserID, "user_id", rec.UserID)
	}
	rec.UserID = c.UserID
	rec.UserName = c.UserName
	rec.Status = model.StatusOnline
	if err := rec.Validate(); err != nil {
		r.metrics.Publish("rejected", time.Since(start))
		return model.PresenceRecord{}, err
	}

	r.topo.RLock()
	mu := r.stripe(rec.UserID)
	mu.Lock()
	stored, recenter, err := r.upsert(ctx, c, rec)
	mu.Unlock()
	r.topo.RUnlock()

	switch {
	case errs.Is(err, errs.ErrStalePublish):
		logger.Debug("stale publish dropped", zap.String("user_id", rec.UserID),
			zap.Int64("updated_at", rec.UpdatedAt), zap.Int64("stored", stored.UpdatedAt))
		r.metrics.Publish("stale", time.Since(start))
		return stored, err
	case err != nil:
		return model.PresenceRecord{}, err
	}
	r.metrics.Publish("ok", time.Since(start))

	r.replicate(BusEvent{NodeID: r.conf.NodeID, Op: BusUpsert, Record: stored})
	if recenter {
		r.recenter(c)
	}
	return stored, nil
}

// upsert runs under topo.RLock and the user's stripe.
func (r *Registry) upsert(ctx context.Context, c *Conn, rec model.PresenceRecord) (model.PresenceRecord, bool, error) {
	prev := r.lookup(rec.UserID)
	if prev != nil && rec.UpdatedAt < prev.rec.UpdatedAt {
		return prev.rec, false, errs.ErrStalePublish.Wrap()
	}
	// nothing is applied once the caller has gone away
	if err := ctx.Err(); err != nil {
		return model.PresenceRecord{}, false, err
	}
	e := &entry{
		rec:         rec,
		refreshedAt: r.conf.Clock(),
		owner:       c.ID,
		cell:        r.cellOf(rec.Latitude, rec.Longitude),
	}
	r.store(prev, e)
	r.fanout(rec, true)

	recenter := false
	if s := c.sub; s != nil {
		recenter = geo.Haversine(s.area.OriginLat, s.area.OriginLng, rec.Latitude, rec.Longitude) > r.conf.DriftMeters
	}
	return rec, recenter, nil
}

// fanout recomputes membership of rec's user for every subscription that
// could list it: those with an origin within MaxRadius of the record, plus
// those currently listing the user. present is false when the record is gone.
func (r *Registry) fanout(rec model.PresenceRecord, present bool) {
	cands := make(map[string]*sub)
	for _, sh := range r.shardsNear(rec.Latitude, rec.Longitude, r.conf.MaxRadiusMeters) {
		sh.mu.RLock()
		for id, s := range sh.subs {
			cands[id] = s
		}
		sh.mu.RUnlock()
	}
	r.watchMu.Lock()
	for id, s := range r.watchers[rec.UserID] {
		cands[id] = s
	}
	r.watchMu.Unlock()

	for _, s := range cands {
		if s.userID == rec.UserID {
			continue
		}
		in := present && rec.Visible &&
			geo.Within(s.area.OriginLat, s.area.OriginLng, rec.Latitude, rec.Longitude, s.area.RadiusMeters)
		r.decide(s, rec, in)
	}
}

func (r *Registry) decide(s *sub, rec model.PresenceRecord, in bool) {
	c, err := r.conn(s.connID)
	if err != nil {
		return
	}
	s.mu.Lock()
	last, had := s.members[rec.UserID]
	var op model.DeltaOp
	switch {
	case in && !had:
		op = model.OpAdd
		s.members[rec.UserID] = rec.UpdatedAt
	case in && had:
		if rec.UpdatedAt < last {
			s.mu.Unlock()
			return
		}
		op = model.OpUpdate
		s.members[rec.UserID] = rec.UpdatedAt
	case !in && had:
		op = model.OpRemove
		delete(s.members, rec.UserID)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	switch op {
	case model.OpAdd:
		r.watch(rec.UserID, s)
	case model.OpRemove:
		r.unwatch(rec.UserID, s)
		rec.Visible = false
	}
	c.Outbox.Enqueue(model.Delta{Op: op, Record: rec})
	r.metrics.Delta(string(op))
}

// recenter moves the subscription origin to the subscriber's current position
// once it drifted past DriftMeters, sending only the membership difference.
func (r *Registry) recenter(c *Conn) {
	r.topo.Lock()
	defer r.topo.Unlock()
	if c.sub == nil {
		return
	}
	e := r.lookup(c.UserID)
	if e == nil {
		return
	}
	area := c.sub.area
	if geo.Haversine(area.OriginLat, area.OriginLng, e.rec.Latitude, e.rec.Longitude) <= r.conf.DriftMeters {
		return
	}
	area.OriginLat, area.OriginLng = e.rec.Latitude, e.rec.Longitude
	logger.Debug("subscription recentered", zap.String("conn_id", c.ID),
		zap.Float64("lat", area.OriginLat), zap.Float64("lng", area.OriginLng))
	r.install(c, area, false)
}

// ApplyRemote applies a change learnt from another node through the same
// last-write-wins rule as a local publish. It is never re-published.
func (r *Registry) ApplyRemote(ev BusEvent) {
	if ev.NodeID == r.conf.NodeID || ev.Record.UserID == "" {
		return
	}
	rec := ev.Record

	r.topo.RLock()
	defer r.topo.RUnlock()
	mu := r.stripe(rec.UserID)
	mu.Lock()
	defer mu.Unlock()

	prev := r.lookup(rec.UserID)
	if prev != nil && rec.UpdatedAt < prev.rec.UpdatedAt {
		return
	}
	switch ev.Op {
	case BusRemove:
		if prev == nil {
			return
		}
		r.drop(prev)
		r.fanout(prev.rec, false)
	case BusUpsert:
		if !model.ValidCoordinate(rec.Latitude, rec.Longitude) {
			return
		}
		e := &entry{rec: rec, refreshedAt: r.conf.Clock(), cell: r.cellOf(rec.Latitude, rec.Longitude)}
		r.store(prev, e)
		r.fanout(rec, true)
	}
}
