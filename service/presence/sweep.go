package presence

import (
	"context"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/tools/safe"

	"go.uber.org/zap"
)

// Run sweeps stale records every SweepInterval and, when a bus is configured,
// applies events from other nodes. It returns when ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if r.bus != nil {
		if err := r.bus.Subscribe(ctx, r.ApplyRemote); err != nil {
			return err
		}
	}
	interval := r.Tuning().SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			func() {
				defer safe.Recover("presence-sweep")
				if n := r.SweepOnce(r.conf.Clock()); n > 0 {
					logger.Info("stale presence evicted", zap.Int("count", n))
				}
				conns, records, subs := r.Stats()
				r.metrics.Sizes(conns, records, subs)
			}()
			// pick up a hot-reloaded interval
			if next := r.Tuning().SweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// SweepOnce deletes every record whose last receipt is older than the
// staleness window and fans out removes. It returns the number evicted.
func (r *Registry) SweepOnce(now time.Time) int {
	r.topo.Lock()
	cut := now.Add(-r.conf.StalenessWindow)

	var stale []*entry
	r.shardMu.RLock()
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.records {
			if e.refreshedAt.Before(cut) {
				stale = append(stale, e)
			}
		}
		sh.mu.RUnlock()
	}
	r.shardMu.RUnlock()

	for _, e := range stale {
		r.drop(e)
		r.fanout(e.rec, false)
	}
	r.compact()
	r.topo.Unlock()

	for _, e := range stale {
		// only the owning node speaks for a record
		if e.owner != "" || r.mirror != nil {
			r.replicateLocal(BusEvent{NodeID: r.conf.NodeID, Op: BusRemove, Record: e.rec}, e.owner != "")
		}
	}
	r.metrics.Evicted(len(stale))
	return len(stale)
}

// compact drops empty shards. Caller holds topo.Lock.
func (r *Registry) compact() {
	r.shardMu.Lock()
	defer r.shardMu.Unlock()
	for cell, sh := range r.shards {
		sh.mu.RLock()
		empty := len(sh.records) == 0 && len(sh.subs) == 0
		sh.mu.RUnlock()
		if empty {
			delete(r.shards, cell)
		}
	}
}

// WarmStart loads records kept by the mirror so a restarted node serves the
// last known state at once. Loaded records are swept like any other unless
// their owners publish again.
func (r *Registry) WarmStart(ctx context.Context) (int, error) {
	if r.mirror == nil {
		return 0, nil
	}
	recs, err := r.mirror.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		before := r.lookup(rec.UserID)
		r.ApplyRemote(BusEvent{NodeID: "mirror", Op: BusUpsert, Record: rec})
		if r.lookup(rec.UserID) != before {
			n++
		}
	}
	return n, nil
}
