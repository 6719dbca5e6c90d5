// Package nearby keeps the client's last-known-good view of nearby users and
// hands immutable, sorted snapshots to the renderer.
package nearby

import (
	"context"
	"sort"
	"sync"
	"time"

	"HaksaPresence/logger"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/session"

	"go.uber.org/zap"
)

// Listener receives the full view after every change. The slice is owned by
// the listener.
type Listener func([]model.NearbyUser)

type Config struct {
	StalenessWindow time.Duration
	PruneInterval   time.Duration
	Clock           func() time.Time
}

func (c *Config) norm() {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = 60 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Cache struct {
	conf Config

	mu        sync.Mutex
	users     map[string]model.NearbyUser
	listener  Listener
	connected bool
}

func New(conf Config, listener Listener) *Cache {
	conf.norm()
	return &Cache{conf: conf, users: make(map[string]model.NearbyUser), listener: listener}
}

// OnNearbyUsersChanged replaces the listener.
func (c *Cache) OnNearbyUsersChanged(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// ApplySnapshot replaces the whole view with the visible records.
func (c *Cache) ApplySnapshot(records []model.PresenceRecord, now time.Time) {
	c.mu.Lock()
	next := make(map[string]model.NearbyUser, len(records))
	for _, r := range records {
		if !r.Visible {
			continue
		}
		next[r.UserID] = r.ToNearby(now)
	}
	c.users = next
	c.notifyLocked()
}

// ApplyDelta upserts on add/update and deletes on remove. Re-applying the
// same delta leaves the view unchanged.
func (c *Cache) ApplyDelta(d model.Delta, now time.Time) {
	c.mu.Lock()
	id := d.Record.UserID
	switch {
	case d.Op == model.OpRemove || !d.Record.Visible:
		if _, ok := c.users[id]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.users, id)
	case d.Op == model.OpAdd || d.Op == model.OpUpdate:
		c.users[id] = d.Record.ToNearby(now)
	default:
		c.mu.Unlock()
		logger.Warn("nearby: unknown delta op", zap.String("op", string(d.Op)))
		return
	}
	c.notifyLocked()
}

// Prune evicts entries not refreshed within the staleness window and returns
// how many were removed.
func (c *Cache) Prune(now time.Time) int {
	c.mu.Lock()
	cut := now.Add(-c.conf.StalenessWindow)
	n := 0
	for id, u := range c.users {
		if u.LastSeenAt.Before(cut) {
			delete(c.users, id)
			n++
		}
	}
	if n == 0 {
		c.mu.Unlock()
		return 0
	}
	c.notifyLocked()
	return n
}

func (c *Cache) Snapshot() []model.NearbyUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// Connected mirrors the session's channel state for the status badge.
func (c *Cache) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Cache) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Cache) sortedLocked() []model.NearbyUser {
	out := make([]model.NearbyUser, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// notifyLocked releases c.mu before calling the listener.
func (c *Cache) notifyLocked() {
	snap := c.sortedLocked()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(snap)
	}
}

// Run feeds session events into the cache and prunes on a ticker until ctx
// ends or the event channel closes.
func (c *Cache) Run(ctx context.Context, events <-chan session.Event) {
	ticker := time.NewTicker(c.conf.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(c.conf.Clock()); n > 0 {
				logger.Debug("nearby: pruned stale users", zap.Int("count", n))
			}
		case ev, ok := <-events:
			if !ok {
				c.setConnected(false)
				return
			}
			c.apply(ev)
		}
	}
}

func (c *Cache) apply(ev session.Event) {
	now := c.conf.Clock()
	switch ev.Kind {
	case session.EventSnapshot:
		c.ApplySnapshot(ev.Records, now)
	case session.EventDelta:
		c.ApplyDelta(ev.Delta, now)
	case session.EventStateChanged:
		c.setConnected(ev.State.Online())
	}
}
