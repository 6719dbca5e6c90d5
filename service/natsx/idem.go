package natsx

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// IdemStore remembers message ids for a while. Seen reports whether the id
// was already recorded and records it otherwise.
type IdemStore interface {
	Seen(id string, ttl time.Duration) bool
}

type memIdem struct {
	ids *gocache.Cache
	ttl time.Duration
}

// NewMemIdem 单进程去重表，过期清理交给 go-cache
func NewMemIdem(ttl time.Duration) IdemStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &memIdem{ids: gocache.New(ttl, 2*ttl), ttl: ttl}
}

func (s *memIdem) Seen(id string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = s.ttl
	}
	// Add fails only while an unexpired entry exists
	return s.ids.Add(id, struct{}{}, ttl) != nil
}

// messageID prefers the publisher's id and falls back to a content hash.
func messageID(msg NatsxMessage) string {
	if id := msg.Header[HeaderMsgID]; id != "" {
		return id
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg.Subject))
	_, _ = h.Write(msg.Data)
	return msg.Subject + "#" + strconv.FormatUint(h.Sum64(), 16)
}

// NatsxIdemMiddleware drops redeliveries of an id within ttl.
func NatsxIdemMiddleware(store IdemStore, ttl time.Duration) NatsxMiddleware {
	return func(next NatsxHandler) NatsxHandler {
		return func(ctx context.Context, msg NatsxMessage) error {
			if store.Seen(messageID(msg), ttl) {
				return nil
			}
			return next(ctx, msg)
		}
	}
}
