package storage

import (
	"context"
	"strconv"
	"time"

	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ===== Lua 脚本 =====

// 写入一条在线记录（last-write-wins）
// KEYS[1] = record key   ({presence}:rec:<user>)
// KEYS[2] = geo index    ({presence}:geo)
// KEYS[3] = expiry index ({presence}:exp)
// KEYS[4] = version index({presence}:ver)
// ARGV[1] = record json
// ARGV[2] = ttlMs
// ARGV[3] = lng
// ARGV[4] = lat
// ARGV[5] = member (userId)
// ARGV[6] = expireAtMs
// ARGV[7] = updatedAt
// ARGV[8] = visible(0/1)
// 返回：1 写入；0 版本较旧被丢弃
const luaSaveRecord = `
local kRec   = KEYS[1]
local geoZ   = KEYS[2]
local expZ   = KEYS[3]
local verZ   = KEYS[4]
local member = ARGV[5]
local ver    = tonumber(ARGV[7])

local cur = redis.call("ZSCORE", verZ, member)
if cur and tonumber(cur) > ver then
  return 0
end

redis.call("SET", kRec, ARGV[1], "PX", ARGV[2])
if ARGV[8] == "1" then
  redis.call("GEOADD", geoZ, ARGV[3], ARGV[4], member)
else
  redis.call("ZREM", geoZ, member)
end
redis.call("ZADD", expZ, ARGV[6], member)
redis.call("ZADD", verZ, ver, member)
return 1
`

// 删除一条在线记录
// KEYS 同上；ARGV[1] = member
const luaDeleteRecord = `
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
return 1
`

// 清理过期成员（记录键本身靠 PX 过期，这里清理索引）
// KEYS[1] = geo index, KEYS[2] = expiry index, KEYS[3] = version index
// ARGV[1] = nowMs
// 返回：被清理的 member 数组
const luaSweepIndex = `
local victims = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, v in ipairs(victims) do
  redis.call("ZREM", KEYS[1], v)
  redis.call("ZREM", KEYS[2], v)
  redis.call("ZREM", KEYS[3], v)
end
return victims
`

type MirrorConfig struct {
	Prefix    string // key 前缀，默认 presence
	ScanBatch int64
}

// RedisMirror keeps live presence records in Redis: one JSON key per user
// with a TTL, a GEO index of visible users, and expiry/version sorted sets.
// All keys share one hash tag so the scripts run on Redis Cluster.
type RedisMirror struct {
	rdb  redis.UniversalClient
	conf MirrorConfig

	luaSave   *redis.Script
	luaDelete *redis.Script
	luaSweep  *redis.Script
}

func NewRedisMirror(rdb redis.UniversalClient, conf MirrorConfig) *RedisMirror {
	if conf.Prefix == "" {
		conf.Prefix = "presence"
	}
	if conf.ScanBatch <= 0 {
		conf.ScanBatch = 500
	}
	return &RedisMirror{
		rdb:       rdb,
		conf:      conf,
		luaSave:   redis.NewScript(luaSaveRecord),
		luaDelete: redis.NewScript(luaDeleteRecord),
		luaSweep:  redis.NewScript(luaSweepIndex),
	}
}

// ===== Key 构造 =====

func (m *RedisMirror) tag() string { return "{" + m.conf.Prefix + "}" }

func (m *RedisMirror) recKey(u string) string { return m.tag() + ":rec:" + u }

func (m *RedisMirror) geoKey() string { return m.tag() + ":geo" }

func (m *RedisMirror) expKey() string { return m.tag() + ":exp" }

func (m *RedisMirror) verKey() string { return m.tag() + ":ver" }

func (m *RedisMirror) keys(userID string) []string {
	return []string{m.recKey(userID), m.geoKey(), m.expKey(), m.verKey()}
}

// Save writes rec unless Redis already holds a newer version.
func (m *RedisMirror) Save(ctx context.Context, rec model.PresenceRecord, ttl time.Duration) error {
	if rec.UserID == "" {
		return errs.ErrBadFrame.WrapMsg("empty user id")
	}
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(err)
	}
	visible := "0"
	if rec.Visible {
		visible = "1"
	}
	expAt := time.Now().Add(ttl).UnixMilli()
	err = m.luaSave.Run(ctx, m.rdb, m.keys(rec.UserID),
		string(raw),
		ttl.Milliseconds(),
		strconv.FormatFloat(rec.Longitude, 'f', -1, 64),
		strconv.FormatFloat(rec.Latitude, 'f', -1, 64),
		rec.UserID,
		expAt,
		rec.UpdatedAt,
		visible,
	).Err()
	return errs.Wrap(err)
}

func (m *RedisMirror) Delete(ctx context.Context, userID string) error {
	return errs.Wrap(m.luaDelete.Run(ctx, m.rdb, m.keys(userID), userID).Err())
}

// Lookup reads one record.
func (m *RedisMirror) Lookup(ctx context.Context, userID string) (model.PresenceRecord, bool, error) {
	var rec model.PresenceRecord
	raw, err := m.rdb.Get(ctx, m.recKey(userID)).Bytes()
	if errs.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, errs.Wrap(err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, errs.Wrap(err)
	}
	return rec, true, nil
}

// LoadAll scans every live record key.
func (m *RedisMirror) LoadAll(ctx context.Context) ([]model.PresenceRecord, error) {
	var (
		out    []model.PresenceRecord
		cursor uint64
	)
	match := m.recKey("*")
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, match, m.conf.ScanBatch).Result()
		if err != nil {
			return nil, errs.Wrap(err)
		}
		recs, err := m.mget(ctx, keys)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (m *RedisMirror) mget(ctx context.Context, keys []string) ([]model.PresenceRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]model.PresenceRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between scan and read
		}
		var rec model.PresenceRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Nearby answers a cluster-wide radius query from the GEO index.
func (m *RedisMirror) Nearby(ctx context.Context, lat, lng, radius float64) ([]model.PresenceRecord, error) {
	locs, err := m.rdb.GeoRadius(ctx, m.geoKey(), lng, lat, &redis.GeoRadiusQuery{
		Radius: radius,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	keys := make([]string, 0, len(locs))
	for _, l := range locs {
		keys = append(keys, m.recKey(l.Name))
	}
	recs, err := m.mget(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Visible {
			out = append(out, r)
		}
	}
	return out, nil
}

// Sweep drops index members whose records expired before now.
func (m *RedisMirror) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	res, err := m.luaSweep.Run(ctx, m.rdb, []string{m.geoKey(), m.expKey(), m.verKey()}, now.UnixMilli()).StringSlice()
	if err != nil && !errs.Is(err, redis.Nil) {
		return nil, errs.Wrap(err)
	}
	return res, nil
}
