package redis

import (
	"context"
	"strings"
	"time"

	"HaksaPresence/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis；Addr 可写多个（逗号分隔）即走集群模式
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func (c Config) addrs() []string {
	var out []string
	for _, a := range strings.Split(c.Addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// NewClient dials and pings. Several addresses give a cluster client.
func NewClient(c Config) (redis.UniversalClient, error) {
	addrs := c.addrs()
	if len(addrs) == 0 {
		return nil, errs.ErrConnection.WrapMsg("redis addr missing")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "addr", c.Addr)
	}
	return rdb, nil
}
