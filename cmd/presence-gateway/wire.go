package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"HaksaPresence/config"
	"HaksaPresence/global"
	"HaksaPresence/logger"
	"HaksaPresence/service/kafka"
	"HaksaPresence/service/nacos"
	"HaksaPresence/service/natsx"
	"HaksaPresence/service/presence"
	"HaksaPresence/service/storage"
	redisx "HaksaPresence/service/storage/redis"
	"HaksaPresence/tools/errs"
	"HaksaPresence/tools/safe"

	"go.uber.org/zap"
)

func openMirror(cfg *global.AppConfig) (*storage.RedisMirror, func(), error) {
	if !cfg.Redis.Enabled {
		return nil, func() {}, nil
	}
	rdb, err := redisx.NewClient(redisx.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("redis mirror enabled", zap.String("addr", cfg.Redis.Addr))
	m := storage.NewRedisMirror(rdb, storage.MirrorConfig{Prefix: cfg.Redis.Prefix})
	return m, func() { _ = rdb.Close() }, nil
}

func openBus(cfg *global.AppConfig) (presence.Bus, error) {
	switch cfg.Bus.Kind {
	case global.BusNats:
		n := cfg.Bus.Nats
		m, err := natsx.NewNatsManager(natsx.NatsxConfig{
			Servers:  n.Servers,
			Name:     "presence-" + cfg.NodeID,
			User:     n.User,
			Password: n.Password,
		}, natsx.NatsxRecover(), natsx.NatsxIdemMiddleware(natsx.NewMemIdem(5*time.Minute), 5*time.Minute))
		if err != nil {
			return nil, err
		}
		b, err := natsx.NewPresenceBus(m, n.Subject)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		logger.Info("nats bus enabled", zap.Strings("servers", n.Servers))
		return b, nil
	case global.BusKafka:
		k := cfg.Bus.Kafka
		kc := kafka.DefaultConfig()
		if len(k.Brokers) > 0 {
			kc.Brokers = k.Brokers
		}
		if k.Topic != "" {
			kc.Topic = k.Topic
		}
		if k.GroupPrefix != "" {
			kc.GroupPrefix = k.GroupPrefix
		}
		if k.Partitions > 0 {
			kc.PartitionsPerTopic = k.Partitions
		}
		if k.Replication > 0 {
			kc.ReplicationFactor = k.Replication
		}
		b, err := kafka.NewPresenceBus(kc, cfg.NodeID)
		if err != nil {
			return nil, err
		}
		logger.Info("kafka bus enabled", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic))
		return b, nil
	default:
		return nil, nil
	}
}

// sweepMirror trims expired members from the shared geo index.
func sweepMirror(ctx context.Context, m *storage.RedisMirror, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			func() {
				defer safe.Recover("mirror-sweep")
				users, err := m.Sweep(ctx, now)
				if err != nil {
					logger.Warn("mirror sweep failed", zap.Error(err))
					return
				}
				if len(users) > 0 {
					logger.Debug("mirror index swept", zap.Int("count", len(users)))
				}
			}()
		}
	}
}

func startNacos(ctx context.Context, cfg *global.AppConfig, reg *presence.Registry) (func(), error) {
	nc := nacos.Conf{
		Host:      cfg.Nacos.Host,
		Port:      cfg.Nacos.Port,
		Namespace: cfg.Nacos.Namespace,
		Username:  cfg.Nacos.Username,
		Password:  cfg.Nacos.Password,
	}
	cc, err := nacos.NewConfigClient(nc)
	if err != nil {
		return nil, err
	}
	if err := config.StartTuningWatcher(ctx, cc, cfg.Nacos.DataID, cfg.Nacos.Group, reg); err != nil {
		return nil, err
	}

	naming, err := nacos.NewNamingClient(nc)
	if err != nil {
		return nil, err
	}
	port, err := httpPort(cfg.Server.HTTPAddr)
	if err != nil {
		return nil, err
	}
	r := nacos.NewRegistrar(naming, "presence-gateway", localIP(), port, cfg.NodeID)
	if err := r.Register(); err != nil {
		return nil, err
	}
	return func() { _ = r.Deregister() }, nil
}

func httpPort(addr string) (uint64, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, errs.WrapMsg(err, "bad http addr", "addr", addr)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, errs.WrapMsg(err, "bad http port", "addr", addr)
	}
	return port, nil
}

// localIP 取出口网卡地址，失败时回退到回环
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a.IP.String()
	}
	return "127.0.0.1"
}
