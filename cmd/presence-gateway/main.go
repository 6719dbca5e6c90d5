package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"HaksaPresence/global"
	"HaksaPresence/logger"
	mid "HaksaPresence/middleware"
	midsec "HaksaPresence/middleware/security"
	"HaksaPresence/service/gateway"
	"HaksaPresence/service/metrics"
	"HaksaPresence/service/presence"
	"HaksaPresence/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	fs := pflag.NewFlagSet("presence-gateway", pflag.ExitOnError)
	global.Flags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := global.LoadConfig(fs)
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logger.Error("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("presence gateway stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *global.AppConfig) error {
	// 配置生成的ids
	if err := ids.SetNodeID(cfg.SnowNode); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1) 存储与总线
	mirror, closeRedis, err := openMirror(cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(metrics.Options{Labels: prometheus.Labels{"node": cfg.NodeID}})
	m.Register(promReg)

	// 2) registry
	opts := []presence.Option{presence.WithMetrics(m)}
	if bus != nil {
		opts = append(opts, presence.WithBus(bus))
	}
	if mirror != nil {
		opts = append(opts, presence.WithMirror(mirror))
	}
	reg := presence.NewRegistry(presenceConf(cfg), opts...)
	defer reg.Close()
	if bus != nil {
		defer func() { _ = bus.Close() }()
	}

	if mirror != nil {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		n, err := reg.WarmStart(wctx)
		cancel()
		if err != nil {
			logger.Warn("warm start failed", zap.Error(err))
		} else {
			logger.Info("warm start done", zap.Int("records", n))
		}
	}

	// 3) gateway
	authOpts := midsec.DefaultOptions([]byte(cfg.Auth.Secret))
	authOpts.JWT.Alg = cfg.Auth.Alg
	authOpts.JWT.Issuer = cfg.Auth.Issuer
	authOpts.CacheTTL = cfg.Auth.CacheTTL
	auth := midsec.NewAuthenticator(authOpts)

	gwOpts := []gateway.Option{gateway.WithMetrics(m)}
	if mirror != nil {
		gwOpts = append(gwOpts, gateway.WithClusterView(mirror))
	}
	gw := gateway.NewServer(gatewayConf(cfg), reg, auth, gwOpts...)

	mid.Manager().Add(mid.Origin(cfg.Gateway.WSPath, cfg.Gateway.AllowedOrigins))
	r := gin.New()
	r.Use(mid.Recovery(), mid.AccessLog(), mid.Manager().Use())
	gw.Routes(r, promReg)

	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return gw.Run(gctx) })
	if mirror != nil {
		g.Go(func() error { return sweepMirror(gctx, mirror, reg.Tuning().SweepInterval) })
	}

	// 4) gRPC 健康检查
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("presence.Gateway", healthpb.HealthCheckResponse_SERVING)
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return err
		}
		logger.Info("[gRPC] listening", zap.String("addr", cfg.Server.GRPCAddr))
		return gs.Serve(lis)
	})

	// 5) nacos：热更新 + 服务注册
	if cfg.Nacos.Enabled {
		deregister, err := startNacos(gctx, cfg, reg)
		if err != nil {
			return err
		}
		defer deregister()
	}

	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("node", cfg.NodeID))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
		gs.GracefulStop()
		return nil
	})

	return g.Wait()
}

func presenceConf(cfg *global.AppConfig) presence.Conf {
	p := cfg.Presence
	return presence.Conf{
		NodeID: cfg.NodeID,
		Tuning: presence.Tuning{
			MaxRadiusMeters:     p.MaxRadiusMeters,
			DefaultRadiusMeters: p.DefaultRadiusMeters,
			StalenessWindow:     p.StalenessWindow,
			SweepInterval:       p.SweepInterval,
			DriftMeters:         p.DriftMeters,
		},
		CellPrecision: p.CellPrecision,
		OutboxLimit:   p.OutboxLimit,
	}
}

func gatewayConf(cfg *global.AppConfig) gateway.Conf {
	g := cfg.Gateway
	return gateway.Conf{
		NodeID:         cfg.NodeID,
		WSPath:         g.WSPath,
		WriteWait:      g.WriteWait,
		PingInterval:   g.PingInterval,
		IdleTimeout:    g.IdleTimeout,
		ReadLimit:      g.ReadLimit,
		MsgRate:        g.MsgRate,
		MsgBurst:       g.MsgBurst,
		AllowedOrigins: g.AllowedOrigins,
	}
}
