package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"HaksaPresence/global"
	"HaksaPresence/logger"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/module/presence/nearby"
	"HaksaPresence/module/presence/sampler"
	"HaksaPresence/module/presence/session"
	toolsec "HaksaPresence/tools/security"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// presence-client 模拟一台移动设备：随机游走、共享位置，并打印附近的人
func main() {
	fs := pflag.NewFlagSet("presence-client", pflag.ExitOnError)
	global.Flags(fs)
	hidden := fs.Bool("hidden", false, "connect without appearing to others")
	_ = fs.Parse(os.Args[1:])

	cfg, err := global.LoadConfig(fs)
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		os.Exit(1)
	}
	_ = logger.Setup(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	if err := run(cfg, !*hidden); err != nil {
		logger.Error("presence client stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *global.AppConfig, visible bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, err := clientToken(cfg)
	if err != nil {
		return err
	}

	sc := cfg.Sampler
	provider := sampler.NewSimulatedProvider(sc.StartLat, sc.StartLng, sc.StepMeters, sc.Every)
	smp := sampler.New(provider, sampler.Config{
		UserID:            cfg.Session.UserID,
		MinDistanceMeters: sc.MinDistanceMeters,
		MinInterval:       sc.MinInterval,
		MinGap:            sc.MinGap,
		MaxAttempts:       sc.MaxAttempts,
	})

	sess := session.New(sessionConf(cfg), &session.WSDialer{URL: cfg.Session.URL, Token: token}, smp)
	cache := nearby.New(nearby.Config{
		StalenessWindow: cfg.Nearby.StalenessWindow,
		PruneInterval:   cfg.Nearby.PruneInterval,
	}, printNearby)
	drained := drain(cache, sess.Events())
	defer func() {
		_ = sess.Close()
		<-drained
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if err := sess.Start(ctx, visible); err != nil {
		return err
	}
	logger.Info("sharing location", zap.String("user", cfg.Session.UserID), zap.Bool("visible", visible))

	<-ctx.Done()
	_ = sess.Stop(context.Background())
	return nil
}

// drain feeds session events into the cache until the session closes its
// event channel, so the final stop and goodbye events are still consumed.
func drain(cache *nearby.Cache, events <-chan session.Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		cache.Run(context.Background(), events)
	}()
	return done
}

// clientToken 优先使用配置的 token；否则在本地配置了密钥时自签一个（仅用于联调）
func clientToken(cfg *global.AppConfig) (string, error) {
	if cfg.Session.Token != "" || cfg.Auth.Secret == "" {
		return cfg.Session.Token, nil
	}
	opts := toolsec.DefaultOptions([]byte(cfg.Auth.Secret))
	if cfg.Auth.Alg != "" {
		opts.Alg = cfg.Auth.Alg
	}
	opts.Issuer = cfg.Auth.Issuer
	name := cfg.Session.UserName
	if name == "" {
		name = cfg.Session.UserID
	}
	token, _, err := toolsec.Generate(opts, cfg.Session.UserID, name)
	return token, err
}

func sessionConf(cfg *global.AppConfig) session.Config {
	s := cfg.Session
	return session.Config{
		UserID:            s.UserID,
		RadiusMeters:      s.RadiusMeters,
		HeartbeatInterval: s.HeartbeatInterval,
		RepublishInterval: s.RepublishInterval,
		AckTimeout:        s.AckTimeout,
		CoalesceWindow:    s.CoalesceWindow,
		DialTimeout:       s.DialTimeout,
		Backoff: session.BackoffConfig{
			Initial:     s.Backoff.Initial,
			Max:         s.Backoff.Max,
			Multiplier:  s.Backoff.Multiplier,
			Jitter:      s.Backoff.Jitter,
			MaxAttempts: s.Backoff.MaxAttempts,
		},
	}
}

func printNearby(users []model.NearbyUser) {
	fmt.Printf("---- %d nearby ----\n", len(users))
	for _, u := range users {
		fmt.Printf("%-16s %-16s %.6f,%.6f\n", u.UserID, u.UserName, u.Latitude, u.Longitude)
	}
}
