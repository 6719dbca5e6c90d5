package global

import (
	"reflect"
	"strings"
	"time"

	"HaksaPresence/tools/errs"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PRESENCE"

// Global 启动后加载的配置
var Global = &AppConfig{}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "gateway_01")
	v.SetDefault("snow_node", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50052")

	v.SetDefault("auth.alg", "HS256")
	v.SetDefault("auth.cache_ttl", time.Minute)

	v.SetDefault("presence.max_radius_m", 5000)
	v.SetDefault("presence.default_radius_m", 1000)
	v.SetDefault("presence.staleness_window", 90*time.Second)
	v.SetDefault("presence.sweep_interval", 10*time.Second)
	v.SetDefault("presence.drift_m", 100)
	v.SetDefault("presence.cell_precision", 5)
	v.SetDefault("presence.outbox_limit", 1024)

	v.SetDefault("gateway.ws_path", "/ws")
	v.SetDefault("gateway.write_wait", 10*time.Second)
	v.SetDefault("gateway.ping_interval", 25*time.Second)
	v.SetDefault("gateway.idle_timeout", 75*time.Second)
	v.SetDefault("gateway.read_limit", 64<<10)
	v.SetDefault("gateway.msg_rate", 20)
	v.SetDefault("gateway.msg_burst", 40)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.pool_size", 32)
	v.SetDefault("redis.prefix", "presence")

	v.SetDefault("bus.kind", BusNone)
	v.SetDefault("bus.nats.servers", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("bus.nats.subject", "presence.updates")
	v.SetDefault("bus.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("bus.kafka.topic", "presence.updates")
	v.SetDefault("bus.kafka.group_prefix", "presence-gw")
	v.SetDefault("bus.kafka.partitions", 8)
	v.SetDefault("bus.kafka.replication", 1)

	v.SetDefault("nacos.host", "127.0.0.1")
	v.SetDefault("nacos.port", 8848)
	v.SetDefault("nacos.data_id", "presence-tuning.yaml")
	v.SetDefault("nacos.group", "DEFAULT_GROUP")

	v.SetDefault("session.url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("session.radius_m", 1000)
	v.SetDefault("session.heartbeat_interval", 20*time.Second)
	v.SetDefault("session.republish_interval", 30*time.Second)
	v.SetDefault("session.ack_timeout", 5*time.Second)
	v.SetDefault("session.coalesce_window", 500*time.Millisecond)
	v.SetDefault("session.dial_timeout", 10*time.Second)
	v.SetDefault("session.backoff.initial", 500*time.Millisecond)
	v.SetDefault("session.backoff.max", 30*time.Second)
	v.SetDefault("session.backoff.multiplier", 2.0)
	v.SetDefault("session.backoff.jitter", 0.5)
	v.SetDefault("session.backoff.max_attempts", 6)

	v.SetDefault("sampler.min_distance_m", 10)
	v.SetDefault("sampler.min_interval", 15*time.Second)
	v.SetDefault("sampler.max_attempts", 5)
	v.SetDefault("sampler.start_lat", 37.50)
	v.SetDefault("sampler.start_lng", 127.03)
	v.SetDefault("sampler.step_m", 15)
	v.SetDefault("sampler.every", 2*time.Second)

	v.SetDefault("nearby.staleness_window", 60*time.Second)
	v.SetDefault("nearby.prune_interval", 5*time.Second)
}

// Flags 注册命令行参数
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "Config file location")
	fs.String("node_id", "", "Node id")
	fs.String("log.level", "", "Log level")
}

// LoadConfig 读取顺序：默认值 -> 配置文件 -> 环境变量（PRESENCE_ 前缀，"." 换成 "_"） -> 命令行
func LoadConfig(fs *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		// 只绑定显式设置过的参数，空值不覆盖默认值
		fs.Visit(func(f *pflag.Flag) {
			_ = v.BindPFlag(f.Name, f)
		})
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, AppConfig{})

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.WrapMsg(err, "read config", "file", file)
		}
	}

	c := &AppConfig{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errs.WrapMsg(err, "decode config")
	}
	if c.Bus.Kind == "" {
		c.Bus.Kind = BusNone
	}
	switch c.Bus.Kind {
	case BusNone, BusNats, BusKafka:
	default:
		return nil, errs.WrapMsg(errs.NewCodeError(errs.ServerInternalError, "unknown bus kind"), "bus.kind", "kind", c.Bus.Kind)
	}
	Global = c
	return c, nil
}

// bindEnvs lets AutomaticEnv see keys that have no default.
func bindEnvs(v *viper.Viper, iface interface{}, parts ...string) {
	ifv := reflect.ValueOf(iface)
	ift := reflect.TypeOf(iface)

	for i := 0; i < ift.NumField(); i++ {
		fv := ifv.Field(i)
		ft := ift.Field(i)

		tag, ok := ft.Tag.Lookup("mapstructure")
		if !ok {
			continue
		}
		if fv.Kind() == reflect.Struct {
			bindEnvs(v, fv.Interface(), append(parts, tag)...)
			continue
		}
		_ = v.BindEnv(strings.Join(append(parts, tag), "."))
	}
}
