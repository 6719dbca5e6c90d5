package global

import "time"

const (
	BusNone  = "none"
	BusNats  = "nats"
	BusKafka = "kafka"
)

type AppConfig struct {
	ConfigFile string `mapstructure:"config"`
	NodeID     string `mapstructure:"node_id"` // 节点ID，参与 bus 去重与 kafka 消费组
	SnowNode   int64  `mapstructure:"snow_node"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // console|json
	} `mapstructure:"log"`

	Server struct {
		HTTPAddr string `mapstructure:"http_addr"`
		GRPCAddr string `mapstructure:"grpc_addr"`
	} `mapstructure:"server"`

	Auth struct {
		Secret   string        `mapstructure:"secret"`
		Alg      string        `mapstructure:"alg"`
		Issuer   string        `mapstructure:"issuer"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"auth"`

	Presence struct {
		MaxRadiusMeters     float64       `mapstructure:"max_radius_m"`
		DefaultRadiusMeters float64       `mapstructure:"default_radius_m"`
		StalenessWindow     time.Duration `mapstructure:"staleness_window"`
		SweepInterval       time.Duration `mapstructure:"sweep_interval"`
		DriftMeters         float64       `mapstructure:"drift_m"`
		CellPrecision       uint          `mapstructure:"cell_precision"`
		OutboxLimit         int           `mapstructure:"outbox_limit"`
	} `mapstructure:"presence"`

	Gateway struct {
		WSPath         string        `mapstructure:"ws_path"`
		WriteWait      time.Duration `mapstructure:"write_wait"`
		PingInterval   time.Duration `mapstructure:"ping_interval"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		ReadLimit      int64         `mapstructure:"read_limit"`
		MsgRate        float64       `mapstructure:"msg_rate"`
		MsgBurst       int           `mapstructure:"msg_burst"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"gateway"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`

	Bus struct {
		Kind string `mapstructure:"kind"` // none|nats|kafka
		Nats struct {
			Servers  []string `mapstructure:"servers"`
			Subject  string   `mapstructure:"subject"`
			User     string   `mapstructure:"user"`
			Password string   `mapstructure:"password"`
		} `mapstructure:"nats"`
		Kafka struct {
			Brokers     []string `mapstructure:"brokers"`
			Topic       string   `mapstructure:"topic"`
			GroupPrefix string   `mapstructure:"group_prefix"`
			Partitions  int32    `mapstructure:"partitions"`
			Replication int16    `mapstructure:"replication"`
		} `mapstructure:"kafka"`
	} `mapstructure:"bus"`

	Nacos struct {
		Enabled   bool   `mapstructure:"enabled"`
		Host      string `mapstructure:"host"`
		Port      uint64 `mapstructure:"port"`
		Namespace string `mapstructure:"namespace"`
		DataID    string `mapstructure:"data_id"`
		Group     string `mapstructure:"group"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
	} `mapstructure:"nacos"`

	// 以下为客户端（presence-client）使用
	Session struct {
		URL               string        `mapstructure:"url"`
		Token             string        `mapstructure:"token"`
		UserID            string        `mapstructure:"user_id"`
		UserName          string        `mapstructure:"user_name"`
		RadiusMeters      float64       `mapstructure:"radius_m"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		RepublishInterval time.Duration `mapstructure:"republish_interval"`
		AckTimeout        time.Duration `mapstructure:"ack_timeout"`
		CoalesceWindow    time.Duration `mapstructure:"coalesce_window"`
		DialTimeout       time.Duration `mapstructure:"dial_timeout"`
		Backoff           struct {
			Initial     time.Duration `mapstructure:"initial"`
			Max         time.Duration `mapstructure:"max"`
			Multiplier  float64       `mapstructure:"multiplier"`
			Jitter      float64       `mapstructure:"jitter"`
			MaxAttempts int           `mapstructure:"max_attempts"`
		} `mapstructure:"backoff"`
	} `mapstructure:"session"`

	Sampler struct {
		MinDistanceMeters float64       `mapstructure:"min_distance_m"`
		MinInterval       time.Duration `mapstructure:"min_interval"`
		MinGap            time.Duration `mapstructure:"min_gap"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		StartLat          float64       `mapstructure:"start_lat"`
		StartLng          float64       `mapstructure:"start_lng"`
		StepMeters        float64       `mapstructure:"step_m"`
		Every             time.Duration `mapstructure:"every"`
	} `mapstructure:"sampler"`

	Nearby struct {
		StalenessWindow time.Duration `mapstructure:"staleness_window"`
		PruneInterval   time.Duration `mapstructure:"prune_interval"`
	} `mapstructure:"nearby"`
}
