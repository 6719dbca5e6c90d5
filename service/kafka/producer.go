package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

var compressions = map[string]sarama.CompressionCodec{
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
	"gzip":   sarama.CompressionGZIP,
}

// BuildBaseConfig 生产与消费共用一个 client 的配置
func BuildBaseConfig(c AppConfig) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.KafkaVersion
	cfg.ClientID = "presence-gateway"

	p := &cfg.Producer
	p.Return.Successes = true // SyncProducer 需要
	p.Return.Errors = true
	p.RequiredAcks = sarama.WaitForAll
	p.Retry.Max = max(c.ProducerRetries, 1)
	// Key=userId，同一用户的事件落在同一分区，保持有序
	p.Partitioner = sarama.NewHashPartitioner
	p.Compression = sarama.CompressionNone
	if codec, ok := compressions[strings.ToLower(c.ProducerCompression)]; ok {
		p.Compression = codec
	}

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if strings.EqualFold(c.ConsumerInitialOffset, "oldest") {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategySticky

	cfg.Net.DialTimeout = c.DialTimeout
	if cfg.Net.DialTimeout <= 0 {
		cfg.Net.DialTimeout = 10 * time.Second
	}
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
