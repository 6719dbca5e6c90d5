package kafka

import (
	"time"

	"github.com/Shopify/sarama"
)

// AppConfig 在线状态总线配置
type AppConfig struct {
	Brokers               []string
	Topic                 string // 例如 "presence.updates"
	GroupPrefix           string // 每个节点独立消费组：<prefix>-<nodeId>
	PartitionsPerTopic    int32
	ReplicationFactor     int16 // 单机=1；生产=3
	ProducerRetries       int
	ProducerCompression   string // none/snappy/lz4/zstd
	ConsumerInitialOffset string // newest/oldest
	KafkaVersion          sarama.KafkaVersion
	AutoCreateTopic       bool
	DialTimeout           time.Duration
}

// DefaultConfig 默认配置（单机演示）
func DefaultConfig() AppConfig {
	return AppConfig{
		Brokers:               []string{"127.0.0.1:9092"},
		Topic:                 "presence.updates",
		GroupPrefix:           "presence-gw",
		PartitionsPerTopic:    8,
		ReplicationFactor:     1,
		ProducerRetries:       5,
		ProducerCompression:   "snappy",
		ConsumerInitialOffset: "newest",
		KafkaVersion:          sarama.V2_1_0_0,
		AutoCreateTopic:       true,
		DialTimeout:           10 * time.Second,
	}
}

// GroupID 节点的消费组；组互不相同，每个节点都能收到全部事件
func (c AppConfig) GroupID(nodeID string) string {
	return c.GroupPrefix + "-" + nodeID
}
