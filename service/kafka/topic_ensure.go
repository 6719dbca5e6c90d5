package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EnsureTopic 创建状态总线 topic；已存在但分区不足时扩分区（只增不减）
func EnsureTopic(admin sarama.ClusterAdmin, c AppConfig) error {
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", c.Topic, err)
	}

	if len(descs) == 1 && descs[0].Err == sarama.ErrNoError {
		cur := int32(len(descs[0].Partitions))
		if c.PartitionsPerTopic <= cur {
			glog.Infof("[Topic] exists: %s (partitions=%d)", c.Topic, cur)
			return nil
		}
		if err := admin.CreatePartitions(c.Topic, c.PartitionsPerTopic, nil, false); err != nil {
			return fmt.Errorf("expand partitions %s %d -> %d: %w", c.Topic, cur, c.PartitionsPerTopic, err)
		}
		glog.Infof("[Topic] partitions expanded: %s (%d -> %d)", c.Topic, cur, c.PartitionsPerTopic)
		return nil
	}

	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	td := &sarama.TopicDetail{
		NumPartitions:     c.PartitionsPerTopic,
		ReplicationFactor: c.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"cleanup.policy":                 strPtr("delete"),
			"retention.ms":                   strPtr("600000"), // 状态事件只需短暂保留
			"min.insync.replicas":            strPtr(minISR),
			"unclean.leader.election.enable": strPtr("false"),
		},
	}
	if err := admin.CreateTopic(c.Topic, td, false); err != nil {
		var te *sarama.TopicError
		if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %s: %w", c.Topic, err)
	}
	glog.Infof("[Topic] created: %s (partitions=%d, rf=%d)", c.Topic, c.PartitionsPerTopic, c.ReplicationFactor)
	return nil
}

func strPtr(s string) *string { return &s }
