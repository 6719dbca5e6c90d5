package kafka

import (
	"context"
	"sync"

	"HaksaPresence/service/presence"
	"HaksaPresence/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const headerNodeID = "x-node-id"

// PresenceBus replicates registry changes over one Kafka topic. Messages are
// keyed by user id so one user's changes stay on one partition, in order.
type PresenceBus struct {
	topic    string
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	client   sarama.Client

	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ presence.Bus = (*PresenceBus)(nil)

// NewPresenceBus 连接集群，按需建 topic，并为本节点创建独立消费组
func NewPresenceBus(c AppConfig, nodeID string) (*PresenceBus, error) {
	if c.Topic == "" {
		c.Topic = DefaultConfig().Topic
	}
	client, err := sarama.NewClient(c.Brokers, BuildBaseConfig(c))
	if err != nil {
		return nil, errs.ErrConnection.WrapMsg(err.Error(), "brokers", c.Brokers)
	}
	if c.AutoCreateTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.Wrap(err)
		}
		if err := EnsureTopic(admin, c); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.Wrap(err)
	}
	group, err := sarama.NewConsumerGroupFromClient(c.GroupID(nodeID), client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, errs.Wrap(err)
	}
	return &PresenceBus{topic: c.Topic, producer: producer, group: group, client: client}, nil
}

func (b *PresenceBus) message(ev presence.BusEvent) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Record.UserID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerNodeID), Value: []byte(ev.NodeID)},
		},
	}, nil
}

func (b *PresenceBus) Publish(ctx context.Context, ev presence.BusEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := b.message(ev)
	if err != nil {
		return err
	}
	_, _, err = b.producer.SendMessage(msg)
	return errs.Wrap(err)
}

// decoder turns raw topic values into bus events for handle.
func decoder(handle func(presence.BusEvent)) MessageHandler {
	return func(topic string, key, value []byte) error {
		var ev presence.BusEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return errs.ErrBadFrame.WrapMsg(err.Error(), "topic", topic)
		}
		if ev.Record.UserID == "" || ev.Record.UserID != string(key) {
			return errs.ErrBadFrame.WrapMsg("bus event key mismatch", "topic", topic, "key", string(key))
		}
		handle(ev)
		return nil
	}
}

func (b *PresenceBus) Subscribe(ctx context.Context, handle func(presence.BusEvent)) error {
	if b.group == nil {
		return errs.ErrConnection.WrapMsg("consumer group not configured")
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		RunConsumerGroup(ctx, b.group, []string{b.topic}, decoder(handle))
		glog.Infof("presence bus consumer stopped topic=%s", b.topic)
	}()
	return nil
}

func (b *PresenceBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.group != nil {
			err = b.group.Close()
		}
		b.wg.Wait()
		if perr := b.producer.Close(); err == nil {
			err = perr
		}
		if b.client != nil && !b.client.Closed() {
			_ = b.client.Close()
		}
	})
	return err
}
