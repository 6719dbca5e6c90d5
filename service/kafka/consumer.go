package kafka

import (
	"context"
	"time"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// MessageHandler 处理一条消息；返回错误只记录日志，消息照常提交
type MessageHandler func(topic string, key, value []byte) error

type consumerGroupHandler struct {
	handle MessageHandler
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	glog.V(1).Info("consumer group setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	glog.V(1).Info("consumer group cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(msg.Topic, msg.Key, msg.Value); err != nil {
				glog.Warningf("handler error topic=%s partition=%d offset=%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			}
			// 在线状态是易失数据，处理失败也不重放
			session.MarkMessage(msg, "")
		}
	}
}

// RunConsumerGroup 消费直到 ctx 结束；Consume 在每次 rebalance 后返回，需要循环
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, topics []string, handle MessageHandler) {
	go func() {
		for err := range group.Errors() {
			glog.Errorf("consumer group error: %v", err)
		}
	}()

	h := &consumerGroupHandler{handle: handle}
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			if err == sarama.ErrClosedConsumerGroup {
				return
			}
			glog.Errorf("consume error: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}
