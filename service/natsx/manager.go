package natsx

import (
	"context"

	"HaksaPresence/tools/errs"
)

// NatsManager bundles one connection with its producer and consumer.
// A nil manager is treated as not connected.
type NatsManager struct {
	client   *NatsxClient
	producer *NatsxProducer
	consumer *NatsxConsumer
}

// NewNatsManager 连接并装配中间件；中间件只作用于订阅侧
func NewNatsManager(cfg NatsxConfig, middlewares ...NatsxMiddleware) (*NatsManager, error) {
	c, err := NewNatsxClient(cfg)
	if err != nil {
		return nil, err
	}
	return &NatsManager{
		client:   c,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, middlewares...),
	}, nil
}

func (m *NatsManager) ready() error {
	if m == nil || m.client == nil {
		return errs.ErrNotConnected.WrapMsg("nats manager not initialized")
	}
	return nil
}

func (m *NatsManager) Close() error {
	if m.ready() != nil {
		return nil
	}
	return m.client.Close()
}

func (m *NatsManager) RegisterRoute(r NatsxRoute) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.client.RegisterRoute(r)
}

func (m *NatsManager) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.producer.Publish(ctx, biz, data, hdr)
}

// Subscribe replaces any earlier handler for biz.
func (m *NatsManager) Subscribe(biz string, h NatsxHandler) error {
	if err := m.ready(); err != nil {
		return err
	}
	return m.consumer.Subscribe(biz, h)
}

func (m *NatsManager) Unsubscribe(biz string) error {
	if m.ready() != nil {
		return nil
	}
	return m.consumer.Unsubscribe(biz)
}
