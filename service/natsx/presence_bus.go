package natsx

import (
	"context"
	"strconv"

	"HaksaPresence/service/presence"
	"HaksaPresence/tools/errs"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	BizPresence    = "presence"
	DefaultSubject = "presence.updates"

	HeaderMsgID  = "Nats-Msg-Id"
	HeaderNodeID = "X-Node-Id"
)

type publisher interface {
	Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error
}

type subscriber interface {
	Subscribe(biz string, h NatsxHandler) error
	Unsubscribe(biz string) error
}

// PresenceBus broadcasts registry changes on one subject. Every node
// subscribes without a queue group so each one sees every change.
type PresenceBus struct {
	pub   publisher
	sub   subscriber
	close func() error
}

var _ presence.Bus = (*PresenceBus)(nil)

func NewPresenceBus(m *NatsManager, subject string) (*PresenceBus, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if err := m.RegisterRoute(NatsxRoute{Biz: BizPresence, Subject: subject}); err != nil {
		return nil, err
	}
	return &PresenceBus{pub: m, sub: m, close: m.Close}, nil
}

// EventID identifies one accepted change; replays of it are dropped.
func EventID(ev presence.BusEvent) string {
	return ev.NodeID + "|" + string(ev.Op) + "|" + ev.Record.UserID + "|" + strconv.FormatInt(ev.Record.UpdatedAt, 10)
}

func (b *PresenceBus) Publish(ctx context.Context, ev presence.BusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err)
	}
	return b.pub.Publish(ctx, BizPresence, data, map[string]string{
		HeaderMsgID:  EventID(ev),
		HeaderNodeID: ev.NodeID,
	})
}

func (b *PresenceBus) Subscribe(ctx context.Context, handle func(presence.BusEvent)) error {
	err := b.sub.Subscribe(BizPresence, func(_ context.Context, msg NatsxMessage) error {
		var ev presence.BusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return errs.ErrBadFrame.WrapMsg(err.Error(), "subject", msg.Subject)
		}
		if ev.Record.UserID == "" {
			return errs.ErrBadFrame.WrapMsg("bus event without user", "subject", msg.Subject)
		}
		handle(ev)
		return nil
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = b.sub.Unsubscribe(BizPresence)
	}()
	return nil
}

func (b *PresenceBus) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}
