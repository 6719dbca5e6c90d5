package gateway

import (
	"errors"

	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"
)

// errBye ends the read loop after a clean goodbye.
var errBye = errors.New("client said bye")

func (s *Server) registerHandlers() {
	s.disp.Register(model.FramePublish, handlePublish)
	s.disp.Register(model.FrameSubscribe, handleSubscribe)
	s.disp.Register(model.FrameUnsubscribe, handleUnsubscribe)
	s.disp.Register(model.FrameRefresh, handleRefresh)
	s.disp.Register(model.FramePing, handlePing)
	s.disp.Register(model.FrameBye, handleBye)
}

func handlePublish(c *Context, f *model.Frame) error {
	var body model.PublishBody
	if err := f.Decode(&body); err != nil {
		return err
	}
	stored, err := c.S.reg.Publish(c.Ctx, c.Conn.ConnID, body.Record(c.Conn.UserName))
	if errs.Is(err, errs.ErrStalePublish) {
		// 旧版本静默丢弃：ack 带上胜出的记录
		return c.S.reply(c.Conn, model.FrameAck, f.AckID, model.AckBody{AckID: f.AckID, Record: &stored, Stale: true})
	}
	if err != nil {
		return err
	}
	return c.S.reply(c.Conn, model.FrameAck, f.AckID, model.AckBody{AckID: f.AckID, Record: &stored})
}

func handleSubscribe(c *Context, f *model.Frame) error {
	var body model.SubscribeBody
	if err := f.Decode(&body); err != nil {
		return err
	}
	if body.RadiusMeters == 0 {
		body.RadiusMeters = c.S.reg.Tuning().DefaultRadiusMeters
	}
	if err := c.S.reg.Subscribe(c.Ctx, c.Conn.ConnID, body.Subscription(c.Conn.ConnID)); err != nil {
		return err
	}
	return c.S.ack(c.Conn, f.AckID)
}

func handleUnsubscribe(c *Context, f *model.Frame) error {
	if err := c.S.reg.Unsubscribe(c.Conn.ConnID); err != nil {
		return err
	}
	return c.S.ack(c.Conn, f.AckID)
}

func handleRefresh(c *Context, f *model.Frame) error {
	if err := c.S.reg.Refresh(c.Ctx, c.Conn.ConnID); err != nil {
		return err
	}
	return c.S.ack(c.Conn, f.AckID)
}

func handlePing(c *Context, f *model.Frame) error {
	return c.S.reply(c.Conn, model.FramePong, f.AckID, nil)
}

func handleBye(c *Context, _ *model.Frame) error {
	c.Conn.markClean()
	return errBye
}
