package gateway

import (
	"context"

	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"
)

// Context is what a frame handler sees.
type Context struct {
	Ctx  context.Context
	S    *Server
	Conn *WsConn
}

type Handler func(c *Context, f *model.Frame) error

type Dispatcher struct {
	handlers map[model.FrameType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[model.FrameType]Handler)}
}

func (d *Dispatcher) Register(t model.FrameType, h Handler) { d.handlers[t] = h }

func (d *Dispatcher) Dispatch(c *Context, f *model.Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrBadFrame.WrapMsg("unsupported frame type", "type", f.Type)
	}
	return h(c, f)
}
