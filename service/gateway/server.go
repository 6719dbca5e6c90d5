package gateway

import (
	"context"
	"net/http"
	"time"

	"HaksaPresence/middleware"
	midsec "HaksaPresence/middleware/security"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/service/metrics"
	"HaksaPresence/service/presence"
	"HaksaPresence/tools/errs"
	"HaksaPresence/tools/safe"

	"github.com/gorilla/websocket"
)

// ClusterView answers queries from the shared live-state store.
type ClusterView interface {
	Nearby(ctx context.Context, lat, lng, radius float64) ([]model.PresenceRecord, error)
	Lookup(ctx context.Context, userID string) (model.PresenceRecord, bool, error)
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithClusterView(v ClusterView) Option { return func(s *Server) { s.cluster = v } }

// Server terminates client websockets and relays frames to the registry.
type Server struct {
	conf     Conf
	reg      *presence.Registry
	auth     *midsec.Authenticator
	metrics  *metrics.Metrics
	cluster  ClusterView
	conns    *ConnManager
	disp     *Dispatcher
	upgrader websocket.Upgrader
}

func NewServer(conf Conf, reg *presence.Registry, auth *midsec.Authenticator, opts ...Option) *Server {
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(auth, "authenticator")
	conf.norm()
	if conf.NodeID == "" {
		conf.NodeID = reg.NodeID()
	}
	s := &Server{
		conf:  conf,
		reg:   reg,
		auth:  auth,
		conns: NewConnManager(conf.IdleTimeout, conf.Clock),
		disp:  NewDispatcher(),
	}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(r, s.conf.AllowedOrigins)
		},
	}
	s.registerHandlers()
	return s
}

// Run sweeps idle connections until ctx ends, then closes every connection.
func (s *Server) Run(ctx context.Context) error {
	go s.conns.Run(s.conf.PingInterval)
	<-ctx.Done()
	s.conns.Close()
	return nil
}

// reply 投递到写协程；连接已关闭时丢弃
func (s *Server) reply(w *WsConn, t model.FrameType, ackID string, body any) error {
	raw, err := model.EncodeFrame(t, ackID, body)
	if err != nil {
		return errs.Wrap(err)
	}
	timer := time.NewTimer(s.conf.WriteWait)
	defer timer.Stop()
	select {
	case w.send <- raw:
		return nil
	case <-w.closed:
		return nil
	case <-timer.C:
		s.metrics.Dropped("send")
		return errs.ErrConnection.WrapMsg("send queue full", "conn_id", w.ConnID)
	}
}

func (s *Server) ack(w *WsConn, ackID string) error {
	if ackID == "" {
		return nil
	}
	return s.reply(w, model.FrameAck, ackID, model.AckBody{AckID: ackID})
}

// replyErr turns a handler error into an error frame.
func (s *Server) replyErr(w *WsConn, ackID string, err error) {
	code, msg := errs.ServerInternalError, "internal error"
	if ce, ok := errs.AsCode(err); ok {
		code, msg = ce.ECode(), ce.EMsg()
	}
	_ = s.reply(w, model.FrameError, ackID, model.ErrorBody{Code: code, Msg: msg, AckID: ackID})
}
