package gateway

import (
	"context"
	"net"
	"time"

	"HaksaPresence/logger"
	midsec "HaksaPresence/middleware/security"
	"HaksaPresence/module/presence/model"
	"HaksaPresence/tools/errs"
	"HaksaPresence/tools/ids"
	"HaksaPresence/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandleWS upgrades an authenticated request and serves the connection until
// the client leaves. It runs behind the auth middleware.
func (s *Server) HandleWS(c *gin.Context) {
	id, ok := midsec.IdentityFrom(c)
	if !ok {
		c.AbortWithStatus(401)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}

	now := s.conf.Clock()
	w := &WsConn{
		ConnID:    ids.GenerateString(),
		UserID:    id.UserID,
		UserName:  id.UserName,
		Conn:      ws,
		Remote:    ws.RemoteAddr(),
		CreatedAt: now,
		send:      make(chan []byte, s.conf.SendQueue),
		closed:    make(chan struct{}),
		limiter:   rate.NewLimiter(rate.Limit(s.conf.MsgRate), s.conf.MsgBurst),
		heartbeat: now,
	}
	w.Outbox = s.reg.Attach(w.ConnID, w.UserID, w.UserName).Outbox
	s.conns.Add(w)

	ctx, cancel := context.WithCancel(c.Request.Context())
	log := logger.With(zap.String("conn_id", w.ConnID), zap.String("user_id", w.UserID))
	log.Info("[WS] connected", zap.Stringer("remote", w.Remote))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer safe.Recover("ws-writer")
		s.writeLoop(ctx, w)
	}()

	_ = s.reply(w, model.FrameHello, "", model.HelloBody{ConnID: w.ConnID, UserID: w.UserID, NodeID: s.conf.NodeID})
	s.readLoop(ctx, w)

	// ---- 退出阶段：摘除注册表、通知写协程收尾 ----
	clean := w.isClean()
	s.reg.Detach(w.ConnID, clean)
	s.conns.Remove(w.ConnID)
	w.shutdown()
	cancel()
	<-done
	log.Info("[WS] closed", zap.Bool("clean", clean))
}

func (s *Server) readLoop(ctx context.Context, w *WsConn) {
	defer safe.Recover("ws-reader")

	ws := w.Conn
	ws.SetReadLimit(s.conf.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.IdleTimeout))
	ws.SetPongHandler(func(string) error {
		s.conns.Heartbeat(w.ConnID)
		return ws.SetReadDeadline(time.Now().Add(s.conf.IdleTimeout))
	})

	hc := &Context{Ctx: ctx, S: s, Conn: w}
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				// 只有 bye 才算干净断开，关闭帧本身不算
				logger.Debugf("[WS] peer closed conn=%s", w.ConnID)
			case isTimeout(err):
				logger.Infof("[WS] read timeout conn=%s", w.ConnID)
			default:
				logger.Debugf("[WS] read err conn=%s err=%v", w.ConnID, err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.conf.IdleTimeout))
		s.conns.Heartbeat(w.ConnID)
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		f, err := model.ParseFrame(data)
		if err != nil {
			s.replyErr(w, "", err)
			continue
		}
		s.metrics.Frame(string(f.Type))
		if !w.limiter.Allow() {
			s.replyErr(w, f.AckID, errs.ErrRateLimited.Wrap())
			continue
		}

		err = s.disp.Dispatch(hc, f)
		if err == errBye {
			return
		}
		if err != nil {
			if _, ok := errs.AsCode(err); !ok {
				logger.Warn("[WS] frame failed", zap.String("conn_id", w.ConnID), zap.String("type", string(f.Type)), zap.Error(err))
			}
			s.replyErr(w, f.AckID, err)
		}
	}
}

// writeLoop is the only writer of w.Conn: direct replies, outbox drains and pings.
func (s *Server) writeLoop(ctx context.Context, w *WsConn) {
	ping := time.NewTicker(s.conf.PingInterval)
	defer func() {
		ping.Stop()
		_ = w.Conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
		_ = w.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = w.Conn.Close()
	}()

	for {
		select {
		case <-w.closed:
			s.drainSend(w)
			return
		case raw := <-w.send:
			if err := s.write(w, raw); err != nil {
				return
			}
		case <-w.Outbox.Ready():
			if err := s.flush(ctx, w); err != nil {
				return
			}
		case <-ping.C:
			if err := w.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.conf.WriteWait)); err != nil {
				logger.Debugf("[WS] ping err conn=%s err=%v", w.ConnID, err)
				return
			}
		}
	}
}

// drainSend flushes replies queued before shutdown, such as a final error.
func (s *Server) drainSend(w *WsConn) {
	for {
		select {
		case raw := <-w.send:
			if s.write(w, raw) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) write(w *WsConn, raw []byte) error {
	_ = w.Conn.SetWriteDeadline(time.Now().Add(s.conf.WriteWait))
	if err := w.Conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		logger.Debugf("[WS] write err conn=%s err=%v", w.ConnID, err)
		// 写失败：关闭连接让读协程退出
		closeQuiet(w.Conn)
		return err
	}
	return nil
}

// flush writes everything pending in the outbox. An overflowed outbox is
// repaired with a fresh snapshot.
func (s *Server) flush(ctx context.Context, w *WsConn) error {
	snap, hasSnap, deltas, resync := w.Outbox.Drain()
	if resync {
		s.metrics.Dropped("outbox")
		logger.Warnf("[WS] outbox overflow, resync conn=%s", w.ConnID)
		if err := s.reg.Refresh(ctx, w.ConnID); err != nil && !errs.Is(err, errs.ErrUnknownConn) {
			logger.Warn("[WS] resync failed", zap.String("conn_id", w.ConnID), zap.Error(err))
		}
		return nil
	}
	if hasSnap {
		raw, err := model.EncodeFrame(model.FrameSnapshot, "", model.SnapshotBody{Records: snap})
		if err != nil {
			return err
		}
		if err := s.write(w, raw); err != nil {
			return err
		}
	}
	for _, d := range deltas {
		raw, err := model.EncodeFrame(model.FrameDelta, "", d)
		if err != nil {
			return err
		}
		if err := s.write(w, raw); err != nil {
			return err
		}
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
