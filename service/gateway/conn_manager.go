package gateway

import (
	"net"
	"sync"
	"time"

	"HaksaPresence/service/presence"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WsConn is one websocket client. Only the writer goroutine writes to Conn.
type WsConn struct {
	ConnID   string
	UserID   string
	UserName string

	Conn   *websocket.Conn
	Remote net.Addr
	Outbox *presence.Outbox

	CreatedAt time.Time

	send    chan []byte // ack/error/pong，由写协程发送
	closed  chan struct{}
	limiter *rate.Limiter

	mu        sync.Mutex
	heartbeat time.Time
	clean     bool
	closeOnce sync.Once
}

func (w *WsConn) touch(now time.Time) {
	w.mu.Lock()
	w.heartbeat = now
	w.mu.Unlock()
}

func (w *WsConn) lastSeen() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heartbeat
}

func (w *WsConn) markClean() {
	w.mu.Lock()
	w.clean = true
	w.mu.Unlock()
}

func (w *WsConn) isClean() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clean
}

// shutdown 通知写协程收尾（发 Close 帧并关闭底层连接）
func (w *WsConn) shutdown() {
	w.closeOnce.Do(func() { close(w.closed) })
}

// ConnManager indexes live websocket connections by conn id and by user,
// and closes connections idle for longer than the idle timeout.
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*WsConn
	byUser map[string]map[string]*WsConn

	idle     time.Duration
	clock    func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewConnManager(idle time.Duration, clock func() time.Time) *ConnManager {
	if clock == nil {
		clock = time.Now
	}
	return &ConnManager{
		byConn: make(map[string]*WsConn),
		byUser: make(map[string]map[string]*WsConn),
		idle:   idle,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
}

func (m *ConnManager) Add(w *WsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[w.ConnID] = w
	if m.byUser[w.UserID] == nil {
		m.byUser[w.UserID] = make(map[string]*WsConn)
	}
	m.byUser[w.UserID][w.ConnID] = w
}

func (m *ConnManager) Get(connID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byConn[connID]
	return w, ok
}

func (m *ConnManager) Remove(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.byConn, connID)
	if mm := m.byUser[w.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(m.byUser, w.UserID)
		}
	}
}

// Heartbeat 刷新连接的最近活跃时间
func (m *ConnManager) Heartbeat(connID string) {
	if w, ok := m.Get(connID); ok {
		w.touch(m.clock())
	}
}

// ListUser 列出用户所有连接
func (m *ConnManager) ListUser(userID string) []*WsConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*WsConn, 0, len(m.byUser[userID]))
	for _, w := range m.byUser[userID] {
		out = append(out, w)
	}
	return out
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}

// Run 周期清理空闲连接，直到 Close
func (m *ConnManager) Run(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce(m.clock())
		}
	}
}

// sweepOnce 关闭底层连接，读协程随即退出并走正常的摘除流程
func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*WsConn
	m.mu.RLock()
	for _, w := range m.byConn {
		if now.Sub(w.lastSeen()) > m.idle {
			expired = append(expired, w)
		}
	}
	m.mu.RUnlock()

	for _, w := range expired {
		closeQuiet(w.Conn)
	}
	return len(expired)
}

// Close 关闭全部连接
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	all := make([]*WsConn, 0, len(m.byConn))
	for _, w := range m.byConn {
		all = append(all, w)
	}
	m.mu.RUnlock()
	for _, w := range all {
		w.shutdown()
	}
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
