package middleware

import (
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	globalMgr *MiddlewareManager
	once      sync.Once
)

// MiddlewareManager holds gateway-wide middlewares that may change at
// runtime, for example the origin allow list after a config reload.
// Requests read an immutable snapshot; writers swap it.
type MiddlewareManager struct {
	mu   sync.Mutex // serialises writers
	mids atomic.Pointer[[]gin.HandlerFunc]
}

func NewManager() *MiddlewareManager {
	m := &MiddlewareManager{}
	m.mids.Store(&[]gin.HandlerFunc{})
	return m
}

// Manager 全局实例
func Manager() *MiddlewareManager {
	once.Do(func() { globalMgr = NewManager() })
	return globalMgr
}

func (m *MiddlewareManager) snapshot() []gin.HandlerFunc { return *m.mids.Load() }

func (m *MiddlewareManager) Add(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := append(append([]gin.HandlerFunc(nil), m.snapshot()...), h...)
	m.mids.Store(&next)
}

func (m *MiddlewareManager) Replace(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := append([]gin.HandlerFunc(nil), h...)
	m.mids.Store(&next)
}

func (m *MiddlewareManager) Clear() { m.Replace() }

// Use 返回总控 handler；注册的中间件不应自行调用 c.Next()
func (m *MiddlewareManager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range m.snapshot() {
			if h(c); c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
