package security

import (
	"net/http"
	"strings"
	"time"

	"HaksaPresence/tools/errs"
	toolsec "HaksaPresence/tools/security"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
)

// context key
// 后续 handler 统一用这个 key 读取身份
const PPCtxIdentityKey = "presenceIdentity"

type Options struct {
	JWT                       toolsec.Options
	QueryToken                string        // 浏览器 websocket 无法带 header 时使用，默认 "token"
	EnableAuthorizationBearer bool          // 默认 true
	CacheTTL                  time.Duration // 验证结果缓存，默认 1m
}

func DefaultOptions(secret []byte) *Options {
	return &Options{
		JWT:                       toolsec.DefaultOptions(secret),
		QueryToken:                "token",
		EnableAuthorizationBearer: true,
		CacheTTL:                  time.Minute,
	}
}

// Authenticator verifies tokens and remembers the result by token hash.
type Authenticator struct {
	opts  Options
	cache *gocache.Cache
}

func NewAuthenticator(opts *Options) *Authenticator {
	if opts == nil {
		opts = DefaultOptions(nil)
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Authenticator{opts: *opts, cache: gocache.New(opts.CacheTTL, 2*opts.CacheTTL)}
}

// Verify returns the identity behind token.
func (a *Authenticator) Verify(token string) (toolsec.Identity, error) {
	if token == "" {
		return toolsec.Identity{}, errs.ErrUnauthorized.Wrap()
	}
	key := toolsec.HashToken(token)
	if v, ok := a.cache.Get(key); ok {
		id := v.(toolsec.Identity)
		if id.ExpireAt.IsZero() || time.Now().Before(id.ExpireAt) {
			return id, nil
		}
		a.cache.Delete(key)
	}
	id, err := toolsec.Verify(a.opts.JWT, token)
	if err != nil {
		return toolsec.Identity{}, err
	}
	ttl := a.opts.CacheTTL
	if left := time.Until(id.ExpireAt); !id.ExpireAt.IsZero() && left < ttl {
		ttl = left
	}
	if ttl > 0 {
		a.cache.Set(key, id, ttl)
	}
	return id, nil
}

// Token 从请求中取 token：Authorization: Bearer xxx 优先，其次 query
func (a *Authenticator) Token(r *http.Request) string {
	if a.opts.EnableAuthorizationBearer {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); len(authz) > len("bearer ") {
			if strings.EqualFold(authz[:len("bearer ")], "bearer ") {
				return strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	if a.opts.QueryToken != "" {
		return strings.TrimSpace(r.URL.Query().Get(a.opts.QueryToken))
	}
	return ""
}

func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Verify(a.Token(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errs.UnauthorizedError,
				"msg":  errs.ErrUnauthorized.EMsg(),
			})
			return
		}
		c.Set(PPCtxIdentityKey, id)
		c.Next()
	}
}

// IdentityFrom 读取 Middleware 写入的身份
func IdentityFrom(c *gin.Context) (toolsec.Identity, bool) {
	v, ok := c.Get(PPCtxIdentityKey)
	if !ok {
		return toolsec.Identity{}, false
	}
	id, ok := v.(toolsec.Identity)
	return id, ok
}
