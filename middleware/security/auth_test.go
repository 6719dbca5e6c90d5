package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	toolsec "HaksaPresence/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(a *Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", a.Middleware(), func(c *gin.Context) {
		id, _ := IdentityFrom(c)
		c.String(http.StatusOK, id.UserID+"/"+id.UserName)
	})
	return r
}

func TestMiddlewareAcceptsBearerAndQuery(t *testing.T) {
	opts := DefaultOptions([]byte("s"))
	a := NewAuthenticator(opts)
	tok, _, err := toolsec.Generate(opts.JWT, "u1", "Alice")
	require.NoError(t, err)
	r := newEngine(a)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1/Alice", w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRejects(t *testing.T) {
	a := NewAuthenticator(DefaultOptions([]byte("s")))
	r := newEngine(a)

	for _, h := range []string{"", "Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if h != "" {
			req.Header.Set("Authorization", h)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, h)
	}
}

func TestVerifyCachesByHash(t *testing.T) {
	opts := DefaultOptions([]byte("s"))
	a := NewAuthenticator(opts)
	tok, _, err := toolsec.Generate(opts.JWT, "u1", "A")
	require.NoError(t, err)

	_, err = a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, 1, a.cache.ItemCount())

	id, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
}
