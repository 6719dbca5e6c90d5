package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginAllowed reports whether a browser Origin may open the websocket.
// An empty allow list accepts every origin; requests without Origin
// (native clients) are always accepted.
func OriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowed) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, u.Host) || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// Origin rejects cross-origin upgrades to wsPath.
func Origin(wsPath string, allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet && c.Request.URL.Path == wsPath && !OriginAllowed(c.Request, allowed) {
			c.AbortWithStatus(http.StatusForbidden)
		}
	}
}
