package webserver

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/gate"
)

// JWTMiddleware accepts a lease session token as a Bearer header, or as the
// token query parameter for browser websockets, and stores its wallet
// under "addr".
func JWTMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = h[7:]
		}
		if raw == "" {
			abort(c, http.StatusUnauthorized, "session token required")
			return
		}
		addr, err := gate.ParseSession(raw, secret)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid session token")
			return
		}
		c.Set("addr", addr)
		c.Next()
	}
}
