package webserver

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/gate"
	"github.com/stake-plus/infra402/src/api/metrics"
	"github.com/stake-plus/infra402/src/api/x402"
)

func attachRoutes(r *gin.Engine, d Deps) {
	corsCfg := cors.Config{
		AllowOrigins:     d.Config.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", x402.HeaderPayment},
		ExposeHeaders:    []string{"Content-Length", gate.HeaderSession},
		AllowCredentials: true,
	}
	if len(corsCfg.AllowOrigins) == 0 {
		corsCfg.AllowAllOrigins, corsCfg.AllowCredentials = true, false
	}
	r.Use(cors.New(corsCfg))

	// One budget per client address on every route, and one per wallet on
	// session routes once the token has named it.
	sessionMW := []gin.HandlerFunc{JWTMiddleware([]byte(d.Config.JWTSecret))}
	if d.Config.RateLimit > 0 {
		limiter := NewRateLimiter(d.Config.RateLimit, time.Minute)
		r.Use(RateLimitMiddleware(limiter, ByClientIP))
		sessionMW = append(sessionMW, RateLimitMiddleware(limiter, BySession))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/quote", Quote(d.Config))

	// Every route below is priced by the gate; free ones pass through it.
	paid := r.Group("", d.Gate.Middleware())
	{
		leaseH := NewLeases(d)
		paid.POST("/lease/container", leaseH.Container)
		paid.POST("/lease/:ctid/renew", leaseH.Renew)

		mgmtH := NewManagement(d)
		paid.POST("/management/exec/:ctid", mgmtH.Exec)
		paid.POST("/management/console/:ctid", mgmtH.Console)
		paid.GET("/management/list", mgmtH.List)
	}

	session := r.Group("", sessionMW...)
	{
		statsH := NewStats(d)
		session.GET("/stats/node", statsH.Node)
		session.GET("/stats/lxc", statsH.LXC)
		session.GET("/relay/:ctid/ws", NewRelay(d).Serve)
	}
}
