package webserver

import (
	"net/http"
	"slices"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) attachRoutes(r *gin.Engine) {
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "If-None-Match"},
		ExposeHeaders: []string{"Content-Length", "ETag"},
	}
	if len(s.opts.CORSOrigins) == 0 || slices.Contains(s.opts.CORSOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = s.opts.CORSOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	propH := NewProposals(s.svc, s.opts.TopLimit)

	v1 := r.Group("/v1")
	v1.Use(JWTMiddleware(s.opts.JWTSecret))
	if s.limiter != nil {
		v1.Use(RateLimitMiddleware(s.limiter))
	}
	{
		v1.POST("/proposals", propH.Create)
		v1.GET("/proposals", propH.List)
		v1.GET("/proposals/top", propH.Top)
		v1.GET("/proposals/:id", propH.Get)
		v1.POST("/proposals/:id/votes", propH.Vote)
		v1.DELETE("/proposals/:id", propH.Delete)
		v1.GET("/participation", propH.Participation)
		v1.POST("/admin/reset", propH.Reset)
	}
}
