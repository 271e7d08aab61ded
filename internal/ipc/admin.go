package ipc

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/host"
	"github.com/PavelBrokhman/paradox/internal/observability"
)

// adminServer is the optional HTTP surface for operators: health, pool
// introspection, prometheus metrics. It is never on the run path.
type adminServer struct {
	toolPath  string
	pool      *host.Pool
	router    *gin.Engine
	startedAt time.Time
}

func newAdminServer(toolPath string, pool *host.Pool) *adminServer {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(toolPath))
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	s := &adminServer{
		toolPath:  toolPath,
		pool:      pool,
		router:    r,
		startedAt: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *adminServer) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
			"tool":   s.toolPath,
		})
	})

	s.router.GET("/pool", func(c *gin.Context) {
		cfg := s.pool.Config()
		c.JSON(http.StatusOK, gin.H{
			"tool":            s.toolPath,
			"contexts":        s.pool.Size(),
			"running":         s.pool.RunningCount(),
			"max_concurrent":  cfg.MaxConcurrent,
			"caching_enabled": cfg.CachingEnabled,
			"idle_timeout":    cfg.IdleTimeout.String(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *adminServer) Serve(addr string) error {
	return s.router.Run(addr)
}
