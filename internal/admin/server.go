// Package admin is the internal, loopback-bound health and debug surface:
// liveness/readiness probes and a route-table dump for operators. It never
// serves data-plane traffic — that's internal/proxy — so it is the only
// place in this module gin is used outside the security-header middleware
// chain it configures for itself.
package admin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/temps/edge/internal/middleware"
	"github.com/temps/edge/internal/routing"
)

// Server wires the health/readyz/debug-dump router described in §6.
type Server struct {
	engine *gin.Engine
	pool   *pgxpool.Pool
	redis  *redis.Client
	table  *routing.Table
}

func New(pool *pgxpool.Pool, redisClient *redis.Client, table *routing.Table, logger *zap.Logger, security *middleware.SecurityConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.NewSecurityMiddleware(logger, security).Handle())

	s := &Server{engine: engine, pool: pool, redis: redisClient, table: table}

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)
	engine.GET("/debug/routes", s.debugRoutes)

	return s
}

func (s *Server) Handler() *gin.Engine { return s.engine }

func (s *Server) healthz(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// readyz checks the database, Redis (if configured), and that the route
// table has completed at least one successful load.
func (s *Server) readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}

	if !s.table.Loaded() {
		checks["route_table"] = "not yet loaded"
		ready = false
	} else {
		checks["route_table"] = "ok"
	}

	status := 200
	if !ready {
		status = 503
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

// debugRoutes dumps the current route table snapshot for operator
// troubleshooting. It is bound to the loopback-only admin address, never
// the public data plane.
func (s *Server) debugRoutes(c *gin.Context) {
	c.JSON(200, s.table.Dump())
}
