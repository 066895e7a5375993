// Package api exposes the execution core over HTTP: order submission and
// cancellation, order and OCO group inspection, and an event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/oco"
)

// Server wires HTTP endpoints around the order manager and supervisor.
type Server struct {
	Router *gin.Engine
	Engine *engine.Manager
	Oco    *oco.Supervisor
	Bus    *events.Bus
	Log    *zap.Logger
	Meta   SystemMeta
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	Venue   string
	Testnet bool
	Version string
}

func NewServer(mgr *engine.Manager, sup *oco.Supervisor, bus *events.Bus, meta SystemMeta, log *zap.Logger) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(log))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		Engine: mgr,
		Oco:    sup,
		Bus:    bus,
		Log:    log,
		Meta:   meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/orders", s.createOrder)
		api.GET("/orders", s.listOrders)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders/:id/cancel", s.cancelOrder)
		api.GET("/oco", s.listOcoGroups)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"venue":       s.Meta.Venue,
		"testnet":     s.Meta.Testnet,
		"version":     s.Meta.Version,
		"server_time": time.Now().UTC(),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
