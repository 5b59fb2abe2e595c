// Package admin serves the node's operator HTTP API.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/flowctl/internal/auth"
	"github.com/danmuck/flowctl/internal/checkpoint"
	"github.com/danmuck/flowctl/internal/flow"
	"github.com/danmuck/flowctl/internal/identity"
	logs "github.com/danmuck/flowctl/internal/logging"
	"github.com/danmuck/flowctl/internal/observability"
	"github.com/danmuck/flowctl/internal/transport"
)

const version = "0.1.0"

// Engine is the part of the flow manager the API reads and controls.
type Engine interface {
	Self() identity.Party
	Flows() []flow.FlowInfo
	Sessions() []flow.SessionInfo
	ResponderTags() []string
	Kill(id flow.FlowID) error
}

type Config struct {
	Addr string
	// Token, when set, is required as a bearer token on every route except
	// /health.
	Token       string
	CorsOrigins []string
	// Outbox, when set, is served at /outbox.
	Outbox PendingSends
	// Checkpoints, when set, is served at /checkpoints.
	Checkpoints CheckpointLister
}

// CheckpointLister lists the latest checkpoint of each suspended flow.
type CheckpointLister interface {
	List() ([]checkpoint.Record, error)
}

// PendingSends lists sends the transport is still retrying.
type PendingSends interface {
	Snapshot() []transport.PendingSend
}

type Server struct {
	cfg      Config
	engine   Engine
	router   *gin.Engine
	appeared time.Time
	srv      *http.Server
}

func New(cfg Config, engine Engine) *Server {
	observability.RegisterMetrics()
	node := string(engine.Self())
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestObserver(node, observability.InitLogger("flowctl-admin")))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		router:   r,
		appeared: time.Now(),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"party":   s.engine.Self(),
			"uptime":  time.Since(s.appeared).String(),
			"flows":   len(s.engine.Flows()),
			"version": version,
		})
	})

	guarded := s.router.Group("/", bearerAuth(s.cfg.Token))
	guarded.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded.GET("/flows", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"flows": s.engine.Flows(),
		})
	})

	guarded.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": s.engine.Sessions(),
		})
	})

	guarded.GET("/responders", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"responders": s.engine.ResponderTags(),
		})
	})

	guarded.GET("/outbox", func(c *gin.Context) {
		if s.cfg.Outbox == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "transport has no outbox"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"pending": s.cfg.Outbox.Snapshot(),
		})
	})

	guarded.GET("/checkpoints", func(c *gin.Context) {
		if s.cfg.Checkpoints == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no checkpoint store"})
			return
		}
		records, err := s.cfg.Checkpoints.List()
		if err != nil {
			logs.Errf("admin.Server.checkpoints err=%v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"checkpoints": records,
		})
	})

	guarded.POST("/flows/:id/kill", func(c *gin.Context) {
		id := flow.FlowID(c.Param("id"))
		if err := s.engine.Kill(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, flow.ErrUnknownFlow) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		logs.Infof("admin.Server.kill flow=%s remote=%s", id, c.ClientIP())
		c.JSON(http.StatusOK, gin.H{"status": "killed", "flow": id})
	})
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	logs.Infof("admin.Server.ListenAndServe addr=%q auth=%t", s.cfg.Addr, s.cfg.Token != "")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func bearerAuth(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	validator := auth.StaticToken{Token: token}
	return func(c *gin.Context) {
		presented, err := auth.ParseBearer(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if err := validator.Validate(presented); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
