// Package server is the reference sync remote: an HTTP API over a SQLite
// store that holds the authoritative copy of every record.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	AuthToken    string
	AllowOrigins []string
	Logger       *zap.Logger
}

func NewRouter(cfg Config, h *SyncHandler) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type", protocol.HeaderReplicaID, protocol.HeaderProtocol},
	}))

	r.GET(protocol.PathHealth, func(c *gin.Context) {
		c.Header(protocol.HeaderProtocol, protocol.Version)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "protocol": protocol.Version})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(Auth(cfg.AuthToken), Protocol())
	{
		v1.POST("/sync/pull", h.Pull)
		v1.POST("/sync/push", h.Push)
		v1.GET("/stats", h.Stats)
	}
	return r
}

// Server runs the router until its context ends.
type Server struct {
	http *http.Server
	log  *zap.Logger
}

func NewServer(cfg Config, h *SyncHandler) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           NewRouter(cfg, h),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("sync server listening", zap.String("addr", ln.Addr().String()))
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.log.Info("sync server stopped")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}
