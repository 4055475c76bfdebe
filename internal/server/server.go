package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plant-disease-api/internal/config"
	"github.com/Brownie44l1/plant-disease-api/internal/handlers"
	"github.com/Brownie44l1/plant-disease-api/internal/metrics"
)

type Server struct {
	listenAddr      string
	ginEngine       *gin.Engine
	inner           *http.Server
	log             *zap.Logger
	shutdownTimeout time.Duration
}

func NewServer(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *Server {
	gin.SetMode(getGinMode(cfg.Environment))
	r := gin.New()

	r.Use(handlers.RequestID())
	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/health", "/metrics"}),
	))
	r.Use(cors.New(
		cors.Config{
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowOrigins:  []string{"*"},
			AllowHeaders:  []string{"Origin", "Content-Type", handlers.RequestIDHeader},
			ExposeHeaders: []string{handlers.RequestIDHeader},
			MaxAge:        300,
		},
	))
	r.Use(m.Middleware())
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(m.Handler()))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		listenAddr: addr,
		ginEngine:  r,
		inner: &http.Server{
			Handler:           r,
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:             log,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// SetupRoutes mounts the API handlers.
func (s *Server) SetupRoutes(h *handlers.Handler) {
	h.RegisterRoutes(s.ginEngine)
}

func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

func (s *Server) Addr() string {
	return s.listenAddr
}

// Start blocks until the server stops. A graceful Stop is not an error.
func (s *Server) Start() error {
	s.log.Info("server starting", zap.String("addr", s.listenAddr))
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.log.Info("stopping server")

	return s.inner.Shutdown(ctx)
}

func getGinMode(env string) string {
	switch env {
	case config.EnvDev:
		return gin.DebugMode
	case config.EnvTest:
		return gin.TestMode
	default:
		return gin.ReleaseMode
	}
}
