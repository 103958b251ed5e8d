package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/janusd/janus/internal/config"
	"github.com/janusd/janus/internal/engine"
	"github.com/janusd/janus/internal/policy"
)

// Pinger is the optional health probe a counter store may expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the engine over HTTP (REST + Prometheus metrics) and
// gRPC. The REST surface is both the reference integration of the
// middleware and a standalone check API for sidecar-style callers.
type Server struct {
	config     *config.Config
	engine     *engine.Engine
	pinger     Pinger
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer wires the gateway. classifier and bypass govern the
// middleware; pinger may be nil when the store has no health probe.
func NewServer(cfg *config.Config, eng *engine.Engine, classifier *Classifier, bypass *Bypass, pinger Pinger, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))
	router.Use(RateLimitMiddleware(eng, classifier, bypass))

	s := &Server{
		config: cfg,
		engine: eng,
		pinger: pinger,
		logger: logger,
	}

	s.setupRoutes(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Gateway.Address,
		Handler:      router,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			s.loggingInterceptor,
			UnaryRateLimit(eng, bypass),
		),
	)
	reflection.Register(s.grpcServer)

	return s
}

// Start launches the HTTP and gRPC listeners. Non-blocking.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting HTTP server", "address", s.config.Gateway.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		lis, err := net.Listen("tcp", s.config.Gateway.GRPCAddress)
		if err != nil {
			s.logger.Error("Failed to listen for gRPC", "error", err)
			return
		}
		s.logger.Info("Starting gRPC server", "address", s.config.Gateway.GRPCAddress)
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts both listeners down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down gateway server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}
	s.grpcServer.GracefulStop()
	return nil
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/v1")
	{
		api.GET("/allow", s.handleAllow)
		api.GET("/quota", s.handleQuota)
	}

	if s.config.Observability.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "healthy"
	checks := make(map[string]string)

	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			checks["store"] = fmt.Sprintf("error: %v", err)
		} else {
			checks["store"] = "healthy"
		}
	}
	checks["engine"] = "healthy"

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"version": s.config.Observability.ServiceVersion,
		"checks":  checks,
	})
}

// handleAllow charges one unit and reports the decision. This is the
// check API used by callers that enforce limits outside this process.
func (s *Server) handleAllow(c *gin.Context) {
	action := c.Query("action")
	if action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action parameter is required"})
		return
	}
	identifier := c.Query("identifier")
	if identifier == "" {
		identifier = c.ClientIP()
	}

	d := s.engine.Evaluate(c.Request.Context(), identifier, policy.Key(action), c.ClientIP())
	for name, value := range engine.Headers(d) {
		c.Header(name, value)
	}

	if !d.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"allowed":             false,
			"limit":               d.Limit,
			"remaining":           d.Remaining,
			"reset_at":            d.ResetAt.Unix(),
			"retry_after_seconds": int64(math.Ceil(d.RetryAfter.Seconds())),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"allowed":   true,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt.Unix(),
	})
}

// handleQuota reports current state without consuming quota.
func (s *Server) handleQuota(c *gin.Context) {
	action := c.Query("action")
	if action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action parameter is required"})
		return
	}
	identifier := c.Query("identifier")
	if identifier == "" {
		identifier = c.ClientIP()
	}

	d := s.engine.Quota(c.Request.Context(), identifier, policy.Key(action))
	c.JSON(http.StatusOK, gin.H{
		"allowed":   d.Allowed,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt.Unix(),
	})
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	s.logger.Info("gRPC request completed",
		"method", info.FullMethod,
		"duration", time.Since(start),
		"error", err,
	)
	return resp, err
}
