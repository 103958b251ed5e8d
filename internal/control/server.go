package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/janusd/janus/internal/config"
	"github.com/janusd/janus/internal/policy"
)

// Server is the policy administration HTTP server.
type Server struct {
	config     *config.Config
	logger     *slog.Logger
	etcd       *clientv3.Client
	httpServer *http.Server
}

// policyRequest is the REST request/response body for one policy.
type policyRequest struct {
	Action string `json:"action"`
	Limit  int64  `json:"limit"`
	Window string `json:"window"`
	Burst  int64  `json:"burst"`
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	etcdClient, err := NewEtcdClient(cfg.Etcd)
	if err != nil {
		return nil, err
	}

	return &Server{
		config: cfg,
		logger: logger,
		etcd:   etcdClient,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote_addr", c.ClientIP(),
		)
	})

	router.GET("/health", s.handleHealth)

	api := router.Group("/api/v1")
	{
		api.PUT("/policies/:action", s.putPolicy)
		api.GET("/policies/:action", s.getPolicy)
		api.DELETE("/policies/:action", s.deletePolicy)
		api.GET("/policies", s.listPolicies)
	}

	s.httpServer = &http.Server{
		Addr:         s.config.Control.Address,
		Handler:      router,
		ReadTimeout:  s.config.Control.ReadTimeout,
		WriteTimeout: s.config.Control.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.logger.Info("Control plane server started", "address", s.config.Control.Address)
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down control plane server")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.etcd != nil {
		return s.etcd.Close()
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	_, err := s.etcd.Status(ctx, s.config.Etcd.Endpoints[0])
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "etcd connectivity issue",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "janus-control",
		"version":   s.config.Observability.ServiceVersion,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) putPolicy(c *gin.Context) {
	action := c.Param("action")

	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc := policyDoc{
		Limit:   req.Limit,
		Window:  req.Window,
		Burst:   req.Burst,
		Updated: time.Now().UTC(),
	}

	// Reject invalid policies before they reach storage; a bad entry
	// would fail every gateway startup that loads the table.
	p, err := doc.toPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	data, err := json.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to marshal policy"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.etcd.Put(ctx, policyPrefix+action, string(data)); err != nil {
		s.logger.Error("Failed to store policy", "action", action, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store policy"})
		return
	}

	req.Action = action
	c.JSON(http.StatusOK, req)
}

func (s *Server) getPolicy(c *gin.Context) {
	action := c.Param("action")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp, err := s.etcd.Get(ctx, policyPrefix+action)
	if err != nil {
		s.logger.Error("Failed to get policy", "action", action, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve policy"})
		return
	}
	if len(resp.Kvs) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
		return
	}

	var doc policyDoc
	if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse policy"})
		return
	}

	c.JSON(http.StatusOK, policyRequest{
		Action: action,
		Limit:  doc.Limit,
		Window: doc.Window,
		Burst:  doc.Burst,
	})
}

func (s *Server) deletePolicy(c *gin.Context) {
	action := c.Param("action")

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.etcd.Delete(ctx, policyPrefix+action); err != nil {
		s.logger.Error("Failed to delete policy", "action", action, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete policy"})
		return
	}

	c.JSON(http.StatusNoContent, nil)
}

func (s *Server) listPolicies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp, err := s.etcd.Get(ctx, policyPrefix, clientv3.WithPrefix())
	if err != nil {
		s.logger.Error("Failed to list policies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list policies"})
		return
	}

	policies := make([]policyRequest, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		action := policy.Key(kv.Key[len(policyPrefix):])

		var doc policyDoc
		if err := json.Unmarshal(kv.Value, &doc); err != nil {
			s.logger.Warn("Failed to parse policy", "key", string(kv.Key), "error", err)
			continue
		}
		policies = append(policies, policyRequest{
			Action: string(action),
			Limit:  doc.Limit,
			Window: doc.Window,
			Burst:  doc.Burst,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}
