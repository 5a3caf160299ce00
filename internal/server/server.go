package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/admission"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/config"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/handler"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/healthcheck"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ledger"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/metrics"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/middleware"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/models"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/quota"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/ratelimit"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/repository"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/storage"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/tokens"
	"github.com/JeanDecroos/XMLPrompt-sub001/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	db         *storage.Database
	redis      *storage.RedisClient
	registry   *prometheus.Registry
	ledger     *ledger.Ledger
	pipeline   *admission.Pipeline
	upstream   *upstream.Client
	health     *healthcheck.Checker
	httpServer *http.Server

	promptHandler *handler.PromptHandler
	usageHandler  *handler.UsageHandler
	systemHandler *handler.SystemHandler
}

// New wires the admission engine and HTTP routes. redis may be nil.
func New(cfg *config.Config, db *storage.Database, redis *storage.RedisClient) (*Server, error) {
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	loc, err := cfg.Quota.Location()
	if err != nil {
		return nil, fmt.Errorf("quota timezone: %w", err)
	}

	counters, err := ratelimit.NewStore(cfg.RateLimits.Backend, redis, cfg.Redis.Prefix, db)
	if err != nil {
		return nil, err
	}

	usage := ledger.New(repository.NewUsageRepository(db), cfg.Ledger.Writer(), m)

	evaluator := quota.NewEvaluator(usage, loc, nil, m)

	pipeline := admission.NewPipeline(admission.Deps{
		Limiter:   ratelimit.NewFixedWindow(counters, nil, m),
		Rules:     cfg.RateLimits.Rules(),
		Evaluator: evaluator,
		Budgeter:  tokens.NewBudgeter(cfg.Tokens.GlobalMaxPerCall),
		Recorder:  usage,
		Metrics:   m,
	})

	client := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.URL,
		APIKey:  cfg.Upstream.APIKey,
		Model:   cfg.Upstream.Model,
		Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	})

	s := &Server{
		router:        gin.New(),
		config:        cfg,
		db:            db,
		redis:         redis,
		registry:      registry,
		ledger:        usage,
		pipeline:      pipeline,
		upstream:      client,
		health:        newHealthChecker(db, redis),
		promptHandler: handler.NewPromptHandler(client, repository.NewPromptRepository(db)),
		usageHandler:  handler.NewUsageHandler(evaluator, usage),
		systemHandler: handler.NewSystemHandler(client),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.router.Group("/v1", middleware.Identity())
	{
		v1.POST("/prompts/generate", middleware.Admission(s.pipeline, models.ActionPromptGeneration), s.promptHandler.Generate)
		v1.POST("/prompts/enhance", middleware.Admission(s.pipeline, models.ActionEnhancement), s.promptHandler.Enhance)
		v1.POST("/prompts", middleware.Admission(s.pipeline, models.ActionSave), s.promptHandler.Save)
		v1.GET("/prompts", s.promptHandler.List)
		v1.GET("/prompts/:id", s.promptHandler.Get)
		v1.POST("/api/completions", middleware.Admission(s.pipeline, models.ActionAPICall), s.promptHandler.Completions)
		v1.GET("/usage", s.usageHandler.GetUsage)
	}

	admin := s.router.Group("/admin")
	{
		admin.GET("/tiers", s.usageHandler.ListTiers)
		admin.GET("/usage/:userId", s.usageHandler.GetUserUsage)
		admin.POST("/usage/:userId/reset", s.usageHandler.ResetUserUsage)
		admin.GET("/upstream", s.systemHandler.UpstreamStatus)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	overall := s.health.Check(c.Request.Context())

	statusCode := http.StatusOK
	if overall != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   "xmlprompt-gateway",
		"version":   "1.0.0",
		"uptime":    time.Since(startTime).Seconds(),
		"timestamp": time.Now().Unix(),
		"checks":    s.health.GetAllStatus(),
	})
}

func newHealthChecker(db *storage.Database, redis *storage.RedisClient) *healthcheck.Checker {
	probes := []healthcheck.Probe{{Name: "database", Check: db.Ping}}
	if redis != nil {
		probes = append(probes, healthcheck.Probe{Name: "redis", Check: redis.Healthy})
	}
	return healthcheck.NewChecker(healthcheck.Config{Probes: probes})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(s.config.Upstream.TimeoutSeconds+15) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.WithFields(log.Fields{
		"addr":        addr,
		"environment": s.config.Server.Environment,
	}).Info("starting xmlprompt gateway")

	s.health.Start()

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then drains the usage ledger so records
// of in-flight requests are not lost.
func (s *Server) Shutdown(ctx context.Context) error {
	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}
	s.health.Stop()

	if err := s.ledger.Close(ctx); err != nil {
		log.WithError(err).Error("usage ledger did not drain before shutdown")
		if httpErr == nil {
			httpErr = err
		}
	}

	return httpErr
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

var startTime = time.Now()
