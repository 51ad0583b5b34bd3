package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/session-core/api/swagger"
	"github.com/noah-isme/session-core/internal/app"
	"github.com/noah-isme/session-core/internal/handler"
	"github.com/noah-isme/session-core/internal/middleware"
	"github.com/noah-isme/session-core/internal/models"
	"github.com/noah-isme/session-core/internal/service"
	"github.com/noah-isme/session-core/pkg/config"
	"github.com/noah-isme/session-core/pkg/logger"
	corsmiddleware "github.com/noah-isme/session-core/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/session-core/pkg/middleware/requestid"
)

// @title Session Core API
// @version 1.0.0
// @description Access and refresh token lifecycle: rotation, revocation and session listing
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := app.Open(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to open session store", zap.Error(err))
	}
	defer res.Close()

	var metricsSvc *service.MetricsService
	if cfg.Metrics.Enabled {
		metricsSvc = service.NewMetricsService()
	}

	codec, err := app.NewCodec(cfg)
	if err != nil {
		logr.Fatal("failed to init token codec", zap.Error(err))
	}

	auditSvc := res.NewAuditService(cfg)
	auditSvc.Start(context.Background())
	defer auditSvc.Stop()

	lifecycle := res.NewLifecycle(cfg, codec, auditSvc, metricsSvc)
	lifecycle.StartCleanup(ctx)

	checks := make(map[string]handler.ReadinessCheck)
	for name, check := range res.Checks() {
		checks[name] = check
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)
	sessionHandler := handler.NewSessionHandler(lifecycle)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	if metricsSvc != nil {
		r.Use(middleware.Metrics(metricsSvc))
	}

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	if metricsSvc != nil {
		r.GET("/metrics", metricsHandler.Prometheus)
	}
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RefreshRPS, cfg.RateLimit.RefreshBurst)
		auth.POST("/refresh", limiter.Middleware(), sessionHandler.Refresh)
	} else {
		auth.POST("/refresh", sessionHandler.Refresh)
	}
	auth.POST("/logout", sessionHandler.Logout)

	secured := auth.Group("")
	secured.Use(middleware.JWT(lifecycle))
	secured.POST("/logout-all", sessionHandler.LogoutAll)
	secured.GET("/sessions", sessionHandler.ListSessions)
	secured.GET("/me", sessionHandler.Me)

	admin := api.Group("/admin")
	admin.Use(middleware.JWT(lifecycle), middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.POST("/users/:id/sessions/revoke", sessionHandler.AdminRevokeAll)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "store", cfg.Sessions.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logr.Sugar().Infow("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
	cancel()
}
