package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/approval-gate-api/api/swagger"
	"github.com/noah-isme/approval-gate-api/internal/handler"
	"github.com/noah-isme/approval-gate-api/internal/middleware"
	"github.com/noah-isme/approval-gate-api/internal/models"
	"github.com/noah-isme/approval-gate-api/internal/repository"
	"github.com/noah-isme/approval-gate-api/internal/service"
	"github.com/noah-isme/approval-gate-api/pkg/cache"
	"github.com/noah-isme/approval-gate-api/pkg/config"
	"github.com/noah-isme/approval-gate-api/pkg/database"
	"github.com/noah-isme/approval-gate-api/pkg/jobs"
	"github.com/noah-isme/approval-gate-api/pkg/lease"
	"github.com/noah-isme/approval-gate-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/approval-gate-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/approval-gate-api/pkg/middleware/requestid"
	"github.com/noah-isme/approval-gate-api/pkg/storage"
)

// @title Approval Gate API
// @version 1.0.0
// @description Multi-party approval workflow for privileged admin actions
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	var leaseManager lease.Manager = lease.NewMemoryManager()
	if cfg.Approvals.DistributedLck {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect redis", "error", err)
		}
		defer redisClient.Close() //nolint:errcheck
		leaseManager = lease.NewRedisManager(redisClient)
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	rules, err := service.LoadPolicies(cfg.Approvals.PolicyFile)
	if err != nil {
		logr.Sugar().Fatalw("failed to load approval policies", "file", cfg.Approvals.PolicyFile, "error", err)
	}
	policies := service.NewPolicyEvaluator(rules, userRepo, cfg.Approvals.DefaultTTL)

	metricsService := service.NewMetricsService()

	auditService := service.NewAuditService(auditRepo, logr, service.AuditServiceConfig{
		Workers:    cfg.Audit.QueueWorkers,
		BufferSize: cfg.Audit.QueueBuffer,
	})
	auditService.Start(ctx)
	defer auditService.Stop()

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "approval-gate-api",
	})
	userService := service.NewUserService(userRepo, validate, logr)

	approvalService := service.NewApprovalService(approvalRepo, policies, leaseManager, auditService, logr,
		service.WithExecutors(service.UserActionExecutors(userRepo, logr)),
		service.WithApprovalMetrics(metricsService),
		service.WithSaveRetries(cfg.Approvals.SaveRetries),
		service.WithLeaseTTL(cfg.Approvals.LeaseTTL),
		service.WithSweepBatchSize(cfg.Approvals.SweepBatchSize),
	)
	approvalService.StartSweeper(ctx, cfg.Approvals.SweepInterval)

	var reportService *service.ReportService
	if cfg.Reports.Enabled {
		reportRepo := repository.NewReportRepository(db)
		exportStorage, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init report storage", "dir", cfg.Reports.StorageDir, "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportService := service.NewExportService(approvalRepo, exportStorage, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			ResultTTL: cfg.Reports.SignedURLTTL,
		}, logr, nil, nil)

		reportWorker := service.NewReportWorker(reportRepo, exportService, cfg.Reports.WorkerRetries, logr)
		reportQueue := jobs.NewQueue("reports", reportWorker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			Logger:     logr,
		})
		reportQueue.Start(ctx)
		defer reportQueue.Stop()

		reportService = service.NewReportService(reportRepo, reportQueue, exportService, logr, service.ReportServiceConfig{
			ResultTTL:       cfg.Reports.SignedURLTTL,
			CleanupInterval: cfg.Reports.CleanupInterval,
			MaxRetries:      cfg.Reports.WorkerRetries,
		})
		reportService.RecoverPendingJobs(ctx)
		reportService.StartCleanup(ctx)
	}

	authHandler := handler.NewAuthHandler(authService)
	userHandler := handler.NewUserHandler(userService)
	approvalHandler := handler.NewApprovalHandler(approvalService, auditService)
	metricsHandler := handler.NewMetricsHandler(metricsService)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", middleware.Audit(userRepo, models.AuditActionLogin, "auth"), authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
		auth.POST("/logout", middleware.JWT(authService), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authService), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authService), authHandler.Me)
	}

	requests := api.Group("/requests", middleware.JWT(authService))
	{
		requests.POST("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator), approvalHandler.Submit)
		requests.GET("", approvalHandler.List)
		requests.GET("/:id", approvalHandler.Get)
		requests.POST("/:id/decisions", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleOperator), approvalHandler.Decide)
		requests.POST("/:id/cancel", approvalHandler.Cancel)
		requests.GET("/:id/audit", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleAuditor), approvalHandler.History)
		requests.POST("/sweep", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin), approvalHandler.Sweep)
	}

	users := api.Group("/users", middleware.JWT(authService))
	{
		users.GET("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleAuditor), userHandler.List)
		users.GET("/:id", middleware.RBAC("SUPERADMIN", "ADMIN", "AUDITOR", "SELF"), userHandler.Get)
		users.POST("", middleware.RequireRoles(models.RoleSuperAdmin), middleware.Audit(userRepo, models.AuditActionUserCreate, "users"), userHandler.Create)
		users.PUT("/:id", middleware.RequireRoles(models.RoleSuperAdmin), middleware.Audit(userRepo, models.AuditActionUserUpdate, "users"), userHandler.Update)
		users.DELETE("/:id", middleware.RequireRoles(models.RoleSuperAdmin), middleware.Audit(userRepo, models.AuditActionUserDelete, "users"), userHandler.Delete)
	}

	if reportService != nil {
		reportHandler := handler.NewReportHandler(reportService, logr)
		reports := api.Group("/reports", middleware.JWT(authService))
		{
			reports.POST("/generate", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleAuditor), reportHandler.GenerateReport)
			reports.GET("/status/:id", reportHandler.ReportStatus)
		}
		api.GET("/export/:token", reportHandler.DownloadReport)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Approvals.LeaseTTL)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("graceful shutdown failed", "error", err)
	}
}
