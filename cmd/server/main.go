package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/handler"
	"github.com/medilink/drugbudget/internal/budget/repository"
	"github.com/medilink/drugbudget/internal/budget/service"
	"github.com/medilink/drugbudget/internal/config"
	"github.com/medilink/drugbudget/internal/middleware"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting drugbudget service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&entity.Drug{},
		&entity.DrugYearUsage{},
		&entity.BudgetRequest{},
		&entity.BudgetRequestItem{},
		&entity.BudgetAllocation{},
	); err != nil {
		zapLogger.Warn("AutoMigrate warning", zap.Error(err))
	}

	// V2: older budget sheets stored amounts instead of quantities. Backfill
	// the quantity columns from amount / unit_price, then drop the old ones.
	migrationSQL := []string{
		`UPDATE budget_request_items SET budget_qty = ROUND((budget_amount / unit_price)::numeric, 2)
			WHERE budget_qty = 0 AND unit_price > 0
			AND EXISTS (SELECT 1 FROM information_schema.columns
				WHERE table_name = 'budget_request_items' AND column_name = 'budget_amount')`,
		`UPDATE budget_request_items SET fund_qty = ROUND((fund_amount / unit_price)::numeric, 2)
			WHERE fund_qty = 0 AND unit_price > 0
			AND EXISTS (SELECT 1 FROM information_schema.columns
				WHERE table_name = 'budget_request_items' AND column_name = 'fund_amount')`,
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS budget_amount",
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS fund_amount",

		// V3: quarterly columns were also amounts in the legacy schema
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS q1_amount",
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS q2_amount",
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS q3_amount",
		"ALTER TABLE budget_request_items DROP COLUMN IF EXISTS q4_amount",

		"CREATE INDEX IF NOT EXISTS idx_budget_requests_year_dept ON budget_requests(fiscal_year, department_id)",
		"CREATE INDEX IF NOT EXISTS idx_budget_request_items_request ON budget_request_items(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_drug_year_usages_drug ON drug_year_usages(drug_id)",
	}
	for _, sql := range migrationSQL {
		if err := db.Exec(sql).Error; err != nil {
			zapLogger.Warn("Migration SQL warning (may already exist)", zap.String("sql", sql), zap.Error(err))
		}
	}
	zapLogger.Info("Database migration completed")

	rdb := initRedis(cfg.Redis)

	repos := repository.NewRepositories(db, rdb)
	params := calc.Params{
		GrowthFactor:   cfg.Budget.GrowthFactor,
		SplitTolerance: cfg.Budget.SplitTolerance,
	}
	services := service.NewServices(db, repos, params, zapLogger)
	handlers := handler.NewHandlers(services, repos.Drug)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	registerRoutes(router, handlers, cfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	v1 := r.Group("/api/v1")
	authorized := v1.Group("")
	authorized.Use(middleware.JWTAuth(cfg.JWT.Secret))
	h.RegisterRoutes(authorized)
}
