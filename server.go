package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/geocode"
	"bitbucket.org/datafocusmx/renec_backend/harvest"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"bitbucket.org/datafocusmx/renec_backend/reports"
	"bitbucket.org/datafocusmx/renec_backend/scheduler"
	"bitbucket.org/datafocusmx/renec_backend/utils"
)

const defaultPort = "8080"

// RateLimiter throttles requests per client IP via redis counters.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production require an explicit allowlist; allow all elsewhere.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(getRedisClient(os.Getenv("REDIS_ADDRESS")), limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	syncer := harvest.NewSyncer(
		harvest.NewStandardsDriver(),
		harvest.NewCertifiersDriver(),
		harvest.NewCentersDriver(),
	)
	coordinator := harvest.NewCoordinator(syncer, logger)
	resolver := geocode.NewResolver(logger)
	sched := scheduler.NewScheduler(logger)
	var geocodeRunning int32

	r.POST("/api/registry/harvest", harvest.TriggerHarvestHandler(coordinator))
	r.POST("/api/registry/harvest/:id/stop", harvest.StopHarvestHandler(coordinator))
	r.GET("/api/registry/harvest/active", harvest.ActiveRunHandler(coordinator))
	r.GET("/api/registry/harvest/last", harvest.LastRunHandler(coordinator))
	r.GET("/api/registry/freshness", harvest.FreshnessHandler(coordinator))
	r.GET("/api/registry/sync-jobs", harvest.SyncJobsHandler())
	r.GET("/api/registry/sync-jobs/:id", harvest.SyncJobDetailHandler())
	r.POST("/pubsub/harvest", harvest.PubSubPushHandler(coordinator))

	r.POST("/api/registry/geocode", geocode.BatchHandler(resolver, &geocodeRunning))

	r.GET("/api/scheduler/tasks", scheduler.TasksHandler(sched))
	r.POST("/api/scheduler/tasks/:name/enable", scheduler.EnableTaskHandler(sched))
	r.POST("/api/scheduler/tasks/:name/disable", scheduler.DisableTaskHandler(sched))
	r.POST("/api/scheduler/tasks/:name/run", scheduler.ForceRunTaskHandler(sched))
	r.PUT("/api/scheduler/tasks/:name/schedule", scheduler.RescheduleTaskHandler(sched))

	r.GET("/api/registry/report", reports.ExtractionReportHandler())
	r.GET("/api/registry/report/export", reports.ExportExtractionExcelHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	registerScheduledTasks(sched, coordinator, resolver, &geocodeRunning, logger)
	schedCtx, cancelScheduler := context.WithCancel(context.Background())
	defer cancelScheduler()
	go sched.Run(schedCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while draining.
	cancelScheduler()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// registerScheduledTasks wires the standing jobs. Schedules are
// overridable per task via env (HARVEST_FULL_SCHEDULE etc.) and at
// runtime through the scheduler endpoints.
func registerScheduledTasks(sched *scheduler.Scheduler, coordinator *harvest.Coordinator, resolver *geocode.Resolver, geocodeRunning *int32, logger *logrus.Logger) {
	register := func(name string, envKey string, defaultExpr string, fn scheduler.TaskFunc) {
		expr := strings.TrimSpace(os.Getenv(envKey))
		if expr == "" {
			expr = defaultExpr
		}
		if err := sched.Register(name, expr, fn); err != nil {
			logger.WithFields(logrus.Fields{"field": "scheduler", "task": name}).Panic(err.Error())
		}
	}

	// Nightly full harvest of all three kinds.
	register("full-harvest", "HARVEST_FULL_SCHEDULE", "0 2 * * *", func(ctx context.Context) error {
		ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredScheduled)
		_, err := coordinator.StartHarvest(ctx, harvest.StartHarvestRequest{Mode: harvest.ModeHarvest, Concurrent: true})
		if errors.Is(err, harvest.ErrHarvestRunning) {
			return nil
		}
		return err
	})

	// Hourly freshness check: probe when fresh, full harvest of the
	// stale kinds otherwise.
	register("freshness-probe", "HARVEST_PROBE_SCHEDULE", "0 * * * *", func(ctx context.Context) error {
		ctx = utils.SetTriggeredByInContext(ctx, models.SyncTriggeredScheduled)
		stale, err := coordinator.StaleKinds(ctx)
		if err != nil {
			return err
		}
		req := harvest.StartHarvestRequest{Mode: harvest.ModeProbe}
		if len(stale) > 0 {
			req = harvest.StartHarvestRequest{Mode: harvest.ModeHarvest, Components: stale}
		}
		_, err = coordinator.StartHarvest(ctx, req)
		if errors.Is(err, harvest.ErrHarvestRunning) {
			return nil
		}
		return err
	})

	// Weekly geocode backfill, Sunday early morning.
	register("geocode-backfill", "GEOCODE_BACKFILL_SCHEDULE", "30 3 * * 0", func(ctx context.Context) error {
		if !atomic.CompareAndSwapInt32(geocodeRunning, 0, 1) {
			return nil
		}
		defer atomic.StoreInt32(geocodeRunning, 0)
		_, err := resolver.RunBatch(ctx, geocode.BatchOptions{})
		return err
	})

	// Daily retention prune of old sync job records.
	register("syncjob-prune", "SYNCJOB_PRUNE_SCHEDULE", "15 4 * * *", func(ctx context.Context) error {
		return models.PruneSyncJobs(ctx, syncJobRetentionDays())
	})
}

func syncJobRetentionDays() int {
	if v := strings.TrimSpace(os.Getenv("SYNCJOB_RETENTION_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 90
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

// customErrorLogger logs only requests that finished with errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		if err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
