// Command api runs the purchase/session HTTP surface, the payment
// webhook endpoint, and the realtime WebSocket attachments in a single
// long-lived process, mirroring the teacher's cmd/api/local bootstrap
// shape but running as a conventional server rather than a Lambda
// handler (DESIGN.md: the Runner's in-process timer goroutines must
// outlive a single invocation).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/talkline/callengine/internal/availability"
	"github.com/talkline/callengine/internal/config"
	"github.com/talkline/callengine/internal/db"
	"github.com/talkline/callengine/internal/httpapi"
	"github.com/talkline/callengine/internal/logger"
	"github.com/talkline/callengine/internal/mediatoken"
	"github.com/talkline/callengine/internal/middleware"
	"github.com/talkline/callengine/internal/payment"
	"github.com/talkline/callengine/internal/pubsub"
	"github.com/talkline/callengine/internal/purchase"
	"github.com/talkline/callengine/internal/realtime"
	"github.com/talkline/callengine/internal/session"
	"github.com/talkline/callengine/internal/webhook"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	stage := os.Getenv("STAGE")
	if stage == "" {
		stage = logger.StageLocal
	}
	logger.InitLogger(stage)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}
	if cfg.AuthTokenSecret == "" {
		logger.Fatal("AUTH_TOKEN_SECRET is required")
	}

	pool := mustConnectDB(ctx, cfg.DatabaseURL)
	defer pool.Close()
	store := db.NewStore(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = redisClient.Close() }()
	fabric := pubsub.New(redisClient)

	gateway := payment.NewStripeGateway(cfg.PaymentAPIKey, cfg.PaymentWebhookSecret)
	mediaIssuer := mediatoken.New(cfg.MediaAppID, cfg.MediaAppCertificate, time.Duration(cfg.MediaTokenTTLSec)*time.Second)
	authIssuer := middleware.NewTokenIssuer(cfg.AuthTokenSecret, 24*time.Hour)
	arbiter := availability.New(store)

	engineCfg := session.Config{
		TickInterval:     time.Duration(cfg.TimerTickIntervalSec) * time.Second,
		WarningThreshold: cfg.WarningThresholdMinute,
		EndGrace:         time.Second,
	}
	engine := session.New(store, fabric, engineCfg)
	purchases := purchase.New(store, gateway, fabric, cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL)
	reconciler := webhook.New(store, gateway, engine)

	if stage == logger.StageLocal {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recover(), middleware.RequestLogger(), middleware.CORS(cfg.FrontendBaseURL))

	handlers := &httpapi.Handlers{
		Store:       store,
		Purchases:   purchases,
		Engine:      engine,
		Reconciler:  reconciler,
		Arbiter:     arbiter,
		MediaIssuer: mediaIssuer,
		AuthIssuer:  authIssuer,
		AttachBase:  cfg.FrontendBaseURL,
	}
	handlers.Register(router)

	realtimeServer := realtime.NewServer(engine, store, fabric, authIssuer, engineCfg.EndGrace)
	realtimeServer.Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTPAddr), zap.String("stage", stage))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// mustConnectDB builds a tuned connection pool the way the teacher's
// processor bootstraps configure pgxpool before first use.
func mustConnectDB(ctx context.Context, dsn string) *pgxpool.Pool {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Fatal("parsing database DSN", zap.Error(err))
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("creating database connection pool", zap.Error(err))
	}
	return pool
}
