package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpesa_checkout/internal/config"
	"mpesa_checkout/internal/gateway"
	"mpesa_checkout/internal/notify"
	"mpesa_checkout/internal/payment"
	"mpesa_checkout/internal/queue"
	"mpesa_checkout/internal/router"
	"mpesa_checkout/internal/store"
	"mpesa_checkout/pkg/logkey"
	rediskey "mpesa_checkout/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal("config load", err)
	}
	setupLogger(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 连接 SQLite，自动建表
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fatal("db open", err)
	}
	st := store.New(db)

	// 2. Redis 可选：令牌共享、回调锁、限流、事件 outbox
	var rdb *rd.Client
	if cfg.RedisAddr != "" {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fatal("redis ping", err)
		}
		defer rdb.Close()
	}

	// 3. 网关客户端
	httpClient := &http.Client{Timeout: cfg.Mpesa.Timeout}
	var shared gateway.SharedTokenStore
	if rdb != nil {
		shared = rediskey.NewTokenStore(rdb)
	}
	tokens := gateway.NewTokenCache(httpClient, cfg.Mpesa.BaseURL, cfg.Mpesa.ConsumerKey, cfg.Mpesa.ConsumerSecret, cfg.Mpesa.TokenBuffer, shared)
	client := gateway.NewClient(gateway.Config{
		BaseURL:     cfg.Mpesa.BaseURL,
		ShortCode:   cfg.Mpesa.ShortCode,
		PassKey:     cfg.Mpesa.PassKey,
		CallbackURL: cfg.Mpesa.CallbackURL,
	}, httpClient, tokens)

	// 4. 回调处理与副作用
	mailer := notify.NewMailer(cfg.Email)
	if !cfg.Email.Enabled() {
		slog.Warn("SMTP credentials not configured, order emails will be skipped")
	}
	ingest := payment.NewIngestor(st, notify.NewAdminNotifier(st), mailer)
	if rdb != nil {
		ingest.Locker = rediskey.NewCallbackLock(rdb, 30*time.Second, 5*time.Second)
	}

	// 5. 支付事件：有 Redis 时走 outbox + relay，否则直接写 Kafka
	if len(cfg.KafkaBrokers) > 0 {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.PaymentEventTopic)
		defer producer.Close()
		if rdb != nil {
			ingest.Events = queue.NewOutbox(rdb, cfg.PaymentEventStream)
			relay := queue.NewRelay(rdb, producer, queue.RelayConfig{
				Stream:      cfg.PaymentEventStream,
				Group:       cfg.PaymentEventGroup,
				Consumer:    cfg.PaymentEventConsumer,
				DeadLetter:  cfg.PaymentEventDeadLetter,
				MaxAttempts: cfg.PaymentEventMaxAttempts,
			})
			go relay.Run(ctx)
		} else {
			ingest.Events = producer
		}
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Checkout:  payment.NewOrchestrator(st, client),
		Callbacks: ingest,
		Payments:  st,
		Redis:     rdb,
		Config:    cfg,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("http serve", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", slog.String(logkey.Error, err.Error()))
	}
}

// setupLogger 生产环境输出 JSON，本地开发输出文本。
func setupLogger(mode string) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if mode == gin.ReleaseMode {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.String(logkey.Error, err.Error()))
	os.Exit(1)
}
