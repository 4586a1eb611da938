package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/chat"
	"github.com/clagradi/t3-chat-api/internal/config"
	"github.com/clagradi/t3-chat-api/internal/credential"
	"github.com/clagradi/t3-chat-api/internal/db"
	"github.com/clagradi/t3-chat-api/internal/httpapi"
	"github.com/clagradi/t3-chat-api/internal/httpapi/handlers"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/store/filestore"
	"github.com/clagradi/t3-chat-api/internal/store/rabbitmq"
	"github.com/clagradi/t3-chat-api/internal/store/redisstore"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Error("db connect failed", "driver", cfg.DB.Driver, "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis only backs /chat/send replay; run without it if unreachable.
	var rds *redisstore.Store
	if cfg.Redis.Addr != "" {
		rds = redisstore.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rds.Ping(pingCtx); err != nil {
			log.Warn("redis unavailable, idempotent replay disabled", "addr", cfg.Redis.Addr, "error", err)
			_ = rds.Close()
			rds = nil
		}
		cancel()
	}
	if rds != nil {
		defer rds.Close()
	}

	// a nil publisher makes /chat/send/async answer 503
	var publisher chat.JobPublisher
	if cfg.Rabbit.URL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Queue)
		if err != nil {
			log.Warn("rabbitmq unavailable, async sends disabled", "error", err)
		} else {
			defer pub.Close()
			publisher = pub
		}
	}

	key, err := cfg.CredentialKeyBytes()
	if err != nil {
		log.Error("credential key invalid", "error", err)
		os.Exit(1)
	}
	if key == nil {
		log.Warn("CREDENTIAL_KEY not set, provider keys are stored base64 encoded only")
	}
	creds := credential.NewRepo(gdb, credential.NewSealer(key))

	files, err := filestore.New(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		log.Error("upload dir unavailable", "dir", cfg.Uploads.Dir, "error", err)
		os.Exit(1)
	}

	registry := ai.NewDefaultRegistry(ai.BaseURLs{
		OpenAI:    cfg.AI.OpenAIBaseURL,
		Anthropic: cfg.AI.AnthropicBaseURL,
		Google:    cfg.AI.GoogleBaseURL,
		DeepSeek:  cfg.AI.DeepSeekBaseURL,
	})
	adapter := ai.NewAdapter(registry, creds, files, ai.Options{
		Timeout:   cfg.AI.UpstreamTimeout,
		MaxTokens: cfg.AI.MaxTokens,
	}, log)

	svc := chat.NewService(chat.NewRepo(gdb), adapter, files, publisher, log)
	h := handlers.NewHandler(cfg, svc, creds, files, rds, log)
	r := httpapi.NewRouter(cfg, h, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", cfg.HTTPAddr, "db", cfg.DB.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("api shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
