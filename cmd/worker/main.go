package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/clagradi/t3-chat-api/internal/ai"
	"github.com/clagradi/t3-chat-api/internal/chat"
	"github.com/clagradi/t3-chat-api/internal/config"
	"github.com/clagradi/t3-chat-api/internal/credential"
	"github.com/clagradi/t3-chat-api/internal/db"
	"github.com/clagradi/t3-chat-api/internal/logger"
	"github.com/clagradi/t3-chat-api/internal/metrics"
	"github.com/clagradi/t3-chat-api/internal/store/filestore"
	"github.com/clagradi/t3-chat-api/internal/store/rabbitmq"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
)

// maxAttempts counts the first delivery; later attempts go through the retry queue.
const maxAttempts = 3

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
	log = log.With("component", "worker")

	gdb, err := db.Connect(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(gdb); err != nil {
		log.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	key, err := cfg.CredentialKeyBytes()
	if err != nil {
		log.Error("credential key invalid", "error", err)
		os.Exit(1)
	}
	creds := credential.NewRepo(gdb, credential.NewSealer(key))

	files, err := filestore.New(cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
	if err != nil {
		log.Error("upload dir unavailable", "error", err)
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

	// the worker never enqueues new jobs, only retries
	svc := chat.NewService(chat.NewRepo(gdb), adapter, files, nil, log)

	conn, err := amqp.Dial(cfg.Rabbit.URL)
	if err != nil {
		log.Error("rabbit dial failed", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Error("rabbit channel failed", "error", err)
		os.Exit(1)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.Rabbit.Queue); err != nil {
		log.Error("queue declare failed", "error", err)
		os.Exit(1)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Error("qos failed", "error", err)
		os.Exit(1)
	}

	msgs, err := ch.Consume(cfg.Rabbit.Queue, "", false, false, false, false, nil)
	if err != nil {
		log.Error("consume failed", "error", err)
		os.Exit(1)
	}

	retries := rabbitmq.NewPublisherOnChannel(ch, cfg.Rabbit.Queue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", "queue", cfg.Rabbit.Queue, "concurrency", concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With("worker", workerID)
			for d := range jobs {
				handleDelivery(ctx, wlog, svc, retries, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, log *logger.Logger, svc *chat.Service, retries *rabbitmq.Publisher, d amqp.Delivery) {
	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", "error", err)
		_ = d.Nack(false, false)
		metrics.JobsTotal.WithLabelValues("dead_letter").Inc()
		return
	}

	// jobs run to completion even while shutting down
	jobCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := svc.RunJob(jobCtx, m.JobID)
	if err == nil {
		if time.Since(start) > 2*time.Second {
			log.Info("job_timing", "job_id", m.JobID, "total", time.Since(start))
		}
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", "job_id", m.JobID, "error", err)
		}
		return
	}

	attempt := m.Attempt + 1
	log.Warn("job failed", "job_id", m.JobID, "attempt", attempt, "cost", time.Since(start), "error", err)

	if attempt < maxAttempts {
		perr := retries.PublishRetry(jobCtx, m.JobID, attempt)
		if perr == nil {
			_ = d.Ack(false)
			metrics.JobsTotal.WithLabelValues("retried").Inc()
			return
		}
		log.Error("retry publish failed", "job_id", m.JobID, "error", perr)
	}
	// main queue dead-letters to the DLQ
	_ = d.Nack(false, false)
	metrics.JobsTotal.WithLabelValues("dead_letter").Inc()
}
