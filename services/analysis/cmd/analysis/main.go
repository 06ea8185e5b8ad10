package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"datalens/internal/util"
	"datalens/pkg/ai"
	"datalens/pkg/events"
	"datalens/pkg/storage"
	"datalens/services/analysis/internal/app"
	"datalens/services/analysis/internal/config"
	"datalens/services/analysis/internal/server"
	"datalens/services/analysis/internal/session"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	generator, err := newGenerator(cfg)
	if err != nil {
		util.Fatal("failed to init text generator", "err", err)
	}
	blobs, err := newBlobStore(cfg)
	if err != nil {
		util.Fatal("failed to init blob store", "err", err)
	}

	var publisher events.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to init amqp publisher", "err", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Blobs:       blobs,
		Generator:   generator,
		Events:      publisher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		util.Fatal("failed to parse session ttl", "err", err)
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	sessions := session.NewStore(redisClient, sessionTTL)
	tokens, err := session.NewTokenCodec(cfg.JWTSecret, sessionTTL)
	if err != nil {
		util.Fatal("failed to init token codec", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		Sessions:                   sessions,
		Bridge:                     session.NewBridge(sessions, appCore.Store()),
		Tokens:                     tokens,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		AuthRateLimitPerMinute:     cfg.AuthRateLimitPerMinute,
		UploadRateLimitPerMinute:   cfg.UploadRateLimitPerMinute,
		QuestionRateLimitPerMinute: cfg.QuestionRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		TrustedProxyCIDRs:          cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      util.WithRequestID(util.WithRequestLog("analysis", httpServer.Router())),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		slog.Info("analysis server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func newGenerator(cfg config.FileConfig) (ai.TextGenerator, error) {
	switch cfg.GenerationProvider {
	case "ollama":
		return ai.NewOllamaGenerator(cfg.GenerationBaseURL, cfg.GenerationModel), nil
	default:
		return ai.NewOpenAICompatGenerator(cfg.GenerationBaseURL, cfg.GenerationAPIKey, cfg.GenerationModel), nil
	}
}

func newBlobStore(cfg config.FileConfig) (storage.BlobStore, error) {
	if cfg.StorageBackend == "minio" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	dir := cfg.StorageDir
	if dir == "" {
		dir = "data/datasets"
	}
	return storage.NewFileStore(dir)
}
