package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/AllThePasswords/conversationfirst-sub000/internal/ratelimit"
	"github.com/AllThePasswords/conversationfirst-sub000/internal/turnlock"
	"github.com/AllThePasswords/conversationfirst-sub000/internal/usertoken"
	"github.com/AllThePasswords/conversationfirst-sub000/internal/util"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/ai"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/kv"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/memory"
	"github.com/AllThePasswords/conversationfirst-sub000/pkg/queue"
	"github.com/AllThePasswords/conversationfirst-sub000/services/chat/internal/app"
	"github.com/AllThePasswords/conversationfirst-sub000/services/chat/internal/config"
	"github.com/AllThePasswords/conversationfirst-sub000/services/chat/internal/server"
)

const (
	defaultSummaryStream = "chat:summaries"
	summaryGroup         = "summarizers"

	// turnLockMargin covers uploads and persistence around the stream.
	turnLockMargin = 2 * time.Minute
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("chat", cfg.LogLevel)

	firstByteTimeout, _ := config.ParseDuration(cfg.FirstByteTimeout)
	streamTimeout, _ := config.ParseDuration(cfg.StreamTimeout)
	if streamTimeout <= 0 {
		streamTimeout = app.DefaultStreamTimeout
	}
	summaryTimeout, _ := config.ParseDuration(cfg.SummaryTimeout)
	jwtLeeway, _ := config.ParseDuration(cfg.JWTLeeway)

	completer, err := ai.NewCompletionClient(ai.CompletionConfig{
		BaseURL:          cfg.CompletionBaseURL,
		APIKey:           cfg.CompletionAPIKey,
		Model:            cfg.CompletionModel,
		MaxTokens:        cfg.CompletionMaxTokens,
		FirstByteTimeout: firstByteTimeout,
	})
	if err != nil {
		util.Fatal("failed to init completion client", "err", err)
	}
	generator, err := ai.NewGenerator(ai.GeneratorConfig{
		Provider: cfg.SummaryProvider,
		BaseURL:  cfg.SummaryBaseURL,
		APIKey:   cfg.SummaryAPIKey,
		Model:    cfg.SummaryModel,
		JSONMode: true,
	})
	if err != nil {
		util.Fatal("failed to init summary generator", "err", err)
	}

	localCfg := app.LocalConfig{
		DataDir:        cfg.LocalDataDir,
		Generator:      generator,
		SummaryTimeout: summaryTimeout,
	}
	if strings.EqualFold(strings.TrimSpace(cfg.LocalStore), "redis") {
		values, err := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, "chat:local")
		if err != nil {
			util.Fatal("failed to init redis local store", "err", err)
		}
		defer values.Close()
		localCfg.KV = values
	}
	local, err := app.NewLocalBackend(localCfg)
	if err != nil {
		util.Fatal("failed to init local backend", "err", err)
	}

	var (
		hosted       *app.Backend
		summaryQueue *queue.SummaryQueue
		verifier     server.SubjectVerifier
	)
	if cfg.HostedEnabled() {
		hostedCfg := app.HostedConfig{
			DatabaseURL: cfg.DatabaseURL,
			Minio: app.MinioConfig{
				Endpoint:  cfg.MinioEndpoint,
				AccessKey: cfg.MinioAccessKey,
				SecretKey: cfg.MinioSecretKey,
				Bucket:    cfg.MinioBucket,
				PublicURL: cfg.MinioPublicURL,
				UseSSL:    cfg.MinioUseSSL,
			},
			Generator:      generator,
			SummaryTimeout: summaryTimeout,
		}
		if cfg.QueueEnabled() {
			streamName := strings.TrimSpace(cfg.SummaryQueueStream)
			if streamName == "" {
				streamName = defaultSummaryStream
			}
			jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				Stream:   streamName,
				Group:    summaryGroup,
			})
			if err != nil {
				util.Fatal("failed to init summary queue", "err", err)
			}
			defer jobs.Close()
			summaryQueue = queue.NewSummaryQueue(jobs)
			hostedCfg.Dispatcher = func(*memory.Summarizer) memory.Dispatcher { return summaryQueue }
		}
		hosted, err = app.NewHostedBackend(hostedCfg)
		if err != nil {
			util.Fatal("failed to init hosted backend", "err", err)
		}
		tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
			JWKSURL:    cfg.AuthJWKSURL,
			Issuer:     cfg.JWTIssuer,
			Audience:   cfg.JWTAudience,
			Leeway:     jwtLeeway,
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			util.Fatal("failed to init jwks verifier", "err", err)
		}
		verifier = tokenVerifier
	}

	var guard app.TurnGuard
	if cfg.SharedTurnLock() {
		lock, err := turnlock.NewRedisLock(cfg.RedisAddr, cfg.RedisPassword, "", streamTimeout+turnLockMargin)
		if err != nil {
			util.Fatal("failed to init turn lock", "err", err)
		}
		defer lock.Close()
		guard = lock
	}

	appCore, err := app.New(app.Config{
		Hosted:        hosted,
		Local:         local,
		Completer:     completer,
		SystemPrompt:  cfg.SystemPrompt,
		WebSearch:     cfg.WebSearch,
		StreamTimeout: streamTimeout,
		Guard:         guard,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}
	defer func() {
		if err := appCore.Close(); err != nil {
			logger.Warn("close app", "err", err)
		}
	}()

	if summaryQueue != nil {
		summaryQueue.Start(ctx, cfg.SummaryWorkers, hosted.Summarizer)
		logger.Info("summary workers started", "workers", cfg.SummaryWorkers)
	}

	var limiter server.TurnLimiter
	if cfg.TurnRateLimitPerHour > 0 {
		fixedWindow, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.TurnRateLimitPerHour, time.Hour)
		if err != nil {
			util.Fatal("failed to init turn rate limiter", "err", err)
		}
		defer fixedWindow.Close()
		limiter = fixedWindow
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal("invalid trusted proxy cidrs", "err", err)
	}

	httpServer := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  verifier,
		Limiter:        limiter,
		TrustedProxies: trusted,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Turns stream for minutes; WriteTimeout stays unset.
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("chat server listening", "addr", addr, "hosted", cfg.HostedEnabled(), "summary_queue", summaryQueue != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "err", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
		if err := appCore.Drain(shutdownCtx); err != nil {
			logger.Warn("pending summaries abandoned", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	}
}
