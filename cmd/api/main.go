package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"case-pipeline/internal/abort"
	"case-pipeline/internal/api"
	"case-pipeline/internal/backoff"
	"case-pipeline/internal/casestore"
	"case-pipeline/internal/config"
	"case-pipeline/internal/dedup"
	"case-pipeline/internal/events"
	"case-pipeline/internal/logger"
	"case-pipeline/internal/modelclient"
	"case-pipeline/internal/models"
	"case-pipeline/internal/ocr"
	"case-pipeline/internal/pipeline"
	"case-pipeline/internal/ratelimit"
	"case-pipeline/internal/session"
	"case-pipeline/internal/store"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", "error", err)
	}

	uploader, err := casestore.NewUploader(ctx, cfg)
	if err != nil {
		log.Fatal("artifact storage", "error", err)
	}
	cases := casestore.NewService(st, uploader)

	policy := backoff.Policy{
		Base:        cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
		JitterFrac:  cfg.BackoffJitter,
		MaxAttempts: cfg.MaxAttempts,
	}

	modelHTTP, err := modelclient.NewHTTPClient(cfg, log)
	if err != nil {
		log.Fatal("model client", "error", err)
	}
	model := modelclient.NewCaller(modelHTTP, policy)

	extractor, err := ocr.NewHTTPExtractor(cfg)
	if err != nil {
		log.Fatal("ocr client", "error", err)
	}
	reader := ocr.NewReader(extractor, policy, log)

	sessions := session.NewStore(cfg.SessionRetention)
	aborts := abort.NewRegistry()
	broadcaster := events.NewBroadcaster(log, cfg.SSEHeartbeat)

	exec := pipeline.NewExecutor(log, pipeline.DefaultStages(), sessions, aborts, broadcaster, st, cases, model, reader)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewLimiter(redisClient, log, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	guard := dedup.NewGuard(log, cfg.DedupWait)

	// Terminal sessions and idle event channels are reclaimed in the
	// background for as long as the process lives.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept := sessions.Sweep()
				dropped := broadcaster.Sweep(func(key models.UnitKey) bool {
					_, ok := sessions.Get(key)
					return !ok || sessions.Terminal(key)
				})
				log.Debug("sweep", "sessions", swept, "channels", dropped)
			}
		}
	}()

	server := api.New(cfg, log, exec, st, cases, broadcaster, guard, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
