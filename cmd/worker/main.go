package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/cooldown"
	"postpilot/internal/notify"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
	"postpilot/internal/scanner"
	"postpilot/internal/schedule"
	"postpilot/internal/store"
	"postpilot/internal/telemetry"
	"postpilot/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	cfg, err := config.Load(ctx)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg, "worker")

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQName:           cfg.DLQName,
	})

	registry := platform.NewRegistry()
	for kind, url := range cfg.ConnectorURLs {
		conn, err := platform.NewConnector(kind, url)
		if err != nil {
			log.Fatal().Err(err).Str("kind", kind).Msg("init connector")
		}
		registry.Register(kind, platform.WithBreaker(kind, conn, log))
	}
	if len(registry.Kinds()) == 0 {
		log.Warn().Msg("no destination connectors configured; every post will fail terminally")
	}

	if cfg.ContentS3Bucket == "" {
		log.Fatal().Msg("CONTENT_S3_BUCKET is required")
	}
	resolver, err := content.NewS3Resolver(ctx, content.S3Options{
		Bucket:    cfg.ContentS3Bucket,
		Region:    cfg.ContentS3Region,
		Endpoint:  cfg.ContentS3Endpoint,
		PathStyle: cfg.ContentS3PathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init content resolver")
	}

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.NotifyWebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL)
	}
	batcher := notify.New(st, q, sender, cfg.BatchWindow, cfg.BatchGrace, log)
	guard := cooldown.New(st, cfg.CooldownWindow)

	executor := worker.NewExecutor(worker.ExecutorOptions{
		Store:      st,
		Registry:   registry,
		Cooldown:   guard,
		Content:    resolver,
		Notifier:   batcher,
		Retries:    q,
		MaxRetries: cfg.MaxPostRetries,
		RetryBase:  cfg.RetryBaseDelay,
		RetryMax:   cfg.RetryMaxDelay,
		Log:        log,
	})

	consumer := worker.NewConsumer(cfg, q, log)
	consumer.Register(queue.KindExecutePost, executor.Execute)
	consumer.Register(queue.KindFlushNotify, batcher.HandleFlush)

	schedules := schedule.NewManager(st, cfg.MinScheduleLead, log)
	scan := scanner.New(st, q, schedules, resolver, cfg.ScanInterval, cfg.ScanWindow, log).
		WithResweep(cfg.ResweepAfter)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return scan.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("scan_interval", cfg.ScanInterval).
		Msg("worker started")
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("worker stopped")
	}
}

func newLogger(cfg config.Config, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", service).Logger()
	if cfg.Env == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return logger
}
