package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/app"
	"github.com/hamed0406/uptimewatch/internal/changes"
	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/httpapi"
	apimw "github.com/hamed0406/uptimewatch/internal/httpapi/middleware"
	"github.com/hamed0406/uptimewatch/internal/logging"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/scheduler"
	"github.com/hamed0406/uptimewatch/internal/uptime"
	"github.com/hamed0406/uptimewatch/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cfg.LogLevel, Stdout: cfg.LogStdout})
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store_open_error", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	broker, closeBroker, err := app.OpenBroker(ctx, cfg, logger)
	if err != nil {
		store.Close()
		logger.Fatal("queue_open_error", zap.String("driver", cfg.QueueDriver), zap.Error(err))
	}

	fetcher := probe.NewClient(cfg.ProbeTimeout(), cfg.ProbeMaxBodyBytes)
	notifier := notify.New(cfg.SlackWebhookURL)

	rt := worker.New(logger, broker, cfg.MaxAttempts, notifier,
		worker.Binding{
			Kind:      domain.JobUptime,
			Queue:     cfg.UptimeQueue,
			Consumers: cfg.UptimeConsumers,
			Processor: uptime.NewProcessor(logger.Named("uptime"), store, fetcher),
		},
		worker.Binding{
			Kind:      domain.JobChange,
			Queue:     cfg.ChangeQueue,
			Consumers: cfg.ChangeConsumers,
			Processor: changes.NewProcessor(logger.Named("changes"), store, fetcher, notifier),
		},
	)
	if err := rt.Start(ctx); err != nil {
		logger.Fatal("worker_start_error", zap.Error(err))
	}

	pub := worker.NewPublisher(broker, cfg.UptimeQueue, cfg.ChangeQueue)

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		scheduler.NewDispatcher(logger.Named("dispatcher"), store, pub, cfg.DispatchInterval()).Run(ctx)
	}()
	go func() {
		defer bg.Done()
		al := scheduler.NewAlerter(logger.Named("alerter"), store, notifier, scheduler.AlerterConfig{
			AlertOnRecovery: cfg.AlertOnRecovery,
			Cooldown:        cfg.AlertCooldown(),
			PollInterval:    cfg.AlertPoll(),
		})
		if err := al.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("alerter_error", zap.Error(err))
		}
	}()

	var srv *http.Server
	if cfg.Addr != "" {
		api := httpapi.NewServer(logger.Named("api"), store, broker, pub, cfg.UptimeQueue, cfg.ChangeQueue)
		srv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           api.Router(apimw.Keys{Read: cfg.ReadAPIKeys, Admin: cfg.AdminAPIKeys}, httpapi.Limits{AdminRPM: cfg.AdminRPM, AdminBurst: cfg.AdminBurst}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("api_listen", zap.String("addr", cfg.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api_listen_error", zap.Error(err))
				stop()
			}
		}()
	}

	logger.Info("worker_started",
		zap.String("store", cfg.StoreDriver),
		zap.String("queue", cfg.QueueDriver),
		zap.String("consumer", cfg.ConsumerName),
		zap.Int("max_attempts", cfg.MaxAttempts))

	<-ctx.Done()
	logger.Info("shutdown_requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	if srv != nil {
		errs = multierr.Append(errs, srv.Shutdown(shutdownCtx))
	}
	errs = multierr.Append(errs, rt.Stop())
	bg.Wait()
	errs = multierr.Combine(errs, closeBroker(), store.Close())

	if errs != nil {
		logger.Error("shutdown_error", zap.Error(errs))
		return
	}
	logger.Info("shutdown_complete")
}
