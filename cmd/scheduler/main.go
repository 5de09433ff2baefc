package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/db"
	"github.com/deskrelay/deskrelay/internal/delivery"
	"github.com/deskrelay/deskrelay/internal/health"
	"github.com/deskrelay/deskrelay/internal/logging"
	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/scheduler"
	"github.com/deskrelay/deskrelay/internal/store"
	"github.com/deskrelay/deskrelay/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("deskrelay-scheduler")

	shutdown, err := tracing.InitTracing(ctx, "deskrelay-scheduler")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	dispatcher := delivery.NewDispatcher(
		&http.Client{Timeout: cfg.Scheduler.DispatchTimeout},
		delivery.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: delivery.Backoff{
				Base:      cfg.Retry.BaseInterval,
				Max:       cfg.Retry.MaxInterval,
				JitterPct: cfg.Retry.JitterPct,
			},
		},
	)

	sched := scheduler.New(store.NewPostgres(pool), dispatcher, logger, scheduler.Config{
		Interval:       cfg.Scheduler.Interval,
		BatchSize:      cfg.Scheduler.BatchSize,
		Workers:        cfg.Scheduler.Workers,
		AttemptTimeout: cfg.Scheduler.AttemptTimeout,
		ShutdownGrace:  cfg.Scheduler.ShutdownGrace,
	})

	// Dead-letter producer
	var dlqProducer *nsq.Producer
	if cfg.NSQ.PublishDLQ {
		dlqProducer, err = nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for dead letters creation failed")
		}
		defer dlqProducer.Stop()
		sched.WithDeadLetters(dlqProducer, cfg.NSQ.DeadLetterTopic)
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler("deskrelay-scheduler", pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Scheduler.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("scheduler HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("scheduler HTTP server failed")
		}
	}()

	sched.Start()
	logger.Plain().Info("scheduler service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down scheduler service")
	sched.Stop()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("scheduler service stopped")
}
