package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ratedash/config"
	"ratedash/internal/dashboard"
	"ratedash/internal/metrics"
	"ratedash/internal/notify"
	"ratedash/internal/proxy"
	"ratedash/logger"
	"ratedash/reader/exchangerate"
	"ratedash/reader/fixture"
	"ratedash/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting ratedash")

	if cfg.Upstream.Token == "" {
		log.WithComponent("main").WithEnv("RATEDASH_UPSTREAM_TOKEN", "ADMIRA_TOKEN").
			Warn("no upstream token configured; requests are sent unauthenticated")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	traces := writer.NewJSONLog(cfg.Audit.TracePath)
	webhooks := writer.NewJSONLog(cfg.Audit.WebhookPath)
	log.WithComponent("main").WithFields(logger.Fields{
		"trace_log":   traces.Path(),
		"webhook_log": webhooks.Path(),
	}).Info("audit logs configured")

	var senders []notify.Sender
	if ws := notify.NewWebhookSender(cfg.Observer.WebhookURL, cfg.Observer.Timeout); ws != nil {
		senders = append(senders, ws)
	}
	kafkaSender := notify.NewKafkaSender(cfg.Observer.Kafka.Brokers, cfg.Observer.Kafka.Topic)
	if kafkaSender != nil {
		senders = append(senders, kafkaSender)
	}
	notifier := notify.NewNotifier(cfg.Observer.Timeout, senders...)
	log.WithComponent("main").WithFields(logger.Fields{"senders": notifier.Senders()}).Info("observers configured")

	generator := fixture.NewGenerator(cfg)
	rates, err := proxy.New(proxy.Config{
		Token:    cfg.Upstream.Token,
		LogSink:  traces,
		Observer: notifier,
	}, exchangerate.NewGateway(cfg), generator)
	if err != nil {
		log.WithError(err).Error("failed to create rate proxy")
		os.Exit(1)
	}

	server, err := dashboard.NewServer(cfg, log, dashboard.Deps{
		Rates:    rates,
		Traces:   traces,
		Webhooks: webhooks,
		Fixture:  generator,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}

	var archiver *writer.TraceArchiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewTraceArchiver(ctx, cfg, traces)
		if err != nil {
			log.WithError(err).Error("failed to create trace archiver")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; trace archive off")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	if archiver != nil {
		g.Go(func() error {
			return archiver.Run(gctx)
		})
	}

	log.WithFields(logger.Fields{"address": server.Address()}).Info("all components started successfully")

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("component failed")
	}

	log.Info("starting graceful shutdown")
	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := notifier.Wait(drainCtx); err != nil {
		log.WithError(err).Warn("notifications still in flight at shutdown")
	}
	if kafkaSender != nil {
		if err := kafkaSender.Close(); err != nil {
			log.WithError(err).Warn("failed to close kafka sender")
		}
	}

	log.Info("ratedash stopped")
}
