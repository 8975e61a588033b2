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

	"fxflow/config"
	"fxflow/internal/channel"
	"fxflow/internal/gateway"
	"fxflow/internal/metrics"
	"fxflow/internal/scheduler"
	"fxflow/internal/store"
	"fxflow/logger"
	"fxflow/processor"
	"fxflow/reader/adapters"
	"fxflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.FXFlow.Name,
		"version": cfg.FXFlow.Version,
		"env":     config.AppEnvironment(),
		"pairs":   cfg.FXFlow.Pairs,
		"sources": len(cfg.Sources),
	}).Info("starting fxflow")

	// fetchCtx stops the scheduler first so the pipeline can drain behind it.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetchCtx, stopFetching := context.WithCancel(ctx)
	defer stopFetching()

	if strings.ToLower(cfg.Logging.Level) == "report" || cfg.Logging.ReportInterval > 0 {
		interval := cfg.Logging.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	if cfg.Metrics.CloudWatch {
		metrics.InitCloudWatch(ctx, cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}
	var collector *metrics.Collector
	if cfg.Metrics.Prometheus {
		collector = metrics.NewCollector("fxflow")
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer)
	go channels.StartMetricsReporting(ctx, 30*time.Second, collector)

	sourceAdapters, err := adapters.Build(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build source adapters")
		os.Exit(1)
	}
	sched, err := scheduler.New(cfg.Sources, sourceAdapters, channels, scheduler.OptionsFromConfig(cfg.Scheduler, collector))
	if err != nil {
		log.WithError(err).Error("failed to create scheduler")
		os.Exit(1)
	}

	snapshots := store.New(cfg.Store, collector)
	engine := processor.NewEngine(cfg, channels.Raw, snapshots, collector)

	sinks := buildSinks(ctx, cfg, snapshots, collector, log)

	// Consumers start before producers so nothing published is missed.
	for _, s := range sinks {
		if err := s.Start(ctx); err != nil {
			log.WithError(err).WithComponent("main").WithField("sink", s.Name()).Error("sink failed to start")
			os.Exit(1)
		}
	}
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("merge engine failed to start")
		os.Exit(1)
	}
	if err := sched.Start(fetchCtx); err != nil {
		log.WithError(err).Error("scheduler failed to start")
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Gateway.Enabled {
		srv := gateway.NewServer(cfg.Gateway, cfg.TrackedPairs(), snapshots, sched, collector, log)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	} else {
		log.WithComponent("main").Info("gateway disabled; snapshots are served to sinks only")
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-gctx.Done():
		log.WithComponent("main").Warn("gateway exited; shutting down")
	}

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping scheduler")
		stopFetching()
		sched.Stop()

		log.Info("draining merge engine")
		channels.Close()
		engine.Stop()

		for _, s := range sinks {
			log.WithField("sink", s.Name()).Info("stopping sink")
			s.Stop()
		}

		cancel()
		if err := g.Wait(); err != nil {
			log.WithError(err).Error("gateway stopped with error")
		}

		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelFlush()
		if err := logger.ShutdownCloudWatch(flushCtx); err != nil {
			log.WithError(err).Warn("CloudWatch flush incomplete")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fxflow stopped")
}

// buildSinks creates the enabled downstream sinks. A sink that cannot be
// created is logged and skipped.
func buildSinks(ctx context.Context, cfg *config.Config, source writer.SnapshotSource, collector *metrics.Collector, log *logger.Log) []writer.Sink {
	var sinks []writer.Sink

	if cfg.Sinks.Redis.Enabled {
		sinks = append(sinks, writer.NewRedisMirror(cfg.Sinks.Redis, source, collector))
	}
	if cfg.Sinks.S3.Enabled {
		archiver, err := writer.NewS3Archiver(ctx, cfg.Sinks.S3, cfg.FXFlow.Version, source, collector)
		if err != nil {
			log.WithComponent("main").WithError(err).WithEnv("S3_BUCKET", "AWS_REGION").Warn("S3 archiver disabled")
		} else {
			sinks = append(sinks, archiver)
		}
	}
	if cfg.Sinks.Kafka.Enabled {
		publisher, err := writer.NewKafkaPublisher(cfg.Sinks.Kafka, source, collector)
		if err != nil {
			log.WithComponent("main").WithError(err).WithEnv("KAFKA_BROKERS").Warn("kafka publisher disabled")
		} else {
			sinks = append(sinks, publisher)
		}
	}
	if len(sinks) == 0 {
		log.WithComponent("main").Info("no sinks enabled")
	}
	return sinks
}
