package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradegate/config"
	"tradegate/internal/archive"
	"tradegate/internal/dashboard"
	"tradegate/internal/exchange"
	"tradegate/internal/metrics"
	"tradegate/internal/monitor"
	"tradegate/internal/realtime"
	"tradegate/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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
		"service":     cfg.Gateway.Name,
		"version":     cfg.Gateway.Version,
		"source":      cfg.Gateway.Source,
		"environment": config.AppEnvironment(),
	}).Info("starting tradegate")

	if env := config.AppEnvironment(); !config.IsProductionLike(env) {
		for _, cc := range cfg.LiveCredentials() {
			log.WithFields(logger.Fields{
				"venue":       cc.Venue,
				"account":     cc.AccountID,
				"api_key":     logger.MaskKey(cc.APIKey),
				"environment": env,
			}).Warn("live credential configured outside production")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.Prometheus {
		metrics.Init()
	}
	if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch); err != nil {
		log.WithError(err).Warn("cloudwatch publishing disabled")
	}
	defer metrics.DisableCloudWatch()

	probes, err := venueProbes(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create venue clients")
		os.Exit(1)
	}
	defer func() {
		for _, c := range probes {
			c.Close()
		}
	}()

	verifyCredentials(ctx, cfg, log)

	var feed *realtime.Client
	if cfg.Realtime.URL != "" {
		feed, err = realtime.New(cfg.Realtime, realtime.Options{Log: log, Handlers: realtime.Handlers{
			OnError: func(err error) {
				log.WithComponent("main").WithError(err).Debug("realtime feed error")
			},
		}})
		if err != nil {
			log.WithError(err).Error("failed to create realtime client")
			os.Exit(1)
		}
		defer feed.Close()
		for _, ch := range cfg.Realtime.Channels {
			feed.Subscribe(ch)
		}
		if cfg.Realtime.FeedRoom != "" {
			feed.JoinRoom(cfg.Realtime.FeedRoom)
		}
		go func() {
			// a failed first dial keeps retrying on its own
			_ = feed.Connect(ctx)
		}()
	}

	sinks, closeSinks := reportSinks(ctx, cfg, log, feed)
	defer closeSinks()

	targets := make([]monitor.Target, 0, len(probes))
	for _, c := range probes {
		targets = append(targets, monitor.Target{Name: string(c.Venue()), Prober: c})
	}
	mon, err := monitor.New(targets, monitor.Options{
		Source:     cfg.Gateway.Source,
		Concurrent: cfg.Monitor.Concurrent,
		Sinks:      sinks,
		Log:        log,
	})
	if err != nil {
		log.WithError(err).Error("failed to create connectivity monitor")
		os.Exit(1)
	}
	if cfg.Monitor.Enabled {
		if err := mon.Start(ctx, cfg.Monitor.Interval); err != nil {
			log.WithError(err).Error("failed to start connectivity monitor")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("connectivity monitor disabled; health is probed on demand")
	}

	dashOpts := dashboard.Options{Health: mon, Prometheus: cfg.Metrics.Prometheus}
	if feed != nil {
		dashOpts.Realtime = feed
	}
	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashOpts)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard stopped")
				cancel()
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")

	log.Info("stopping connectivity monitor")
	mon.Stop()
	cancel()

	if feed != nil {
		log.Info("closing realtime feed")
		feed.Close()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradegate stopped")
}

// venueProbes builds one unauthenticated production client per venue for the
// connectivity monitor.
func venueProbes(cfg *config.Config) ([]*exchange.Client, error) {
	var out []*exchange.Client
	for _, v := range []exchange.Venue{exchange.VenueBinance, exchange.VenueBybit} {
		c, err := exchange.NewPublicFromConfig(cfg, v, false)
		if err != nil {
			for _, built := range out {
				built.Close()
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// verifyCredentials reads each configured account once at start-up. A
// rejected credential is logged and the daemon keeps running.
func verifyCredentials(ctx context.Context, cfg *config.Config, log *logger.Log) {
	entry := log.WithComponent("main")
	for _, cc := range cfg.Credentials {
		fields := logger.Fields{
			"venue":   cc.Venue,
			"account": cc.AccountID,
			"sandbox": cc.Sandbox,
		}
		res := exchange.VerifyCredential(ctx, cfg, cc)
		if !res.IsOk() {
			fields["kind"] = res.Kind()
			entry.WithFields(fields).WithField("error", res.Error()).Warn("credential check failed")
			continue
		}
		snap, _ := res.Value()
		fields["total_balance"] = snap.TotalBalance.String()
		fields["available_balance"] = snap.AvailableBalance.String()
		fields["positions"] = len(snap.Positions)
		entry.WithFields(fields).Info("credential verified")
	}
}

func reportSinks(ctx context.Context, cfg *config.Config, log *logger.Log, feed *realtime.Client) ([]monitor.ReportSink, func()) {
	var sinks []monitor.ReportSink
	var closers []func()

	if cfg.Archive.S3.Enabled {
		s3Sink, err := archive.NewS3Sink(ctx, cfg.Archive.S3, cfg.Gateway.Version, log)
		if err != nil {
			log.WithError(err).Warn("s3 archive disabled")
		} else {
			sinks = append(sinks, s3Sink)
		}
	}
	if cfg.Archive.Redis.Enabled {
		redisSink, err := archive.NewRedisSink(cfg.Archive.Redis, log)
		if err != nil {
			log.WithError(err).Warn("redis archive disabled")
		} else {
			sinks = append(sinks, redisSink)
			closers = append(closers, func() { redisSink.Close() })
		}
	}
	if feed != nil && cfg.Realtime.PublishHealth {
		sinks = append(sinks, archive.NewFeedSink(feed, cfg.Realtime.FeedRoom))
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
