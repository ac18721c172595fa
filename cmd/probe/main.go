// Command probe runs one connectivity round against the configured venues and
// prints the report as JSON. It exits with status 2 when no venue is reachable.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradegate/config"
	"tradegate/internal/exchange"
	"tradegate/internal/monitor"
	"tradegate/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	venues := flag.String("venues", "binance,bybit", "Comma separated venues to probe")
	sandbox := flag.Bool("sandbox", false, "Probe the sandbox endpoints")
	timeout := flag.Duration("timeout", 30*time.Second, "Overall deadline for the round")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	// keep stdout for the report
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	var targets []monitor.Target
	for _, name := range strings.Split(*venues, ",") {
		venue, err := exchange.ParseVenue(name)
		if err != nil {
			log.WithError(err).Error("invalid venue")
			os.Exit(1)
		}
		c, err := exchange.NewPublicFromConfig(cfg, venue, *sandbox)
		if err != nil {
			log.WithError(err).WithField("venue", venue).Error("failed to create venue client")
			os.Exit(1)
		}
		defer c.Close()
		targets = append(targets, monitor.Target{Name: string(venue), Prober: c})
	}

	mon, err := monitor.New(targets, monitor.Options{Source: cfg.Gateway.Source, Concurrent: true, Log: log})
	if err != nil {
		log.WithError(err).Error("failed to create connectivity monitor")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	report := mon.RunOnce(ctx)
	cancel()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.WithError(err).Error("failed to write report")
		os.Exit(1)
	}
	if report.Status == monitor.HealthCritical {
		os.Exit(2)
	}
}
