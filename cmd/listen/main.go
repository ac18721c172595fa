// Command listen opens a realtime connection, subscribes to the given channels
// and rooms and prints every event as one JSON line until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"tradegate/config"
	"tradegate/internal/realtime"
	"tradegate/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	url := flag.String("url", "", "Realtime endpoint, overrides realtime.url")
	channels := flag.String("channels", "", "Comma separated channels to subscribe to")
	rooms := flag.String("rooms", "", "Comma separated rooms to join")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, "stderr", 0); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}
	if *url != "" {
		cfg.Realtime.URL = *url
	}

	enc := json.NewEncoder(os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := realtime.New(cfg.Realtime, realtime.Options{Log: log, Handlers: realtime.Handlers{
		OnMessage: func(m realtime.Message) {
			if err := enc.Encode(m); err != nil {
				log.WithError(err).Warn("failed to print event")
			}
		},
		OnConnect: func() {
			log.WithComponent("listen").Info("connected")
		},
		OnDisconnect: func(code int, reason string) {
			log.WithComponent("listen").WithFields(logger.Fields{"code": code, "reason": reason}).Info("disconnected")
		},
	}})
	if err != nil {
		log.WithError(err).Error("failed to create realtime client")
		os.Exit(1)
	}
	defer client.Close()

	for _, ch := range append(cfg.Realtime.Channels, splitList(*channels)...) {
		client.Subscribe(ch)
	}
	for _, room := range splitList(*rooms) {
		client.JoinRoom(room)
	}

	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Warn("initial connect failed; retrying in the background")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stats := client.Stats()
	log.WithFields(logger.Fields{
		"received": stats.MessagesReceived,
		"sent":     stats.MessagesSent,
	}).Info("listener stopped")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
