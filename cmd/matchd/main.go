// Command matchd runs the matching engine daemon: TCP and UDP order entry,
// a multicast market data feed, and optional websocket and NATS mirrors.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"

	"github.com/luxfi/matcher/pkg/feed"
	"github.com/luxfi/matcher/pkg/server"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.TCPAddr, "tcp", cfg.TCPAddr, "TCP order entry listen address (empty disables)")
	flag.StringVar(&cfg.UDPAddr, "udp", cfg.UDPAddr, "UDP order entry listen address (empty disables)")
	flag.StringVar(&cfg.MulticastAddr, "mcast", cfg.MulticastAddr, "Multicast feed group address (empty disables)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics listen address (empty disables)")
	flag.IntVar(&cfg.Shards, "shards", cfg.Shards, "Engine shards (1 or 2; 2 splits symbols A-M / N-Z)")
	flag.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "Maximum concurrent clients")
	flag.IntVar(&cfg.MaxOrders, "max-orders", cfg.MaxOrders, "Maximum resting orders per shard")
	flag.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "Per-shard queue capacity")

	wsAddr := flag.String("ws", "", "Websocket feed listen address (empty disables)")
	natsURL := flag.String("nats", "", "NATS server URL to mirror the feed to (empty disables)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := log.ToLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	stats := feed.NewSessionStats(logger)
	srv.AttachPublisher(stats)

	var hub *feed.WSHub
	if *wsAddr != "" {
		hub = feed.NewWSHub(logger)
		srv.AttachPublisher(hub)
	}
	var bridge *feed.NATSBridge
	if *natsURL != "" {
		bridge, err = feed.NewNATSBridge(*natsURL, logger)
		if err != nil {
			logger.Error("nats connect failed", "url", *natsURL, "err", err)
			os.Exit(1)
		}
		srv.AttachPublisher(bridge)
	}

	ctx := context.Background()
	if err := srv.Start(ctx); err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if hub != nil {
		hub.Start(ctx, *wsAddr)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig.String())

	srv.Stop()
	if hub != nil {
		hub.Stop()
	}
	if bridge != nil {
		bridge.Close()
	}
	stats.LogSummary()
	logger.Info("shutdown complete")
}
