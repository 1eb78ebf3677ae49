package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logs "github.com/danmuck/wanhub/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "ping config file")
	target := flag.String("target", "", "hub address, host:port or unix:path")
	count := flag.Int("count", -1, "pings to send; 0 pings until interrupted")
	listen := flag.String("listen", "", "answer pings on this address instead of sending them")
	flag.Parse()

	logs.ConfigureRuntime()
	cfg := defaultPingConfig()
	if *configPath != "" {
		loaded, err := loadPingConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "whping: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *target != "" {
		cfg.Target = *target
	}
	if *count >= 0 {
		cfg.Count = *count
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := validatePingConfig(cfg)
	if err == nil {
		if cfg.Listen != "" {
			err = respond(ctx, cfg, os.Stdout)
		} else {
			err = ping(ctx, cfg, os.Stdout)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "whping: %v\n", err)
		os.Exit(1)
	}
}
