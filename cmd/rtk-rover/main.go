package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"rtk-rover/internal/config"
	"rtk-rover/internal/rover"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/rover.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sup, err := rover.Init(cfg)
	if err != nil {
		log.Fatalf("rover init failed: %v", err)
	}

	log.Printf("rtk-rover starting")
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("rover start failed: %v", err)
	}
	defer sup.Close()

	<-ctx.Done()
	log.Printf("rtk-rover stopping")
}
