package main

import (
	"flag"
	"log"
	"os"

	"ConflictCast/internal/di"
	"ConflictCast/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s cache=%s redis=%s clickhouse=%s",
		cfg.Environment, cfg.Cache.Backend, cfg.Redis.Addr, cfg.ClickHouse.Host)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	// Blocks until signal.
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
