package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"berkut-siem/config"
	"berkut-siem/core/appbootstrap"
	"berkut-siem/core/utils"
)

func main() {
	configPath := flag.String("config", os.Getenv("BERKUT_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := utils.NewLoggerWith(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := appbootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("startup: %v", err)
	}
	logger.Printf("%s %s listening on %s", appbootstrap.AppName, appbootstrap.Version, cfg.ListenAddr)
	if err := app.Run(ctx); err != nil {
		logger.Fatalf("run: %v", err)
	}
}
