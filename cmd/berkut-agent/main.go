package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"berkut-siem/config"
	"berkut-siem/core/agent"
	"berkut-siem/core/utils"
)

func main() {
	configPath := flag.String("config", os.Getenv("BERKUT_AGENT_CONFIG"), "path to YAML config")
	procRoot := flag.String("proc", "/proc", "procfs mount point")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := utils.NewLoggerWith(cfg.LogLevel, "text", os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := agent.LoadState(cfg.StatePath)
	if err != nil {
		logger.Fatalf("state: %v", err)
	}
	server, err := agent.ResolveServer(ctx, cfg.ServerURL)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}
	backend := ""
	if cfg.ExecuteActions {
		if backend, err = agent.DetectBackend(cfg.FirewallBackend, nil); err != nil {
			logger.Errorf("firewall: %v, network containment actions will fail", err)
		}
	} else {
		logger.Printf("agent: response actions are reported but not executed")
	}

	host, _ := os.Hostname()
	snapshot := agent.NewSnapshotter(*procRoot, host)
	client := agent.NewClient(cfg.ServerURL, cfg.APIKey, cfg.CommandTimeout*3, cfg.Compress)
	executor := agent.NewExecutor(agent.ExecRunner{Timeout: cfg.CommandTimeout}, backend, server, snapshot)

	a := agent.New(*cfg, client, executor, snapshot, state, logger)
	if err := a.Run(ctx); err != nil {
		logger.Fatalf("agent: %v", err)
	}
}
