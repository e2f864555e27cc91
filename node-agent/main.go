package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/config"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/gateway"
)

func main() {
	// --- 1. Configuration Loading ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	log.Printf("INFO: Configuration loaded successfully from %s", *configPath)
	log.Printf("INFO: Gateway: %s", cfg.GatewayURL)
	log.Printf("INFO: Retries: %d every %s", cfg.MaxRetries, cfg.RetryDelay())
	if len(cfg.DeniedHosts) > 0 {
		log.Printf("INFO: Denied hosts: %v", cfg.DeniedHosts)
	}

	// --- 2. Agent Startup ---
	agent := gateway.New(cfg, nil)
	log.Printf("INFO: Node ID: %s", agent.NodeID())
	agent.Start()

	// --- 3. Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	gaveUp := make(chan struct{})
	go func() {
		agent.Wait()
		close(gaveUp)
	}()

	log.Println("INFO: Node agent is running. Press CTRL+C to exit.")

	select {
	case <-shutdownChan:
		log.Println("INFO: Shutdown signal received.")
	case <-gaveUp:
		log.Println("WARN: Gateway connection gave up; exiting.")
	}

	agent.Stop()
	log.Println("INFO: Shutdown complete. Goodbye.")
}
