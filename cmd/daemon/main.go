package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"sealchat/go-backend/internal/composition/daemonserver"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "Listen address, host:port or /ip4/.../tcp/... (overrides config)")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for durable storage files (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("sealchat-daemon version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemonserver.NewRPCServerWithOptions(ctx, *listen, *configPath, *dataDir, nil)
	if err != nil {
		log.Fatalf("sealchat-daemon failed to initialize: %v", err)
	}

	log.Println("sealchat-daemon starting")
	if err := d.Run(ctx); err != nil {
		log.Fatalf("sealchat-daemon failed: %v", err)
	}
	log.Println("sealchat-daemon stopped")
}
