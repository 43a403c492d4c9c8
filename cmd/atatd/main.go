package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/atat/gateway/internal/config"
	"github.com/atat/gateway/internal/logging"
	"github.com/atat/gateway/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to atat config")
	httpAddr := flag.String("http", "", "override HTTP listen address")
	mock := flag.Bool("mock", false, "also run the mock engine on the engine address")
	debug := flag.Bool("debug", false, "debug logging")
	showVersion := flag.Bool("version", false, "print version")
	flag.Parse()

	if *showVersion {
		fmt.Println("atatd dev")
		os.Exit(0)
	}

	cfg, err := config.LoadOrInit(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *mock {
		cfg.Mock.Enabled = true
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := server.New(cfg, logger).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}
