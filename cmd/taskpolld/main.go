// Command taskpolld serves the task long-poll protocol over HTTP and runs the
// workers of the built-in task types in the same process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniQw/taskpoll/internal/config"
	"github.com/UniQw/taskpoll/logging"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default ./taskpoll.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	base := logging.Setup(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, base)
	if err != nil {
		base.Fatalf("Failed to initialize application: %v", err)
	}
	if err := app.run(ctx); err != nil {
		base.Errorf("Server stopped with error: %v", err)
		app.close()
		os.Exit(1)
	}
	app.close()
}
