package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/voice-agent-platform/internal/app"
	"github.com/acme/voice-agent-platform/internal/telemetry"
	"github.com/acme/voice-agent-platform/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-media")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	factory, err := container.SessionFactory()
	if err != nil {
		log.Fatalf("failed to build session factory: %v", err)
	}

	handler := transport.NewHandler(
		container.Config.Media,
		container.Sessions().Registry,
		factory,
		container.Repositories().Transcripts,
		container.Notifier(),
		container.Sessions().Aggregator,
		container.Logger,
	)
	server := transport.NewServer(container.Config.Media, handler, container.Logger)

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("media server shutdown: %v", err)
		}
	}()

	if err := server.Run(); err != nil {
		log.Fatalf("media server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
