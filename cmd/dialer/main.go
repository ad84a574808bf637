package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acme/voice-agent-platform/internal/app"
	"github.com/acme/voice-agent-platform/internal/telemetry"
	dialworker "github.com/acme/voice-agent-platform/internal/worker/dial"
	statusworker "github.com/acme/voice-agent-platform/internal/worker/status"
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

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-dialer")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	provider, err := container.Telephony()
	if err != nil {
		log.Fatalf("failed to build telephony provider: %v", err)
	}

	kafkaCfg := container.Config.Kafka
	dialReader := container.Kafka.NewReader(kafkaCfg.DialTopic, kafkaCfg.ConsumerGroupID+"-dial")
	statusReader := container.Kafka.NewReader(kafkaCfg.StatusTopic, kafkaCfg.ConsumerGroupID+"-status")

	dialWorker := dialworker.New(
		dialReader,
		provider,
		container.Dispatchers().Status,
		dialworker.Config{
			StreamURL:       container.Config.Dialer.StreamURL,
			CallbackBaseURL: container.Config.Dialer.CallbackBaseURL,
			RingTimeout:     container.Config.Telephony.RingTimeoutSeconds,
		},
		container.Logger,
	)
	statusWorker := statusworker.New(
		statusReader,
		container.Repositories().Leads,
		container.Repositories().Campaigns,
		container.Logger,
	)

	// Re-arm pacing for campaigns persisted as active before this process
	// started; pending ticks do not survive a restart.
	if err := container.Dialing().Scheduler.Reconcile(ctx); err != nil {
		log.Fatalf("failed to reconcile campaigns: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dialWorker.Run(ctx) })
	g.Go(func() error { return statusWorker.Run(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("dialer terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
