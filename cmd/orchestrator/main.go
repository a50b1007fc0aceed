package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"

	"github.com/quillworks/deepresearch/internal/api"
	"github.com/quillworks/deepresearch/internal/config"
	"github.com/quillworks/deepresearch/internal/events"
	"github.com/quillworks/deepresearch/internal/store/postgres"
	"github.com/quillworks/deepresearch/internal/telemetry"
	"github.com/quillworks/deepresearch/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig = func() (config.Config, error) {
		_ = godotenv.Load()
		return config.Load(), nil
	}
	newBroker = events.NewBrokerWithBuffer
	newStore  = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(store *postgres.PostgresStore, broker *events.Broker, workflows *workflows.Service, collector *telemetry.Collector, cfg config.Config) server {
		return api.NewServer(store, broker, workflows, collector, cfg)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	broker := newBroker(cfg.EventBufferSize)
	store, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	workflowClient, err := dialTemporal(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return err
	}
	if workflowClient != nil {
		defer workflowClient.Close()
	}
	workflowService := newWorkflowService(workflowClient, cfg.TemporalTaskQueue)

	server := newServer(store, broker, workflowService, telemetry.NewCollector(), cfg)

	addr := fmt.Sprintf(":%s", cfg.OrchestratorPort)
	log.Printf("research orchestrator listening on %s", addr)
	if err := server.Start(ctx, addr); err != nil {
		return err
	}

	return nil
}
