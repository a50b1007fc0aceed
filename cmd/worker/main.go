package main

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/quillworks/deepresearch/internal/config"
	"github.com/quillworks/deepresearch/internal/llm"
	"github.com/quillworks/deepresearch/internal/research"
	"github.com/quillworks/deepresearch/internal/store/postgres"
	"github.com/quillworks/deepresearch/internal/tools"
	"github.com/quillworks/deepresearch/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		_ = godotenv.Load()
		return config.Load(), nil
	}
	dialTemporal = client.Dial
	newStore     = func(conn string) (*postgres.PostgresStore, error) {
		return postgres.New(conn)
	}
	newActivities   = workflows.NewRunActivities
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
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
	temporalClient, err := dialTemporal(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	store, err := newStore(cfg.PostgresURL)
	if err != nil {
		return err
	}

	var searcher tools.Searcher
	if cfg.SearchBaseURL != "" {
		searcher = tools.NewHTTPSearcher(cfg.SearchBaseURL, cfg.SearchAPIKey)
	}

	activities := newActivities(store, workflows.RunActivitiesConfig{
		LLM: llm.Config{
			Mode:             cfg.LLMMode,
			Provider:         cfg.LLMProvider,
			Model:            cfg.LLMModel,
			BaseURL:          cfg.LLMBaseURL,
			OpenAIAPIKey:     cfg.OpenAIAPIKey,
			OpenRouterAPIKey: cfg.OpenRouterAPIKey,
		},
		Searcher:            searcher,
		Browser:             tools.NewHTTPBrowser(),
		OrchestratorURL:     cfg.OrchestratorURL,
		WorkdirRoot:         cfg.WorkdirRoot,
		SpillThresholdBytes: cfg.SpillThresholdBytes,
		ShellTimeout:        time.Duration(cfg.ShellTimeoutSeconds) * time.Second,
		MaxReflectionPasses: cfg.MaxReflectionPasses,
		CostRates: research.CostRates{
			PerThousandIn:  cfg.CostPerThousandIn,
			PerThousandOut: cfg.CostPerThousandOut,
		},
	})

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.RunWorkflow)
	w.RegisterActivity(activities)

	log.Println("research worker started")
	if err := w.Run(workerInterrupt()); err != nil {
		return err
	}

	return nil
}
