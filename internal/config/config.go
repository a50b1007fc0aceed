package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	OrchestratorPort    string
	OrchestratorURL     string
	PostgresURL         string
	TemporalAddress     string
	TemporalNamespace   string
	TemporalTaskQueue   string
	LLMMode             string
	LLMProvider         string
	LLMModel            string
	LLMBaseURL          string
	OpenAIAPIKey        string
	OpenRouterAPIKey    string
	SearchBaseURL       string
	SearchAPIKey        string
	WorkdirRoot         string
	SpillThresholdBytes int
	DefaultMaxSteps     int
	MaxReflectionPasses int
	ShellTimeoutSeconds int
	EventBufferSize     int
	CostPerThousandIn   float64
	CostPerThousandOut  float64
}

func Load() Config {
	orchestratorPort := getEnv("ORCHESTRATOR_PORT", "8080")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		OrchestratorPort:    orchestratorPort,
		OrchestratorURL:     getEnv("ORCHESTRATOR_URL", "http://localhost:"+orchestratorPort),
		PostgresURL:         postgresURL,
		TemporalAddress:     getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace:   getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue:   getEnv("TEMPORAL_TASK_QUEUE", "research-runs"),
		LLMMode:             getEnv("LLM_MODE", "remote"),
		LLMProvider:         getEnv("LLM_PROVIDER", "openai"),
		LLMModel:            getEnv("LLM_MODEL", "gpt-4o"),
		LLMBaseURL:          getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:    getEnv("OPENROUTER_API_KEY", ""),
		SearchBaseURL:       getEnv("SEARCH_BASE_URL", ""),
		SearchAPIKey:        getEnv("SEARCH_API_KEY", ""),
		WorkdirRoot:         getEnv("RESEARCH_WORKDIR", defaultWorkdir()),
		SpillThresholdBytes: getEnvInt("RESEARCH_SPILL_THRESHOLD_BYTES", 16384),
		DefaultMaxSteps:     getEnvInt("RESEARCH_DEFAULT_MAX_STEPS", 50),
		MaxReflectionPasses: getEnvInt("RESEARCH_MAX_REFLECTION_PASSES", 3),
		ShellTimeoutSeconds: getEnvInt("RESEARCH_SHELL_TIMEOUT_SECONDS", 30),
		EventBufferSize:     getEnvInt("EVENT_BUFFER_SIZE", 64),
		CostPerThousandIn:   getEnvFloat("LLM_COST_PER_1K_INPUT_USD", 0.0025),
		CostPerThousandOut:  getEnvFloat("LLM_COST_PER_1K_OUTPUT_USD", 0.01),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func defaultWorkdir() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return os.TempDir()
	}
	return dir + "/deepresearch"
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "research")
	password := getEnv("POSTGRES_PASSWORD", "research")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "research")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
