package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrMissingPortfolioURL is returned by Validate when PORTFOLIO_URL is unset.
var ErrMissingPortfolioURL = errors.New("PORTFOLIO_URL environment variable is required")

type Config struct {
	PortfolioURL string

	LLMProvider        string
	LLMTemperature     float64
	LLMTimeoutSecs     int
	LLMRateLimitPerMin int

	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIPlannerModel string
	OpenAIBaseURL      string

	AnthropicAPIKey       string
	AnthropicModel        string
	AnthropicPlannerModel string

	GeminiAPIKey       string
	GeminiModel        string
	GeminiPlannerModel string

	OllamaHost         string
	OllamaModel        string
	OllamaPlannerModel string
	OllamaNumCtx       int

	BrowserMode             string
	ChromeDebugURL          string
	BrowserBinaryPath       string
	BrowserHeadless         bool
	BrowserMinWaitSecs      int
	BrowserNetworkIdleSecs  int
	BrowserProbeTimeoutSecs int

	AgentMaxSteps         int
	AgentRawMaxSteps      int
	AgentPlannerInterval  int
	AgentUsePlanner       bool
	AgentUseMemory        bool
	AgentPlannerReasoning bool
	ExtractTimeoutSecs    int
	SessionLeaseTTLSecs   int

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	DatabaseURL      string
	RedisURL         string
	TelegramBotToken string
	TelegramChatID   int64
	HealthAddr       string
	APIKey           string
	Schedule         string
}

func Load() *Config {
	cfg := &Config{
		PortfolioURL:      strings.TrimSpace(os.Getenv("PORTFOLIO_URL")),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		InfluxURL:         strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:       os.Getenv("INFLUX_TOKEN"),
		InfluxOrg:         strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:      strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		BrowserBinaryPath: strings.TrimSpace(os.Getenv("BROWSER_BINARY_PATH")),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		TelegramBotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	switch cfg.LLMProvider {
	case "openai", "anthropic", "google", "ollama":
	case "":
		cfg.LLMProvider = "openai"
	default:
		log.Warn().Str("provider", cfg.LLMProvider).Msg("Warning: unsupported LLM_PROVIDER, defaulting to openai")
		cfg.LLMProvider = "openai"
	}

	cfg.LLMTemperature = envFloat("LLM_TEMPERATURE", 0, func(f float64) bool { return f >= 0 && f <= 2 })
	cfg.LLMTimeoutSecs = envInt("LLM_TIMEOUT_SECS", 100, positive)
	cfg.LLMRateLimitPerMin = envInt("LLM_RATE_LIMIT_PER_MIN", 30, positive)

	cfg.OpenAIModel = envString("OPENAI_MODEL", "gpt-4.1-mini-2025-04-14")
	cfg.OpenAIPlannerModel = envString("OPENAI_PLANNER_MODEL", "gpt-4.1-2025-04-14")
	cfg.AnthropicModel = envString("ANTHROPIC_MODEL", "claude-3-5-sonnet-20240620")
	cfg.AnthropicPlannerModel = envString("ANTHROPIC_PLANNER_MODEL", "claude-3-5-sonnet-20240620")
	cfg.GeminiModel = envString("GEMINI_MODEL", "gemini-2.0-flash-exp")
	cfg.GeminiPlannerModel = envString("GEMINI_PLANNER_MODEL", "gemini-2.0-flash-exp")
	cfg.OllamaHost = envString("OLLAMA_HOST", "http://localhost:11434")
	cfg.OllamaModel = envString("OLLAMA_MODEL", "llama3.2:3b")
	cfg.OllamaPlannerModel = envString("OLLAMA_PLANNER_MODEL", "llama3.2:3b")
	cfg.OllamaNumCtx = envInt("OLLAMA_NUM_CTX", 32000, positive)

	cfg.BrowserMode = strings.ToLower(strings.TrimSpace(os.Getenv("BROWSER_MODE")))
	if cfg.BrowserMode == "" {
		cfg.BrowserMode = "attach"
	}
	if cfg.BrowserMode != "attach" && cfg.BrowserMode != "launch" {
		log.Warn().Str("mode", cfg.BrowserMode).Msg("Warning: unsupported BROWSER_MODE, defaulting to attach")
		cfg.BrowserMode = "attach"
	}
	cfg.ChromeDebugURL = strings.TrimRight(envString("CHROME_DEBUG_URL", "http://localhost:9222"), "/")
	cfg.BrowserHeadless = envBool("BROWSER_HEADLESS", true)
	cfg.BrowserMinWaitSecs = envInt("BROWSER_MIN_WAIT_SECS", 2, nonNegative)
	cfg.BrowserNetworkIdleSecs = envInt("BROWSER_NETWORK_IDLE_SECS", 4, nonNegative)
	cfg.BrowserProbeTimeoutSecs = envInt("BROWSER_PROBE_TIMEOUT_SECS", 5, positive)

	cfg.AgentMaxSteps = envInt("AGENT_MAX_STEPS", 25, positive)
	cfg.AgentRawMaxSteps = envInt("AGENT_RAW_MAX_STEPS", 50, positive)
	cfg.AgentPlannerInterval = envInt("AGENT_PLANNER_INTERVAL", 2, positive)
	cfg.AgentUsePlanner = envBool("AGENT_USE_PLANNER", true)
	cfg.AgentUseMemory = envBool("AGENT_USE_MEMORY", true)
	cfg.AgentPlannerReasoning = envBool("AGENT_PLANNER_REASONING", false)
	cfg.ExtractTimeoutSecs = envInt("EXTRACT_TIMEOUT_SECS", 600, positive)
	cfg.SessionLeaseTTLSecs = envInt("SESSION_LEASE_TTL_SECS", 900, positive)

	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = n
		} else {
			log.Warn().Str("value", v).Msg("Warning: invalid TELEGRAM_CHAT_ID, notifications disabled")
		}
	}

	cfg.HealthAddr = envString("HEALTH_ADDR", ":8080")
	cfg.APIKey = strings.TrimSpace(os.Getenv("API_KEY"))
	cfg.Schedule = strings.TrimSpace(os.Getenv("SCRAPE_SCHEDULE"))

	if !cfg.InfluxComplete() {
		log.Warn().Msg("Warning: InfluxDB configuration incomplete, results will not be persisted")
	}
	if cfg.DatabaseURL == "" {
		log.Debug().Msg("DATABASE_URL not set, run history disabled")
	}
	if cfg.RedisURL == "" {
		log.Debug().Msg("REDIS_URL not set, session lease disabled")
	}

	return cfg
}

// Validate reports configuration errors that must stop the process before any
// provider or browser work begins.
func (c *Config) Validate() error {
	if c.PortfolioURL == "" {
		return ErrMissingPortfolioURL
	}
	return nil
}

// InfluxComplete reports whether all four InfluxDB settings are present.
func (c *Config) InfluxComplete() bool {
	return c.InfluxURL != "" && c.InfluxToken != "" && c.InfluxOrg != "" && c.InfluxBucket != ""
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSecs) * time.Second
}

func (c *Config) ExtractTimeout() time.Duration {
	return time.Duration(c.ExtractTimeoutSecs) * time.Second
}

func positive(n int) bool    { return n > 0 }
func nonNegative(n int) bool { return n >= 0 }

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, ok func(int) bool) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || !ok(n) {
		log.Warn().Str("key", key).Str("value", v).Int("default", def).Msg("Warning: invalid value, using default")
		return def
	}
	return n
}

func envFloat(key string, def float64, ok func(float64) bool) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || !ok(f) {
		log.Warn().Str("key", key).Str("value", v).Float64("default", def).Msg("Warning: invalid value, using default")
		return def
	}
	return f
}

// envBool treats true, 1 and yes (any case) as true and anything else set as false.
func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
