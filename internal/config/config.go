package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the flat, process-wide configuration surface. Every field is
// optional unless noted; unknown env keys are ignored.
type Config struct {
	Host string
	Port string

	// Upstream OpenAI-compatible provider.
	Provider        string // logical provider tag, e.g. "nvidia_nim", "openrouter"
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderModel   string

	// Provider rate limit (C1/C2): N acquires per W.
	ProviderRateLimitN int
	ProviderRateLimitW time.Duration

	// HTTP client timeouts to the upstream provider.
	ProviderConnectTimeout time.Duration
	ProviderReadTimeout    time.Duration
	ProviderWriteTimeout   time.Duration

	// Reactive block (C2) default duration on a 429.
	ProviderBlockOnRateLimit time.Duration

	// Model routing table (optional YAML file).
	RoutingConfigPath string
	Routing           *ModelRoutingConfig

	// Messaging platform.
	MessagingPlatform    string // "telegram", etc.
	TelegramToken        string
	EnableTelegramServer bool
	AllowedChatIDs       string // comma separated, empty = unrestricted
	AllowedUserIDs       string // comma separated, empty = unrestricted

	// Messaging rate limiter (C3).
	MessagingRateLimitN       int
	MessagingRateLimitW       time.Duration
	MessagingDefaultFloodWait time.Duration
	MessagingShutdownTimeout  time.Duration

	// CLI agent subprocess pool (C10-C12).
	CLIBinary          string
	Workspace          string
	AllowedDirectories string // comma separated, in addition to Workspace
	MaxCLISessions     int
	CLIIdleTimeout     time.Duration
	CLIStopTimeout     time.Duration

	// Session store (C16).
	SessionStorePath         string
	SessionStoreDebounce     time.Duration
	MaxMessageLogPerChat     int

	// Server shutdown.
	ServerShutdownTimeout time.Duration

	// CORS.
	CORSAllowedOrigins string

	// GET /v1/models catalogue (optional; falls back to a catalogue built
	// from the routing table when unset or unreadable).
	ModelsCataloguePath string

	// Logging.
	LogLevel  string
	LogFormat string

	// Optional ambient services.
	NatsURL      string
	MetricsAddr  string
	AdminHubAddr string

	// "Optimization" toggles — deliberately unimplemented hooks (see Non-goals).
	EnableTitleGenerationMock bool
	EnableSuggestionModeSkip  bool
	EnableFilepathMock        bool
	EnableQuotaProbeMock      bool
	EnableFastPrefixDetection bool
}

var AppConfig *Config

// LoadConfig populates the package-level AppConfig from .env / the process
// environment, following the same getEnvOrDefault pattern throughout.
func LoadConfig() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Host: getEnvOrDefault("HOST", "0.0.0.0"),
		Port: getEnvOrDefault("PORT", "8080"),

		Provider:        getEnvOrDefault("PROVIDER", "nvidia_nim"),
		ProviderBaseURL: getEnvOrDefault("PROVIDER_BASE_URL", ""),
		ProviderAPIKey:  getEnvOrDefault("PROVIDER_API_KEY", ""),
		ProviderModel:   getEnvOrDefault("PROVIDER_MODEL", ""),

		ProviderRateLimitN: getEnvAsInt("PROVIDER_RATE_LIMIT_N", 3),
		ProviderRateLimitW: getEnvAsDuration("PROVIDER_RATE_LIMIT_W", 1*time.Second),

		ProviderConnectTimeout: getEnvAsDuration("PROVIDER_CONNECT_TIMEOUT", 10*time.Second),
		ProviderReadTimeout:    getEnvAsDuration("PROVIDER_READ_TIMEOUT", 10*time.Minute),
		ProviderWriteTimeout:   getEnvAsDuration("PROVIDER_WRITE_TIMEOUT", 30*time.Second),

		ProviderBlockOnRateLimit: getEnvAsDuration("PROVIDER_BLOCK_ON_RATE_LIMIT", 60*time.Second),

		RoutingConfigPath: getEnvOrDefault("ROUTING_CONFIG_PATH", ""),

		MessagingPlatform:    getEnvOrDefault("MESSAGING_PLATFORM", "telegram"),
		TelegramToken:        getEnvOrDefault("TELEGRAM_TOKEN", ""),
		EnableTelegramServer: getEnvOrDefault("ENABLE_TELEGRAM_SERVER", "true") == "true",
		AllowedChatIDs:       getEnvOrDefault("ALLOWED_CHAT_IDS", ""),
		AllowedUserIDs:       getEnvOrDefault("ALLOWED_USER_IDS", ""),

		MessagingRateLimitN:       getEnvAsInt("MESSAGING_RATE_LIMIT_N", 1),
		MessagingRateLimitW:       getEnvAsDuration("MESSAGING_RATE_LIMIT_W", 3*time.Second),
		MessagingDefaultFloodWait: getEnvAsDuration("MESSAGING_DEFAULT_FLOOD_WAIT", 30*time.Second),
		MessagingShutdownTimeout:  getEnvAsDuration("MESSAGING_SHUTDOWN_TIMEOUT", 2*time.Second),

		CLIBinary:          getEnvOrDefault("CLI_BINARY", "claude"),
		Workspace:          getEnvOrDefault("WORKSPACE", "./workspace"),
		AllowedDirectories: getEnvOrDefault("ALLOWED_DIRECTORIES", ""),
		MaxCLISessions:     getEnvAsInt("MAX_CLI_SESSIONS", 10),
		CLIIdleTimeout:     getEnvAsDuration("CLI_IDLE_TIMEOUT", 30*time.Minute),
		CLIStopTimeout:     getEnvAsDuration("CLI_STOP_TIMEOUT", 5*time.Second),

		SessionStorePath:     getEnvOrDefault("SESSION_STORE_PATH", "./data/sessions.json"),
		SessionStoreDebounce: getEnvAsDuration("SESSION_STORE_DEBOUNCE", 500*time.Millisecond),
		MaxMessageLogPerChat: getEnvAsInt("MAX_MESSAGE_LOG_PER_CHAT", 0),

		ServerShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),

		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		ModelsCataloguePath: getEnvOrDefault("MODELS_CATALOGUE_PATH", ""),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),

		NatsURL:      getEnvOrDefault("NATS_URL", ""),
		MetricsAddr:  getEnvOrDefault("METRICS_ADDR", ""),
		AdminHubAddr: getEnvOrDefault("ADMIN_HUB_ADDR", ""),

		EnableTitleGenerationMock: getEnvOrDefault("ENABLE_TITLE_GENERATION_MOCK", "false") == "true",
		EnableSuggestionModeSkip:  getEnvOrDefault("ENABLE_SUGGESTION_MODE_SKIP", "false") == "true",
		EnableFilepathMock:        getEnvOrDefault("ENABLE_FILEPATH_MOCK", "false") == "true",
		EnableQuotaProbeMock:      getEnvOrDefault("ENABLE_QUOTA_PROBE_MOCK", "false") == "true",
		EnableFastPrefixDetection: getEnvOrDefault("ENABLE_FAST_PREFIX_DETECTION", "false") == "true",
	}

	routingPath := getEnvOrDefault("ROUTING_CONFIG_PATH", "")
	if routingPath != "" {
		f, err := os.Open(routingPath)
		if err != nil {
			log.Printf("Warning: could not open routing config %s: %v", routingPath, err)
		} else {
			defer f.Close()
			routing, err := LoadModelRoutingConfig(f)
			if err != nil {
				log.Printf("Warning: could not parse routing config %s: %v", routingPath, err)
			} else if err := routing.Validate(); err != nil {
				log.Printf("Warning: invalid routing config %s: %v", routingPath, err)
			} else {
				cfg.Routing = routing
			}
		}
	}

	if cfg.ProviderAPIKey == "" {
		log.Println("Warning: PROVIDER_API_KEY is not set")
	}
	if cfg.TelegramToken == "" && cfg.EnableTelegramServer {
		log.Println("Warning: ENABLE_TELEGRAM_SERVER is true but TELEGRAM_TOKEN is empty")
	}

	AppConfig = cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: failed to parse %s=%q as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadModelRoutingConfig decodes a YAML model routing table from r.
func LoadModelRoutingConfig(r io.Reader) (*ModelRoutingConfig, error) {
	var cfg ModelRoutingConfig
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
