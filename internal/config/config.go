// Package config loads the relay configuration from the environment.
// Configuration is read exactly once at startup and validated before any
// component is constructed — an invalid configuration terminates the
// process with a non-zero exit.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultTaskTimeout    = 2 * time.Minute
	DefaultConcurrency    = 2
	DefaultPushPort       = 8787
	DefaultPushPath       = "/relay/messages"
	DefaultRateLimit      = 10
	DefaultMaxConcurrent  = 32
	DefaultMaxQueue       = 200
	DefaultGatewayWSURL   = "ws://127.0.0.1:18789"
	DefaultScopes         = "operator.admin"
	DefaultSTTTimeout     = 30 * time.Second
	DefaultDeepgramModel  = "nova-2"
	DefaultOpenAISTTModel = "whisper-1"
)

// STTProvider selects the audio transcription collaborator.
type STTProvider string

const (
	STTProviderNone     STTProvider = ""
	STTProviderDeepgram STTProvider = "deepgram"
	STTProviderOpenAI   STTProvider = "openai"
)

// Config is the full environment-derived relay configuration.
type Config struct {
	// Backend ingress / egress.
	RelayToken      string `validate:"required"`
	BackendBaseURL  string `validate:"required,url"`
	RelayInstanceID string `validate:"required"`

	// Processing.
	TaskTimeout    time.Duration
	Concurrency    int `validate:"min=1"`
	MessageFlowLog bool

	// Push server.
	PushPort              int    `validate:"min=1,max=65535"`
	PushPath              string `validate:"required,startswith=/"`
	RateLimitPerSecond    int    `validate:"min=1"`
	MaxConcurrentRequests int    `validate:"min=1"`
	MaxQueue              int    `validate:"min=1"`

	// Gateway.
	GatewayWSURL    string `validate:"required"`
	ConfigPath      string
	StateDir        string `validate:"required"`
	GatewayToken    string
	GatewayPassword string
	Scopes          []string `validate:"min=1"`

	// Transcription.
	STTProvider STTProvider `validate:"omitempty,oneof=deepgram openai"`
	STTAPIKey   string
	STTModel    string
	STTLanguage string
	STTTimeout  time.Duration
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var errs []string

	intEnv := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return n
	}
	msEnv := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return time.Duration(n) * time.Millisecond
	}

	cfg := &Config{
		RelayToken:      os.Getenv("RELAY_TOKEN"),
		BackendBaseURL:  strings.TrimRight(os.Getenv("BACKEND_BASE_URL"), "/"),
		RelayInstanceID: os.Getenv("RELAY_INSTANCE_ID"),

		TaskTimeout:    msEnv("RELAY_TASK_TIMEOUT_MS", DefaultTaskTimeout),
		Concurrency:    intEnv("RELAY_CONCURRENCY", DefaultConcurrency),
		MessageFlowLog: boolEnv("MESSAGE_FLOW_LOG"),

		PushPort:              intEnv("RELAY_PUSH_PORT", DefaultPushPort),
		PushPath:              envOrDefault("RELAY_PUSH_PATH", DefaultPushPath),
		RateLimitPerSecond:    intEnv("RELAY_PUSH_RATE_LIMIT_PER_SEC", DefaultRateLimit),
		MaxConcurrentRequests: intEnv("RELAY_PUSH_MAX_CONCURRENT_REQUESTS", DefaultMaxConcurrent),
		MaxQueue:              intEnv("RELAY_PUSH_MAX_QUEUE", DefaultMaxQueue),

		GatewayWSURL:    envOrDefault("OPENCLAW_GATEWAY_WS_URL", DefaultGatewayWSURL),
		ConfigPath:      os.Getenv("OPENCLAW_CONFIG_PATH"),
		StateDir:        envOrDefault("OPENCLAW_STATE_DIR", defaultStateDir()),
		GatewayToken:    os.Getenv("OPENCLAW_GATEWAY_TOKEN"),
		GatewayPassword: os.Getenv("OPENCLAW_GATEWAY_PASSWORD"),
		Scopes:          ParseScopes(envOrDefault("OPENCLAW_SCOPES", DefaultScopes)),

		STTProvider: STTProvider(strings.ToLower(os.Getenv("STT_PROVIDER"))),
		STTLanguage: os.Getenv("STT_LANGUAGE"),
		STTTimeout:  msEnv("STT_TIMEOUT_MS", DefaultSTTTimeout),
	}

	if cfg.RelayInstanceID == "" {
		cfg.RelayInstanceID = autoInstanceID()
	}

	switch cfg.STTProvider {
	case STTProviderDeepgram:
		cfg.STTAPIKey = os.Getenv("DEEPGRAM_API_KEY")
		cfg.STTModel = envOrDefault("STT_MODEL", DefaultDeepgramModel)
	case STTProviderOpenAI:
		cfg.STTAPIKey = os.Getenv("OPENAI_API_KEY")
		cfg.STTModel = envOrDefault("STT_MODEL", DefaultOpenAISTTModel)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}

	if cfg.TaskTimeout < time.Second {
		return nil, fmt.Errorf("config: RELAY_TASK_TIMEOUT_MS must be at least 1000")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseScopes splits a CSV scope list, trims, dedupes and sorts it. The
// sorted order is load-bearing: the device signature canonicalises scopes
// the same way.
func ParseScopes(csv string) []string {
	seen := make(map[string]struct{})
	var scopes []string
	for _, s := range strings.Split(csv, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			scopes = append(scopes, s)
		}
	}
	sort.Strings(scopes)
	return scopes
}

// autoInstanceID builds the host-pid-rand fallback instance identity.
func autoInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d-%04x", host, os.Getpid(), rand.Intn(0x10000))
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return home + "/.openclaw"
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
