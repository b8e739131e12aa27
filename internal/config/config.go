// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"couple-talk/internal/conversation"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"

	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

type Config struct {
	StoreBackend string
	StateTable   string
	DatabaseURL  string

	LLMProvider   string
	LLMModel      string
	LLMBaseURL    string
	LLMMaxTokens  int
	ParamPrefix   string
	Moderation    bool
	TaskPoolSize  int
	LocalAddr     string
	LogLevel      slog.Level
	ShutdownGrace time.Duration

	Conversation conversation.Config
}

// Load reads the given .env files, if present, and then the environment.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return fromEnv(os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func fromEnv(lookup lookupFunc) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		StoreBackend:  strings.ToLower(e.str("STORE_BACKEND", BackendDynamoDB)),
		StateTable:    e.str("STATE_TABLE", ""),
		DatabaseURL:   e.str("DATABASE_URL", ""),
		LLMProvider:   strings.ToLower(e.str("LLM_PROVIDER", ProviderClaude)),
		LLMModel:      e.str("LLM_MODEL", ""),
		LLMBaseURL:    e.str("LLM_BASE_URL", ""),
		LLMMaxTokens:  e.integer("LLM_MAX_TOKENS", 1024),
		ParamPrefix:   strings.TrimRight(e.str("PARAM_PREFIX", ""), "/"),
		Moderation:    e.boolean("MODERATION_ENABLED", false),
		TaskPoolSize:  e.integer("TASK_POOL_SIZE", 4),
		LocalAddr:     e.str("LOCAL_ADDR", ""),
		LogLevel:      e.level("LOG_LEVEL", slog.LevelInfo),
		ShutdownGrace: e.duration("SHUTDOWN_GRACE", 30*time.Second),
		Conversation: conversation.Config{
			RecentWindow:     e.integer("RECENT_WINDOW", 10),
			SummaryThreshold: e.integer("SUMMARY_THRESHOLD", 20),
			MinUserTurns:     e.integer("MIN_USER_TURNS", 4),
			Policy:           conversation.ContextPolicy(strings.ToLower(e.str("CONTEXT_POLICY", string(conversation.PolicyOverlap)))),
			ReplyTimeout:     e.duration("REPLY_TIMEOUT", 20*time.Second),
			SummaryTimeout:   e.duration("SUMMARY_TIMEOUT", 60*time.Second),
			MaxMessageLength: e.integer("MAX_MESSAGE_LENGTH", 2000),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.LLMProvider {
	case ProviderClaude, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("config: PARAM_PREFIX is required"))
	}
	switch c.Conversation.Policy {
	case conversation.PolicyOverlap, conversation.PolicyPartition:
	default:
		errs = append(errs, fmt.Errorf("config: unknown CONTEXT_POLICY %q", c.Conversation.Policy))
	}
	if c.Conversation.RecentWindow <= 0 || c.Conversation.SummaryThreshold <= 0 || c.Conversation.MinUserTurns <= 0 {
		errs = append(errs, errors.New("config: RECENT_WINDOW, SUMMARY_THRESHOLD and MIN_USER_TURNS must be positive"))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, errors.New("config: LLM_MAX_TOKENS must be positive"))
	}
	if c.TaskPoolSize <= 0 {
		errs = append(errs, errors.New("config: TASK_POOL_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	lookup lookupFunc
	errs   []error
}

func (e *env) str(key, def string) string {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: invalid level %q", key, v))
		return def
	}
	return l
}
