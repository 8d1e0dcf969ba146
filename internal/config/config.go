package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for roundtable.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Engine     EngineConfig              `json:"engine"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Generation GenerationConfig          `json:"generation"`
	Decision   DecisionConfig            `json:"decision"`
	Roster     RosterConfig              `json:"roster"`
	Transcript TranscriptConfig          `json:"transcript"`
	Observers  ObserversConfig           `json:"observers"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"`
}

// EngineConfig exposes every empirical turn-taking constant as configuration.
// Durations are in milliseconds so tests can shrink them to near-zero.
type EngineConfig struct {
	// HistoryLimit bounds the shared message log; oldest entries are trimmed.
	HistoryLimit int `json:"historyLimit"`
	// PersonalHistoryLimit bounds each agent's private context window.
	PersonalHistoryLimit int `json:"personalHistoryLimit"`
	// CooldownMillis blocks rapid re-firing of the same agent unless the
	// trigger is important (question, code fence, or names the agent).
	CooldownMillis int `json:"cooldownMillis"`
	// DominanceWindow and DominanceShare throttle an agent that authored
	// more than the share of the last window messages.
	DominanceWindow int     `json:"dominanceWindow"`
	DominanceShare  float64 `json:"dominanceShare"`
	// LoopSimilarity is the Jaccard threshold above which consecutive agent
	// output counts as a repeat.
	LoopSimilarity   float64 `json:"loopSimilarity"`
	LoopWindowMillis int     `json:"loopWindowMillis"`
	// LoopRepeatLimit triggers suppression; the coordinator's role traits
	// carry a stricter override.
	LoopRepeatLimit int `json:"loopRepeatLimit"`
	// StallTimeoutMillis is the silence window before a nudge is synthesized.
	StallTimeoutMillis int `json:"stallTimeoutMillis"`
	// MinTurnDelayMillis/MaxTurnDelayMillis bound the jittered pause between
	// drained turns.
	MinTurnDelayMillis int `json:"minTurnDelayMillis"`
	MaxTurnDelayMillis int `json:"maxTurnDelayMillis"`
	// DoneAgentsToEnd is how many distinct agents must declare done before
	// the conversation ends.
	DoneAgentsToEnd int `json:"doneAgentsToEnd"`
	// GenerationTimeoutMillis caps a single generation call so a hung
	// collaborator cannot stall the queue forever.
	GenerationTimeoutMillis int `json:"generationTimeoutMillis"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
	// MaxRetries reissues a failed transport call this many times; zero
	// means the provider default (3). RetryBaseMillis is the backoff unit.
	MaxRetries      int `json:"maxRetries,omitempty"`
	RetryBaseMillis int `json:"retryBaseMillis,omitempty"`
}

// GenerationConfig selects the backend used to produce agent turns.
type GenerationConfig struct {
	Provider      string   `json:"provider"`
	FailoverChain []string `json:"failoverChain,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
}

// DecisionConfig selects the backend used for should-respond verdicts.
type DecisionConfig struct {
	Provider    string  `json:"provider"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type RosterConfig struct {
	Dir string `json:"dir"`
}

type TranscriptConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type ObserversConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures the Telegram mirror observer.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	ChatID    string   `json:"chatId,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	ParseMode string   `json:"parseMode,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// DefaultConfigDir returns the default config directory (~/.roundtable).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".roundtable"
	}
	return filepath.Join(home, ".roundtable")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Transcript.DBPath = expandPath(cfg.Transcript.DBPath)
	cfg.Roster.Dir = expandPath(cfg.Roster.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expandPath(path), data, 0o600)
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	e := cfg.Engine
	if e.LoopSimilarity < 0 || e.LoopSimilarity > 1 {
		return fmt.Errorf("engine.loopSimilarity must be in [0,1], got %v", e.LoopSimilarity)
	}
	if e.DominanceShare < 0 || e.DominanceShare > 1 {
		return fmt.Errorf("engine.dominanceShare must be in [0,1], got %v", e.DominanceShare)
	}
	if e.MaxTurnDelayMillis < e.MinTurnDelayMillis {
		return fmt.Errorf("engine.maxTurnDelayMillis (%d) below minTurnDelayMillis (%d)",
			e.MaxTurnDelayMillis, e.MinTurnDelayMillis)
	}
	if e.DoneAgentsToEnd < 1 {
		return fmt.Errorf("engine.doneAgentsToEnd must be >= 1, got %d", e.DoneAgentsToEnd)
	}
	if cfg.Generation.Provider != "" {
		if _, ok := cfg.Providers[cfg.Generation.Provider]; !ok {
			return fmt.Errorf("generation.provider %q not defined in providers", cfg.Generation.Provider)
		}
	}
	if cfg.Decision.Provider != "" {
		if _, ok := cfg.Providers[cfg.Decision.Provider]; !ok {
			return fmt.Errorf("decision.provider %q not defined in providers", cfg.Decision.Provider)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		if len(groups) >= 3 {
			defaultVal = groups[2]
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// expandPath resolves a leading ~/ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
