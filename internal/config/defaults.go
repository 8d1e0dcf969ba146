package config

import "path/filepath"

// Defaults returns the default configuration. The engine numbers are the
// empirically tuned values; all of them can be overridden per deployment.
func Defaults() *Config {
	dataDir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			DataDir:  dataDir,
			LogLevel: "info",
		},
		Engine: EngineConfig{
			HistoryLimit:            200,
			PersonalHistoryLimit:    50,
			CooldownMillis:          5000,
			DominanceWindow:         10,
			DominanceShare:          0.6,
			LoopSimilarity:          0.65,
			LoopWindowMillis:        120_000,
			LoopRepeatLimit:         3,
			StallTimeoutMillis:      10_000,
			MinTurnDelayMillis:      300,
			MaxTurnDelayMillis:      1500,
			DoneAgentsToEnd:         2,
			GenerationTimeoutMillis: 120_000,
		},
		Providers: map[string]ProviderConfig{
			"anthropic": {
				Enabled: true,
				APIKey:  "${ANTHROPIC_API_KEY}",
			},
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434/v1",
				DefaultModel: "llama3.1:8b",
			},
		},
		Generation: GenerationConfig{
			Provider:      "anthropic",
			FailoverChain: []string{"anthropic", "ollama"},
			MaxTokens:     1024,
			Temperature:   0.7,
		},
		Decision: DecisionConfig{
			Provider:    "anthropic",
			MaxTokens:   256,
			Temperature: 0,
		},
		Roster: RosterConfig{
			Dir: filepath.Join(dataDir, "roster"),
		},
		Transcript: TranscriptConfig{
			Enabled: true,
			DBPath:  filepath.Join(dataDir, "transcripts.db"),
		},
		Observers: ObserversConfig{
			Telegram: TelegramConfig{Enabled: false},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9190",
		},
	}
}
