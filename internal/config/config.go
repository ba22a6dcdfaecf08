// Package config loads and validates pacer's runtime configuration.
//
// Precedence, later wins: compiled defaults, config file
// ($PACER_HOME/config.yaml, .yml or .json), env files (pacer.env then
// ./.env via godotenv), PACER_* environment variables, explicit CLI
// overrides. Hooks are short-lived so the whole chain runs on every
// invocation; it has to stay cheap.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the full runtime configuration for one pacer process.
type Config struct {
	// Home is the state directory. Everything pacer persists lives under it.
	Home string `yaml:"home" json:"home"`

	Log       LogConfig       `yaml:"log" json:"log"`
	Pacing    PacingConfig    `yaml:"pacing" json:"pacing"`
	Tempo     TempoConfig     `yaml:"tempo" json:"tempo"`
	Langfuse  LangfuseConfig  `yaml:"langfuse" json:"langfuse"`
	Validator ValidatorConfig `yaml:"validator" json:"validator"`
	Secrets   SecretsConfig   `yaml:"secrets" json:"secrets"`
	Usage     UsageConfig     `yaml:"usage" json:"usage"`
	Transcript TranscriptConfig `yaml:"transcript" json:"transcript"`
}

// LogConfig mirrors logging.Config; kept separate so config does not
// import the logging package.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"` // json, console or auto
	File       string `yaml:"file" json:"file"`     // empty means $PACER_HOME/logs/pacer.log for hooks
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// PacingConfig tunes the usage-projection engine.
type PacingConfig struct {
	Enabled              bool    `yaml:"enabled" json:"enabled"`
	PollIntervalSeconds  int     `yaml:"pollIntervalSeconds" json:"pollIntervalSeconds"`
	CleanupIntervalHours int     `yaml:"cleanupIntervalHours" json:"cleanupIntervalHours"`
	RetentionDays        int     `yaml:"retentionDays" json:"retentionDays"`
	SafetyBufferPercent  float64 `yaml:"safetyBufferPercent" json:"safetyBufferPercent"`
	PreloadHours         float64 `yaml:"preloadHours" json:"preloadHours"`
	BaseDelaySeconds     float64 `yaml:"baseDelaySeconds" json:"baseDelaySeconds"`
	MaxDelaySeconds      float64 `yaml:"maxDelaySeconds" json:"maxDelaySeconds"`
	ThresholdPercent     float64 `yaml:"thresholdPercent" json:"thresholdPercent"`
	StepPercent          float64 `yaml:"stepPercent" json:"stepPercent"`
	FiveHourLimitEnabled bool    `yaml:"fiveHourLimitEnabled" json:"fiveHourLimitEnabled"`
	WeeklyLimitEnabled   bool    `yaml:"weeklyLimitEnabled" json:"weeklyLimitEnabled"`
}

// TempoConfig governs turn-boundary pacing and stop-hook nudges.
type TempoConfig struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	MaxSilentToolNudges int  `yaml:"maxSilentToolNudges" json:"maxSilentToolNudges"`
}

// LangfuseConfig holds the trace ingestion endpoint and credentials.
type LangfuseConfig struct {
	BaseURL        string `yaml:"baseUrl" json:"baseUrl"`
	PublicKey      string `yaml:"publicKey" json:"publicKey"`
	SecretKey      string `yaml:"secretKey" json:"secretKey"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds"`
}

// Enabled reports whether ingestion credentials are present.
func (l LangfuseConfig) Enabled() bool {
	return l.PublicKey != "" && l.SecretKey != ""
}

// ValidatorConfig configures the LLM intent validator used by pre_tool_use.
type ValidatorConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Model          string `yaml:"model" json:"model"`
	APIKey         string `yaml:"apiKey" json:"apiKey"`
	TimeoutSeconds int    `yaml:"timeoutSeconds" json:"timeoutSeconds"`
}

// SecretsConfig tunes the vault.
type SecretsConfig struct {
	MinLength int `yaml:"minLength" json:"minLength"`
}

// UsageConfig points at the upstream usage/profile API.
type UsageConfig struct {
	BaseURL         string `yaml:"baseUrl" json:"baseUrl"`
	CredentialsPath string `yaml:"credentialsPath" json:"credentialsPath"`
}

// TranscriptConfig tunes transcript interpretation thresholds.
type TranscriptConfig struct {
	ContextExhaustionTokens int `yaml:"contextExhaustionTokens" json:"contextExhaustionTokens"`
}

// Defaults returns the compiled-in configuration. Home resolution order:
// $PACER_HOME, $XDG_CONFIG_HOME/pacer, ~/.config/pacer.
func Defaults() *Config {
	return &Config{
		Home: defaultHome(),
		Log: LogConfig{
			Level:      "info",
			Format:     "auto",
			MaxSizeMB:  20,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Pacing: PacingConfig{
			Enabled:              true,
			PollIntervalSeconds:  60,
			CleanupIntervalHours: 24,
			RetentionDays:        60,
			SafetyBufferPercent:  95,
			PreloadHours:         12,
			BaseDelaySeconds:     5,
			MaxDelaySeconds:      350,
			ThresholdPercent:     0,
			StepPercent:          1,
			FiveHourLimitEnabled: true,
			WeeklyLimitEnabled:   true,
		},
		Tempo: TempoConfig{
			Enabled:             false,
			MaxSilentToolNudges: 3,
		},
		Langfuse: LangfuseConfig{
			BaseURL:        "https://cloud.langfuse.com",
			TimeoutSeconds: 10,
		},
		Validator: ValidatorConfig{
			Enabled:        false,
			Model:          "claude-sonnet-4-5",
			TimeoutSeconds: 45,
		},
		Secrets: SecretsConfig{
			MinLength: 6,
		},
		Usage: UsageConfig{
			BaseURL:         "https://api.anthropic.com",
			CredentialsPath: defaultCredentialsPath(),
		},
		Transcript: TranscriptConfig{
			ContextExhaustionTokens: 180000,
		},
	}
}

func defaultHome() string {
	if h := os.Getenv("PACER_HOME"); h != "" {
		return h
	}
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "pacer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pacer"
	}
	return filepath.Join(home, ".config", "pacer")
}

func defaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

// Path helpers. All state lives under Home.

func (c *Config) StorePath() string     { return filepath.Join(c.Home, "store.db") }
func (c *Config) SecretsPath() string   { return filepath.Join(c.Home, "secrets.db") }
func (c *Config) HookStatePath() string { return filepath.Join(c.Home, "state.json") }
func (c *Config) SessionsDir() string   { return filepath.Join(c.Home, "sessions") }
func (c *Config) TraceDir() string      { return filepath.Join(c.Home, "trace") }
func (c *Config) LogsDir() string       { return filepath.Join(c.Home, "logs") }
func (c *Config) RulesPath() string     { return filepath.Join(c.Home, "rules.yaml") }
func (c *Config) EnvFilePath() string   { return filepath.Join(c.Home, "pacer.env") }

// LogFilePath returns the configured log file, defaulting under Home.
func (c *Config) LogFilePath() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.LogsDir(), "pacer.log")
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, c.SessionsDir(), c.TraceDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config.Config.EnsureDirs: create %q: %w", dir, err)
		}
	}
	return nil
}

// Validate normalizes out-of-range values instead of failing: a hook
// must run with whatever configuration it finds.
func (c *Config) Validate() {
	clampPct := func(v *float64) {
		if *v < 0 {
			*v = 0
		}
		if *v > 100 {
			*v = 100
		}
	}
	clampPct(&c.Pacing.SafetyBufferPercent)
	clampPct(&c.Pacing.ThresholdPercent)
	if c.Pacing.StepPercent <= 0 {
		c.Pacing.StepPercent = 1
	}
	if c.Pacing.PollIntervalSeconds <= 0 {
		c.Pacing.PollIntervalSeconds = 60
	}
	if c.Pacing.CleanupIntervalHours <= 0 {
		c.Pacing.CleanupIntervalHours = 24
	}
	if c.Pacing.RetentionDays <= 0 {
		c.Pacing.RetentionDays = 60
	}
	if c.Pacing.BaseDelaySeconds <= 0 {
		c.Pacing.BaseDelaySeconds = 5
	}
	// The host kills hooks at 360s; never sleep past 350.
	if c.Pacing.MaxDelaySeconds <= 0 || c.Pacing.MaxDelaySeconds > 350 {
		c.Pacing.MaxDelaySeconds = 350
	}
	if c.Pacing.PreloadHours < 0 {
		c.Pacing.PreloadHours = 0
	}
	if c.Tempo.MaxSilentToolNudges < 0 {
		c.Tempo.MaxSilentToolNudges = 0
	}
	if c.Langfuse.TimeoutSeconds <= 0 {
		c.Langfuse.TimeoutSeconds = 10
	}
	if c.Validator.TimeoutSeconds <= 0 {
		c.Validator.TimeoutSeconds = 45
	}
	if c.Secrets.MinLength <= 0 {
		c.Secrets.MinLength = 6
	}
	if c.Transcript.ContextExhaustionTokens <= 0 {
		c.Transcript.ContextExhaustionTokens = 180000
	}
}
