package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Overrides carries explicit CLI-level settings that beat every other
// source. Zero values mean "not set".
type Overrides struct {
	Home       string
	LogLevel   string
	ConfigFile string
}

// Load builds the effective configuration: defaults, then config file,
// then env files, then PACER_* environment, then overrides.
func Load(ov Overrides) *Config {
	cfg := Defaults()

	if ov.Home != "" {
		cfg.Home = ov.Home
	}

	loadFile(cfg, ov.ConfigFile)
	loadEnvFiles(cfg)
	applyEnv(cfg)

	if ov.Home != "" {
		cfg.Home = ov.Home // file/env must not silently relocate an explicit home
	}
	if ov.LogLevel != "" {
		cfg.Log.Level = ov.LogLevel
	}

	cfg.Validate()
	return cfg
}

// loadFile reads the first config file found. Explicit path wins; a
// missing explicit path is an error worth logging, missing defaults are
// not.
func loadFile(cfg *Config, explicit string) {
	paths := []string{
		filepath.Join(cfg.Home, "config.yaml"),
		filepath.Join(cfg.Home, "config.yml"),
		filepath.Join(cfg.Home, "config.json"),
	}
	if explicit != "" {
		paths = []string{explicit}
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if explicit != "" {
				log.Warn().Str("path", p).Err(err).Msg("Config file not readable")
			}
			continue
		}
		// yaml.v3 parses JSON too, so one decoder covers all three extensions.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Warn().Str("path", p).Err(err).Msg("Config file malformed, ignoring")
			continue
		}
		log.Debug().Str("path", p).Msg("Loaded config file")
		return
	}
}

// loadEnvFiles layers pacer.env then ./.env into the process env
// without clobbering variables that are already set.
func loadEnvFiles(cfg *Config) {
	for _, p := range []string{cfg.EnvFilePath(), ".env"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			log.Debug().Str("path", p).Err(err).Msg("Env file not loaded")
		}
	}
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-integer env value")
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-numeric env value")
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(strings.ToLower(v))
			if err != nil {
				log.Warn().Str("var", key).Str("value", v).Msg("Ignoring non-boolean env value")
				return
			}
			*dst = b
		}
	}

	setStr("PACER_HOME", &cfg.Home)
	setStr("PACER_LOG_LEVEL", &cfg.Log.Level)
	setStr("PACER_LOG_FORMAT", &cfg.Log.Format)
	setStr("PACER_LOG_FILE", &cfg.Log.File)

	setBool("PACER_PACING_ENABLED", &cfg.Pacing.Enabled)
	setInt("PACER_POLL_INTERVAL_SECONDS", &cfg.Pacing.PollIntervalSeconds)
	setInt("PACER_CLEANUP_INTERVAL_HOURS", &cfg.Pacing.CleanupIntervalHours)
	setInt("PACER_RETENTION_DAYS", &cfg.Pacing.RetentionDays)
	setFloat("PACER_SAFETY_BUFFER_PERCENT", &cfg.Pacing.SafetyBufferPercent)
	setFloat("PACER_PRELOAD_HOURS", &cfg.Pacing.PreloadHours)
	setFloat("PACER_BASE_DELAY_SECONDS", &cfg.Pacing.BaseDelaySeconds)
	setFloat("PACER_MAX_DELAY_SECONDS", &cfg.Pacing.MaxDelaySeconds)
	setFloat("PACER_THRESHOLD_PERCENT", &cfg.Pacing.ThresholdPercent)
	setFloat("PACER_STEP_PERCENT", &cfg.Pacing.StepPercent)
	setBool("PACER_FIVE_HOUR_LIMIT_ENABLED", &cfg.Pacing.FiveHourLimitEnabled)
	setBool("PACER_WEEKLY_LIMIT_ENABLED", &cfg.Pacing.WeeklyLimitEnabled)

	setBool("PACER_TEMPO_ENABLED", &cfg.Tempo.Enabled)
	setInt("PACER_MAX_SILENT_TOOL_NUDGES", &cfg.Tempo.MaxSilentToolNudges)

	setStr("PACER_LANGFUSE_BASE_URL", &cfg.Langfuse.BaseURL)
	setStr("PACER_LANGFUSE_PUBLIC_KEY", &cfg.Langfuse.PublicKey)
	setStr("PACER_LANGFUSE_SECRET_KEY", &cfg.Langfuse.SecretKey)
	// Standard Langfuse SDK variables work as fallbacks.
	if cfg.Langfuse.PublicKey == "" {
		setStr("LANGFUSE_PUBLIC_KEY", &cfg.Langfuse.PublicKey)
	}
	if cfg.Langfuse.SecretKey == "" {
		setStr("LANGFUSE_SECRET_KEY", &cfg.Langfuse.SecretKey)
	}
	if v := os.Getenv("LANGFUSE_HOST"); v != "" && os.Getenv("PACER_LANGFUSE_BASE_URL") == "" {
		cfg.Langfuse.BaseURL = v
	}
	setInt("PACER_LANGFUSE_TIMEOUT_SECONDS", &cfg.Langfuse.TimeoutSeconds)

	setBool("PACER_VALIDATOR_ENABLED", &cfg.Validator.Enabled)
	setStr("PACER_VALIDATOR_MODEL", &cfg.Validator.Model)
	setStr("PACER_VALIDATOR_API_KEY", &cfg.Validator.APIKey)
	if cfg.Validator.APIKey == "" {
		setStr("ANTHROPIC_API_KEY", &cfg.Validator.APIKey)
	}
	setInt("PACER_VALIDATOR_TIMEOUT_SECONDS", &cfg.Validator.TimeoutSeconds)

	setInt("PACER_MIN_SECRET_LENGTH", &cfg.Secrets.MinLength)

	setStr("PACER_USAGE_BASE_URL", &cfg.Usage.BaseURL)
	setStr("PACER_CREDENTIALS_PATH", &cfg.Usage.CredentialsPath)

	setInt("PACER_CONTEXT_EXHAUSTION_TOKENS", &cfg.Transcript.ContextExhaustionTokens)
}

// Save writes the config back to $PACER_HOME/config.yaml. Used by the
// admin CLI only; hooks never write config.
func Save(cfg *Config) error {
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config.Save: marshal: %w", err)
	}
	path := filepath.Join(cfg.Home, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("config.Save: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config.Save: rename %q to %q: %w", tmp, path, err)
	}
	return nil
}
