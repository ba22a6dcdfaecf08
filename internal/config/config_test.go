package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreSane(t *testing.T) {
	cfg := Defaults()
	if cfg.Pacing.SafetyBufferPercent != 95 {
		t.Errorf("expected safety buffer 95, got %v", cfg.Pacing.SafetyBufferPercent)
	}
	if cfg.Pacing.MaxDelaySeconds != 350 {
		t.Errorf("expected max delay 350, got %v", cfg.Pacing.MaxDelaySeconds)
	}
	if cfg.Pacing.PreloadHours != 12 {
		t.Errorf("expected preload 12h, got %v", cfg.Pacing.PreloadHours)
	}
	if cfg.Transcript.ContextExhaustionTokens != 180000 {
		t.Errorf("expected exhaustion threshold 180000, got %d", cfg.Transcript.ContextExhaustionTokens)
	}
	if cfg.Langfuse.Enabled() {
		t.Error("langfuse should be disabled without keys")
	}
}

func TestValidateClampsDelayCap(t *testing.T) {
	cfg := Defaults()
	cfg.Pacing.MaxDelaySeconds = 100000
	cfg.Validate()
	if cfg.Pacing.MaxDelaySeconds != 350 {
		t.Errorf("expected max delay clamped to 350, got %v", cfg.Pacing.MaxDelaySeconds)
	}

	cfg.Pacing.SafetyBufferPercent = 150
	cfg.Validate()
	if cfg.Pacing.SafetyBufferPercent != 100 {
		t.Errorf("expected buffer clamped to 100, got %v", cfg.Pacing.SafetyBufferPercent)
	}
}

func TestLoadFilePrecedence(t *testing.T) {
	home := t.TempDir()
	yamlBody := "pacing:\n  safetyBufferPercent: 80\n  baseDelaySeconds: 2\nlangfuse:\n  publicKey: pk-test\n  secretKey: sk-test\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(Overrides{Home: home})
	if cfg.Pacing.SafetyBufferPercent != 80 {
		t.Errorf("expected file value 80, got %v", cfg.Pacing.SafetyBufferPercent)
	}
	if cfg.Pacing.BaseDelaySeconds != 2 {
		t.Errorf("expected file value 2, got %v", cfg.Pacing.BaseDelaySeconds)
	}
	if !cfg.Langfuse.Enabled() {
		t.Error("expected langfuse enabled from file keys")
	}
	// Untouched defaults survive a partial file.
	if cfg.Pacing.MaxDelaySeconds != 350 {
		t.Errorf("expected default max delay, got %v", cfg.Pacing.MaxDelaySeconds)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"),
		[]byte("pacing:\n  safetyBufferPercent: 80\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PACER_SAFETY_BUFFER_PERCENT", "70")
	t.Setenv("PACER_TEMPO_ENABLED", "true")

	cfg := Load(Overrides{Home: home})
	if cfg.Pacing.SafetyBufferPercent != 70 {
		t.Errorf("expected env value 70, got %v", cfg.Pacing.SafetyBufferPercent)
	}
	if !cfg.Tempo.Enabled {
		t.Error("expected tempo enabled from env")
	}
}

func TestEnvFileLayering(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "pacer.env"),
		[]byte("PACER_LANGFUSE_PUBLIC_KEY=pk-envfile\nPACER_LANGFUSE_SECRET_KEY=sk-envfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv must not override a variable that is already set.
	t.Setenv("PACER_LANGFUSE_PUBLIC_KEY", "pk-process")

	cfg := Load(Overrides{Home: home})
	if cfg.Langfuse.PublicKey != "pk-process" {
		t.Errorf("process env should win over env file, got %q", cfg.Langfuse.PublicKey)
	}
	if cfg.Langfuse.SecretKey != "sk-envfile" {
		t.Errorf("expected secret from env file, got %q", cfg.Langfuse.SecretKey)
	}
}

func TestJSONConfigFile(t *testing.T) {
	home := t.TempDir()
	body := `{"pacing": {"pollIntervalSeconds": 120}}`
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Load(Overrides{Home: home})
	if cfg.Pacing.PollIntervalSeconds != 120 {
		t.Errorf("expected 120 from json config, got %d", cfg.Pacing.PollIntervalSeconds)
	}
}

func TestMalformedConfigIgnored(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("pacing: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Load(Overrides{Home: home})
	if cfg.Pacing.SafetyBufferPercent != 95 {
		t.Errorf("malformed file should leave defaults, got %v", cfg.Pacing.SafetyBufferPercent)
	}
}

func TestPathsUnderHome(t *testing.T) {
	cfg := Defaults()
	cfg.Home = "/tmp/pacer-test-home"
	for name, p := range map[string]string{
		"store":   cfg.StorePath(),
		"secrets": cfg.SecretsPath(),
		"state":   cfg.HookStatePath(),
		"rules":   cfg.RulesPath(),
		"log":     cfg.LogFilePath(),
	} {
		if filepath.Dir(p) != cfg.Home && !isUnder(p, cfg.Home) {
			t.Errorf("%s path %q not under home", name, p)
		}
	}
}

func isUnder(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && rel[0] != '.'
}
