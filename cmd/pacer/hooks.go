package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/logging"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/orchestrator"
	"github.com/pacerhq/pacer/internal/pacing"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/usageapi"
	"github.com/pacerhq/pacer/internal/validator"
)

// flow is one orchestrator method bound to a hook name.
type flow func(o *orchestrator.Orchestrator, ctx context.Context, ev hooks.Event) hooks.Decision

var hookFlows = map[string]flow{
	hooks.SessionStart:     (*orchestrator.Orchestrator).SessionStart,
	hooks.UserPromptSubmit: (*orchestrator.Orchestrator).UserPromptSubmit,
	hooks.PreToolUse:       (*orchestrator.Orchestrator).PreToolUse,
	hooks.PostToolUse:      (*orchestrator.Orchestrator).PostToolUse,
	hooks.Stop:             (*orchestrator.Orchestrator).Stop,
	hooks.SubagentStart:    (*orchestrator.Orchestrator).SubagentStart,
	hooks.SubagentStop:     (*orchestrator.Orchestrator).SubagentStop,
}

func registerHookCommands(root *cobra.Command) {
	for name := range hookFlows {
		hookName := name
		root.AddCommand(&cobra.Command{
			Use:    hookName,
			Short:  "Handle the " + hookName + " host hook",
			Hidden: true,
			Args:   cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				os.Exit(runHook(hookName))
			},
		})
	}
}

// runHook executes one hook invocation end to end. The host reads the
// exit code, not our logs: anything that goes wrong internally still
// exits 0 unless the flow's explicit decision is to block.
func runHook(hookName string) (exitCode int) {
	cfg := loadConfig()

	// Hooks log to file only; stdout carries the decision JSON and
	// stderr noise would pollute the host's output.
	logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     "json",
		Component:  "pacer",
		FilePath:   cfg.LogFilePath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Quiet:      true,
	})
	defer logging.Shutdown()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("hook", hookName).Msg("Hook panicked")
			exitCode = hooks.ExitProceed
		}
	}()

	ev := hooks.ReadEvent(os.Stdin)
	logger := logging.WithHook(hookName, ev.SessionID)
	logger.Debug().Msg("Hook invoked")

	o, cleanup := buildOrchestrator(cfg)
	if o == nil {
		// Without a store there is nothing useful to do; stay out of the way.
		hooks.Emit(os.Stdout, hookName, hooks.Decision{})
		return hooks.ExitProceed
	}
	defer cleanup()

	f, ok := hookFlows[hookName]
	if !ok {
		return hooks.ExitProceed
	}

	// The host kills hooks at 360s; leave margin for state writes.
	ctx, cancel := context.WithTimeout(context.Background(), 355*time.Second)
	defer cancel()

	decision := f(o, ctx, ev)
	hooks.Emit(os.Stdout, hookName, decision)
	return decision.ExitCode()
}

// buildOrchestrator wires the subsystems available in this environment.
// Missing credentials disable their subsystem silently; a missing store
// disables everything.
func buildOrchestrator(cfg *config.Config) (*orchestrator.Orchestrator, func()) {
	if err := cfg.EnsureDirs(); err != nil {
		log.Warn().Err(err).Msg("State directory creation failed")
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		log.Error().Err(err).Msg("Store unavailable, hook degrades to no-op")
		return nil, func() {}
	}

	vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
	if err != nil {
		log.Warn().Err(err).Msg("Vault unavailable, masking disabled")
		vault = nil
	}

	o := &orchestrator.Orchestrator{
		Config:  cfg,
		Store:   st,
		Metrics: metrics.New(st),
		Vault:   vault,
		Ingest: ingest.NewClient(cfg.Langfuse.BaseURL, cfg.Langfuse.PublicKey,
			cfg.Langfuse.SecretKey, time.Duration(cfg.Langfuse.TimeoutSeconds)*time.Second),
	}

	if token, err := usageapi.LoadToken(cfg.Usage.CredentialsPath); err == nil {
		client := usageapi.NewClient(cfg.Usage.BaseURL, token)
		o.Profile = client
		if cfg.Pacing.Enabled {
			o.Poller = newPoller(cfg, st, client)
		}
	} else {
		log.Debug().Err(err).Msg("Host credentials unavailable, pacing and identity disabled")
		if cfg.Pacing.Enabled {
			// Decisions can still be computed from stored snapshots.
			o.Poller = newPoller(cfg, st, nil)
		}
	}

	if cfg.Validator.Enabled && cfg.Validator.APIKey != "" {
		o.Validator = validator.NewAnthropic(cfg.Validator.APIKey, cfg.Validator.Model,
			time.Duration(cfg.Validator.TimeoutSeconds)*time.Second)
	}

	cleanup := func() {
		if vault != nil {
			vault.Close()
		}
		st.Close()
	}
	return o, cleanup
}

func newPoller(cfg *config.Config, st *store.Store, fetch pacing.UsageFetcher) *pacing.Poller {
	return &pacing.Poller{
		Store:  st,
		Fetch:  fetch,
		Params: pacingParams(cfg),

		PollInterval:    time.Duration(cfg.Pacing.PollIntervalSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Pacing.CleanupIntervalHours) * time.Hour,
		Retention:       time.Duration(cfg.Pacing.RetentionDays) * 24 * time.Hour,
	}
}

func pacingParams(cfg *config.Config) pacing.Params {
	return pacing.Params{
		SafetyBufferPercent:  cfg.Pacing.SafetyBufferPercent,
		PreloadHours:         cfg.Pacing.PreloadHours,
		BaseDelaySeconds:     cfg.Pacing.BaseDelaySeconds,
		MaxDelaySeconds:      cfg.Pacing.MaxDelaySeconds,
		ThresholdPercent:     cfg.Pacing.ThresholdPercent,
		StepPercent:          cfg.Pacing.StepPercent,
		FiveHourLimitEnabled: cfg.Pacing.FiveHourLimitEnabled,
		WeeklyLimitEnabled:   cfg.Pacing.WeeklyLimitEnabled,
	}
}
