// Package orchestrator implements the per-hook flows: trace lifecycle
// across invocations, deferred pushes, subagent hierarchy, pacing, and
// the stop-time gates.
//
// The orchestrator itself is stateless; continuity lives in the state
// files and the SQLite stores. Every flow follows the same discipline:
// parse secrets before sanitizing, sanitize before pushing, advance the
// transcript pointer after any push attempt, and never let a side
// subsystem failure change the hook's exit code.
package orchestrator

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/gitinfo"
	"github.com/pacerhq/pacer/internal/hostinfo"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/masking"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/pacing"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
	"github.com/pacerhq/pacer/internal/usageapi"
	"github.com/pacerhq/pacer/internal/validator"
)

// ProfileFetcher is the slice of the usage API client used for user
// identity.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (string, error)
}

// Orchestrator wires the subsystems one hook invocation needs.
type Orchestrator struct {
	Config    *config.Config
	Store     *store.Store
	Metrics   *metrics.Recorder
	Vault     *secrets.Vault
	Ingest    *ingest.Client
	Poller    *pacing.Poller
	Profile   ProfileFetcher
	Validator validator.Validator

	// NowFn is injectable for deterministic tests.
	NowFn func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.NowFn != nil {
		return o.NowFn()
	}
	return time.Now()
}

// newMasker builds a masker from the current vault contents. A vault
// read failure yields an empty masker and a warning; pushing unmasked
// known-secret data is worse than pushing nothing, so callers that get
// ok=false skip the push instead.
func (o *Orchestrator) newMasker() (*masking.Masker, bool) {
	if o.Vault == nil {
		return masking.New(nil), true
	}
	values, err := o.Vault.Values()
	if err != nil {
		log.Warn().Err(err).Msg("Vault read failed, withholding push")
		return masking.New(nil), false
	}
	return masking.New(values), true
}

// sanitizePush masks a batch against the vault and pushes it. Returns
// the push verdict and acknowledged count. The masked-replacement count
// feeds the secrets-masked metric.
func (o *Orchestrator) sanitizePush(ctx context.Context, events []ingest.Event) (bool, int) {
	if len(events) == 0 {
		return true, 0
	}
	if !o.Ingest.Enabled() {
		return false, 0
	}
	masker, ok := o.newMasker()
	if !ok {
		return false, 0
	}
	sanitized, maskedCount := masker.SanitizeEvents(events)
	if maskedCount > 0 {
		if err := o.Metrics.IncrementSecretsMasked(maskedCount); err != nil {
			log.Warn().Err(err).Msg("Secrets-masked metric failed")
		}
	}
	return o.Ingest.Push(ctx, sanitized)
}

// flushPending pushes a staged pending trace, clearing it no matter how
// the push goes: retrying a stale trace forever is a worse failure mode
// than losing one.
func (o *Orchestrator) flushPending(ctx context.Context, ts *statefile.TraceState) {
	pending := ts.TakePending()
	if len(pending) == 0 {
		return
	}
	ok, _ := o.sanitizePush(ctx, pending)
	if !ok {
		log.Warn().Str("session", ts.SessionID).Msg("Pending trace push failed, dropping")
	}
	if err := o.Metrics.Increment(metrics.MetricTraces, 1); err != nil {
		log.Warn().Err(err).Msg("Traces metric failed")
	}
	if ts.Metadata.IsFirstTraceInSession {
		ts.Metadata.IsFirstTraceInSession = false
		if err := o.Metrics.Increment(metrics.MetricSessions, 1); err != nil {
			log.Warn().Err(err).Msg("Sessions metric failed")
		}
	}
}

// userIdentity returns the account email, or empty when the profile API
// is unreachable. The result is cached process-wide by the client.
func (o *Orchestrator) userIdentity(ctx context.Context) string {
	if o.Profile == nil {
		return ""
	}
	email, err := o.Profile.FetchProfile(ctx)
	if err != nil {
		if err != usageapi.ErrUnauthorized {
			log.Debug().Err(err).Msg("Profile fetch failed, traces go unattributed")
		}
		return ""
	}
	return email
}

// projectMetadata assembles the per-trace project and host context.
func (o *Orchestrator) projectMetadata(cwd string) map[string]any {
	md := make(map[string]any)
	if cwd != "" {
		md["project_path"] = cwd
		md["project_name"] = filepath.Base(cwd)
		git := gitinfo.Lookup(cwd)
		if git.Branch != "" {
			md["git_branch"] = git.Branch
		}
		if git.Remote != "" {
			md["git_remote"] = git.Remote
		}
	}
	for k, v := range hostinfo.Get().Metadata() {
		md[k] = v
	}
	return md
}

// parseSecretsFromTail vaults declarations found in the last n
// assistant texts of the transcript. It runs before any sanitize in the
// same hook, which is the ordering the whole design leans on.
func (o *Orchestrator) parseSecretsFromTail(transcriptPath string, n int) {
	if o.Vault == nil || transcriptPath == "" {
		return
	}
	entries, _, err := readTranscript(transcriptPath, 0)
	if err != nil {
		return
	}
	texts := lastAssistantTexts(entries, n)
	for _, text := range texts {
		secrets.ParseAndStore(o.Vault, text)
	}
}
