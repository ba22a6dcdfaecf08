package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pacerhq/pacer/internal/config"
	"github.com/pacerhq/pacer/internal/hooks"
	"github.com/pacerhq/pacer/internal/ingest"
	"github.com/pacerhq/pacer/internal/metrics"
	"github.com/pacerhq/pacer/internal/secrets"
	"github.com/pacerhq/pacer/internal/statefile"
	"github.com/pacerhq/pacer/internal/store"
)

// recordedEvent is the slice of an ingestion envelope the tests inspect.
type recordedEvent struct {
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

// ingestRecorder plays the ingestion backend: it records every batch and
// acknowledges each event, or fails wholesale when told to.
type ingestRecorder struct {
	mu      sync.Mutex
	batches [][]recordedEvent
	raw     []string
	fail    bool
	srv     *httptest.Server
}

func newIngestRecorder(t *testing.T) *ingestRecorder {
	t.Helper()
	rec := &ingestRecorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req struct {
			Batch []recordedEvent `json:"batch"`
		}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(data, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.batches = append(rec.batches, req.Batch)
		rec.raw = append(rec.raw, string(data))

		type item struct {
			ID     string `json:"id"`
			Status int    `json:"status"`
		}
		resp := struct {
			Successes []item `json:"successes"`
			Errors    []item `json:"errors"`
		}{}
		for range req.Batch {
			resp.Successes = append(resp.Successes, item{ID: "ok", Status: 201})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *ingestRecorder) setFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *ingestRecorder) events() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []recordedEvent
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func (r *ingestRecorder) eventsOfType(eventType string) []recordedEvent {
	var out []recordedEvent
	for _, e := range r.events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *ingestRecorder) allRaw() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.raw, "\n")
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *ingestRecorder) {
	t.Helper()
	rec := newIngestRecorder(t)

	cfg := config.Defaults()
	cfg.Home = t.TempDir()
	cfg.Pacing.Enabled = false
	cfg.Langfuse.BaseURL = rec.srv.URL
	cfg.Langfuse.PublicKey = "pk-test"
	cfg.Langfuse.SecretKey = "sk-test"
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	vault, err := secrets.Open(cfg.SecretsPath(), cfg.Secrets.MinLength)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vault.Close() })

	o := &Orchestrator{
		Config:  cfg,
		Store:   st,
		Metrics: metrics.New(st),
		Vault:   vault,
		Ingest:  ingest.NewClient(rec.srv.URL, "pk-test", "sk-test", 5*time.Second),
	}
	return o, rec
}

// Transcript fixture builders, JSONL per the host format.

func userLine(t *testing.T, text string) string {
	return jsonLine(t, map[string]any{
		"type":    "user",
		"message": map[string]any{"role": "user", "content": text},
	})
}

func assistantTextLine(t *testing.T, text, model string, in, out int) string {
	msg := map[string]any{
		"role":    "assistant",
		"content": []any{map[string]any{"type": "text", "text": text}},
	}
	if model != "" {
		msg["model"] = model
	}
	if in+out > 0 {
		msg["usage"] = map[string]any{"input_tokens": in, "output_tokens": out}
	}
	return jsonLine(t, map[string]any{"type": "assistant", "message": msg})
}

func assistantToolUseLine(t *testing.T, id, name string, input map[string]any) string {
	return jsonLine(t, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "tool_use", "id": id, "name": name, "input": input}},
		},
	})
}

func toolResultLine(t *testing.T, toolUseID, text string) string {
	return jsonLine(t, map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "tool_result", "tool_use_id": toolUseID, "content": text}},
		},
	})
}

func jsonLine(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func writeTranscript(t *testing.T, path string, lines ...string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUserPromptSubmitStagesWithoutPushing(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "fix the login bug"))

	d := o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID:      "s1",
		TranscriptPath: path,
		Prompt:         "fix the login bug",
	})
	if d.Block {
		t.Fatal("prompt hook must never block")
	}
	if got := len(rec.events()); got != 0 {
		t.Fatalf("pushed %d events at prompt time, want 0 (staged)", got)
	}

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if len(ts.PendingTrace) != 1 {
		t.Fatalf("pending batch = %d events, want 1", len(ts.PendingTrace))
	}
	if !strings.HasPrefix(ts.Metadata.CurrentTraceID, "s1-turn-") {
		t.Errorf("trace id = %q", ts.Metadata.CurrentTraceID)
	}
	if ts.Metadata.TraceStartLine != 1 {
		t.Errorf("start line = %d, want 1", ts.Metadata.TraceStartLine)
	}
}

// A secret declared mid-turn must be vaulted before the deferred
// trace-create is sanitized, so the prompt that mentioned it goes out
// masked.
func TestDeferredPushMasksLateSecret(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	secret := "hunter2secret99"
	prompt := "deploy with token " + secret

	writeTranscript(t, path, userLine(t, prompt))
	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: prompt,
	})

	// The assistant declares the secret later in the same turn.
	writeTranscript(t, path,
		userLine(t, prompt),
		assistantTextLine(t, "Storing that. 🔐 SECRET_TEXT: "+secret, "", 0, 0),
	)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID:      "s1",
		TranscriptPath: path,
		ToolName:       "Bash",
		ToolResponse:   json.RawMessage(`"ok"`),
	})

	creates := rec.eventsOfType(ingest.TypeTraceCreate)
	if len(creates) == 0 {
		t.Fatal("deferred trace-create never pushed")
	}
	input, _ := creates[0].Body["input"].(string)
	if !strings.Contains(input, secrets.MaskLiteral) {
		t.Errorf("input = %q, want the mask literal", input)
	}
	if strings.Contains(rec.allRaw(), secret) {
		t.Error("raw secret leaked into a pushed payload")
	}

	if total, err := o.Metrics.Total24h(metrics.MetricTraces); err != nil || total != 1 {
		t.Errorf("traces metric = %v (%v), want 1", total, err)
	}
}

func TestPendingClearedEvenWhenPushFails(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "hello"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "hello",
	})

	rec.setFail(true)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Read",
	})

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if len(ts.PendingTrace) != 0 {
		t.Fatal("pending batch survived a failed push; it must clear unconditionally")
	}

	// Recovery must not re-send the dropped create.
	rec.setFail(false)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Read",
	})
	if got := len(rec.eventsOfType(ingest.TypeTraceCreate)); got != 0 {
		t.Errorf("trace-creates after recovery = %d, want 0", got)
	}
}

// The pushed-line pointer advances even when the push fails: a timed-out
// payload usually reached the server, and duplicated spans cost more
// than rarely lost ones.
func TestPointerAdvancesOnPushFailure(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "run the tests"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "run the tests",
	})

	writeTranscript(t, path,
		userLine(t, "run the tests"),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "go test ./..."}),
		toolResultLine(t, "tool-1", "ok"),
	)

	rec.setFail(true)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Bash",
	})

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if ts.LastPushedLine != 3 {
		t.Fatalf("pushed line = %d, want 3 even after the failed push", ts.LastPushedLine)
	}

	rec.setFail(false)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Bash",
	})
	if got := len(rec.eventsOfType(ingest.TypeSpanCreate)); got != 0 {
		t.Errorf("spans re-emitted after failure = %d, want 0", got)
	}
}

func TestPostToolUseExportsTranscriptSpans(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "list files"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "list files",
	})

	writeTranscript(t, path,
		userLine(t, "list files"),
		assistantTextLine(t, "Listing now.", "", 0, 0),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "ls"}),
		toolResultLine(t, "tool-1", "main.go\nmain_test.go"),
	)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Bash",
	})

	spans := rec.eventsOfType(ingest.TypeSpanCreate)
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want text + tool", len(spans))
	}
	if spans[0].Body["name"] != "Assistant Response" || spans[0].Body["output"] != "Listing now." {
		t.Errorf("text span = %v", spans[0].Body)
	}
	if spans[1].Body["name"] != "Tool - Bash" {
		t.Errorf("tool span = %v", spans[1].Body)
	}
	if out, _ := spans[1].Body["output"].(string); !strings.Contains(out, "main_test.go") {
		t.Errorf("tool span output = %q", out)
	}

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if ts.Metadata.ToolCount != 1 || len(ts.Metadata.ToolCalls) != 1 {
		t.Errorf("tool metadata = %+v", ts.Metadata)
	}
}

// The direct-response path at post-tool-use consumes the transcript
// lines it covers; stop-finalize must not publish the same tool call a
// second time.
func TestDirectResponseSpanNotRepublishedAtStop(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "list the files"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "list the files",
	})

	writeTranscript(t, path,
		userLine(t, "list the files"),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "ls"}),
		toolResultLine(t, "tool-1", "main.go"),
	)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID:      "s1",
		TranscriptPath: path,
		ToolName:       "Bash",
		ToolInput:      json.RawMessage(`{"command": "ls"}`),
		ToolResponse:   json.RawMessage(`"main.go"`),
	})

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if ts.LastPushedLine != 3 {
		t.Fatalf("pushed line = %d, want 3 after the direct-response span", ts.LastPushedLine)
	}

	writeTranscript(t, path,
		userLine(t, "list the files"),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "ls"}),
		toolResultLine(t, "tool-1", "main.go"),
		assistantTextLine(t, "Just main.go in there.", "", 0, 0),
	)
	o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})

	toolSpans := 0
	for _, e := range rec.eventsOfType(ingest.TypeSpanCreate) {
		if e.Body["name"] == "Tool - Bash" {
			toolSpans++
		}
	}
	if toolSpans != 1 {
		t.Errorf("tool spans = %d, want exactly 1 for a single tool call", toolSpans)
	}
}

// Finalization batches without a generation are [update, spans...]; the
// spans metric must count acks past the actual non-span prefix.
func TestFinalizeSpanMetricWithoutGeneration(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "tidy up"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "tidy up",
	})

	// No token usage anywhere, so no generation rides in the batch.
	writeTranscript(t, path,
		userLine(t, "tidy up"),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "gofmt -w ."}),
		toolResultLine(t, "tool-1", "done"),
		assistantTextLine(t, "Formatted.", "", 0, 0),
	)
	o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})

	total, err := o.Metrics.Total24h(metrics.MetricSpans)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("spans metric = %v, want 2 (tool + text span)", total)
	}
}

func TestStopFinalizesTurnWithIntel(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "fix the bug"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "fix the bug",
	})

	writeTranscript(t, path,
		userLine(t, "fix the bug"),
		assistantTextLine(t, "Fixed the race in the cache.\n§ △0.8 ■bug", "claude-sonnet-4-5", 120, 30),
	)
	d := o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})
	if d.Block {
		t.Fatal("clean stop must not block")
	}

	var update recordedEvent
	for _, e := range rec.eventsOfType(ingest.TypeTraceCreate) {
		if _, ok := e.Body["output"]; ok {
			update = e
		}
	}
	if update.Body == nil {
		t.Fatal("finalization upsert never pushed")
	}
	if update.Body["output"] != "Fixed the race in the cache." {
		t.Errorf("output = %q, want the intel line stripped", update.Body["output"])
	}
	md, _ := update.Body["metadata"].(map[string]any)
	if md == nil {
		t.Fatal("finalization carries no metadata")
	}
	if md["intel_frustration"] != 0.8 || md["intel_task_type"] != "bug" {
		t.Errorf("intel metadata = %v", md)
	}
	if md["input_tokens"] != float64(120) || md["output_tokens"] != float64(30) {
		t.Errorf("token metadata = %v", md)
	}

	gens := rec.eventsOfType(ingest.TypeGenerationCreate)
	if len(gens) != 1 {
		t.Fatalf("generations = %d, want 1", len(gens))
	}
	usage, _ := gens[0].Body["usage"].(map[string]any)
	if usage["input"] != float64(120) || usage["output"] != float64(30) || usage["total"] != float64(150) {
		t.Errorf("generation usage = %v", usage)
	}
	if gens[0].Body["model"] != "claude-sonnet-4-5" {
		t.Errorf("generation model = %v", gens[0].Body["model"])
	}

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if ts.Metadata.CurrentTraceID != "" {
		t.Error("trace still open after stop")
	}
	if ts.LastPushedLine != 2 {
		t.Errorf("pushed line = %d, want 2", ts.LastPushedLine)
	}
}

func TestStopNudgesSilentToolStop(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path,
		userLine(t, "check the logs"),
		assistantToolUseLine(t, "tool-1", "Bash", map[string]any{"command": "tail log"}),
	)

	d := o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})
	if !d.Block || d.Reason == "" {
		t.Fatalf("decision = %+v, want a block with a nudge", d)
	}

	hs := statefile.LoadHookState(o.Config.HookStatePath())
	if hs.SilentToolNudgeCount != 1 {
		t.Errorf("nudge count = %d, want 1", hs.SilentToolNudgeCount)
	}
	blockages, err := o.Store.RecentBlockages(5)
	if err != nil || len(blockages) != 1 || blockages[0].Reason != "silent_tool_stop" {
		t.Errorf("blockages = %+v (%v)", blockages, err)
	}

	// When the host reports the stop hook already re-ran the agent, a
	// second block would loop; pass through and reset the budget.
	d = o.Stop(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, StopHookActive: true,
	})
	if d.Block {
		t.Error("stop with stop_hook_active must not block again")
	}
	hs = statefile.LoadHookState(o.Config.HookStatePath())
	if hs.SilentToolNudgeCount != 0 {
		t.Errorf("nudge count after clean stop = %d, want 0", hs.SilentToolNudgeCount)
	}
}

func TestStopPassesOnContextExhaustion(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "keep going"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "keep going",
	})

	writeTranscript(t, path,
		userLine(t, "keep going"),
		assistantTextLine(t, "Prompt is too long", "", 0, 0),
	)
	d := o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})
	if d.Block {
		t.Fatal("exhausted session must end unobstructed")
	}
	if got := len(rec.events()); got != 0 {
		t.Errorf("pushed %d events during exhaustion pass-through, want 0", got)
	}
}

// A user merely quoting the refusal text must not put the session into
// permanent pass-through; the turn still finalizes.
func TestStopFinalizesWhenUserQuotesRefusal(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	prompt := `why did it say "Prompt is too long" earlier?`
	writeTranscript(t, path, userLine(t, prompt))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: prompt,
	})

	writeTranscript(t, path,
		userLine(t, prompt),
		assistantTextLine(t, "That happens when the context window fills up.", "", 0, 0),
	)
	d := o.Stop(context.Background(), hooks.Event{SessionID: "s1", TranscriptPath: path})
	if d.Block {
		t.Fatal("clean stop must not block")
	}

	finalized := false
	for _, e := range rec.eventsOfType(ingest.TypeTraceCreate) {
		if _, ok := e.Body["output"]; ok {
			finalized = true
		}
	}
	if !finalized {
		t.Error("quoted refusal text suppressed finalization")
	}
}

func TestSubagentSiblingTracesStayIsolated(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	parentPath := filepath.Join(t.TempDir(), "parent.jsonl")
	writeTranscript(t, parentPath, userLine(t, "review and test the diff"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath, Prompt: "review and test the diff",
	})

	o.SubagentStart(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath,
		AgentID: "a1", AgentType: "code reviewer", Prompt: "review the diff",
	})
	o.SubagentStart(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath,
		AgentID: "a2", AgentType: "tester", Prompt: "run the tests",
	})

	hs := statefile.LoadHookState(o.Config.HookStatePath())
	if !hs.InSubagent || hs.SubagentCounter != 2 {
		t.Fatalf("hook state = %+v", hs)
	}
	reviewerTrace := hs.SubagentTraces["a1"].TraceID
	testerTrace := hs.SubagentTraces["a2"].TraceID
	if !strings.HasPrefix(reviewerTrace, "s1-subagent-code-reviewer-") {
		t.Errorf("reviewer trace id = %q", reviewerTrace)
	}
	if reviewerTrace == testerTrace {
		t.Fatal("sibling traces share an id")
	}

	// A tool call attributed to the reviewer lands on its trace, not the
	// parent's and not the tester's.
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath,
		AgentID: "a1", ToolName: "Grep",
		ToolResponse: json.RawMessage(`"3 matches"`),
	})
	spans := rec.eventsOfType(ingest.TypeSpanCreate)
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Body["traceId"] != reviewerTrace {
		t.Errorf("span trace = %v, want the reviewer's %q", spans[0].Body["traceId"], reviewerTrace)
	}

	// Reviewer finishes; its own transcript holds the final answer.
	agentPath := filepath.Join(t.TempDir(), "agent.jsonl")
	writeTranscript(t, agentPath, assistantTextLine(t, "Diff looks correct.", "", 0, 0))
	o.SubagentStop(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath,
		AgentID: "a1", AgentTranscriptPath: agentPath,
	})

	var reviewerUpdate recordedEvent
	for _, e := range rec.eventsOfType(ingest.TypeTraceCreate) {
		if e.Body["id"] == reviewerTrace {
			if _, ok := e.Body["output"]; ok {
				reviewerUpdate = e
			}
		}
	}
	if reviewerUpdate.Body == nil {
		t.Fatal("reviewer finalization never pushed")
	}
	if reviewerUpdate.Body["output"] != "Diff looks correct." {
		t.Errorf("reviewer output = %v", reviewerUpdate.Body["output"])
	}

	hs = statefile.LoadHookState(o.Config.HookStatePath())
	if !hs.InSubagent || hs.SubagentCounter != 1 {
		t.Fatalf("hook state after first stop = %+v", hs)
	}
	if _, ok := hs.SubagentTraces["a2"]; !ok {
		t.Fatal("tester routing entry lost")
	}

	o.SubagentStop(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: parentPath,
		AgentID: "a2", LastAssistantMessage: "All tests pass.",
	})
	hs = statefile.LoadHookState(o.Config.HookStatePath())
	if hs.InSubagent || hs.SubagentCounter != 0 {
		t.Errorf("hook state after last stop = %+v", hs)
	}
}

func TestSessionStartRegistersAndAdvises(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	o.Config.Pacing.Enabled = true

	d := o.SessionStart(context.Background(), hooks.Event{
		SessionID: "s1", Source: "startup", CWD: "/repo",
	})
	if d.AdditionalContext != "" {
		t.Errorf("advisory without decisions = %q", d.AdditionalContext)
	}

	sessions := statefile.ListSessions(o.Config.SessionsDir())
	if len(sessions) != 1 || sessions[0].SessionID != "s1" || sessions[0].Cwd != "/repo" {
		t.Errorf("sessions = %+v", sessions)
	}

	if err := o.Store.InsertDecision(store.Decision{
		DecidedAt:         time.Now(),
		ShouldThrottle:    true,
		DelaySeconds:      40,
		ConstrainedWindow: store.WindowFiveHour,
		Deviation:         12,
		FiveHourTarget:    57,
		FiveHourActual:    69,
	}); err != nil {
		t.Fatal(err)
	}
	d = o.SessionStart(context.Background(), hooks.Event{SessionID: "s2", Source: "startup"})
	if !strings.Contains(d.AdditionalContext, "Pacing:") {
		t.Errorf("advisory = %q, want a pacing notice", d.AdditionalContext)
	}
}

// Two prompts in a row without an intervening stop: the lingering trace
// closes with whatever output the transcript holds, and the new turn
// starts clean.
func TestSecondPromptFinalizesLingeringTrace(t *testing.T) {
	o, rec := newTestOrchestrator(t)
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	writeTranscript(t, path, userLine(t, "first question"))

	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "first question",
	})
	firstTrace := statefile.LoadTraceState(o.Config.TraceDir(), "s1").Metadata.CurrentTraceID

	// The heartbeat pushed the staged create and some output arrived.
	writeTranscript(t, path,
		userLine(t, "first question"),
		assistantTextLine(t, "First answer.", "", 0, 0),
	)
	o.PostToolUse(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, ToolName: "Read",
	})

	writeTranscript(t, path,
		userLine(t, "first question"),
		assistantTextLine(t, "First answer.", "", 0, 0),
		userLine(t, "second question"),
	)
	o.UserPromptSubmit(context.Background(), hooks.Event{
		SessionID: "s1", TranscriptPath: path, Prompt: "second question",
	})

	closed := false
	for _, e := range rec.eventsOfType(ingest.TypeTraceCreate) {
		if e.Body["id"] == firstTrace {
			if _, ok := e.Body["output"]; ok {
				closed = true
			}
		}
	}
	if !closed {
		t.Error("lingering trace never finalized")
	}

	ts := statefile.LoadTraceState(o.Config.TraceDir(), "s1")
	if ts.Metadata.CurrentTraceID == firstTrace || ts.Metadata.CurrentTraceID == "" {
		t.Errorf("current trace = %q, want a fresh turn", ts.Metadata.CurrentTraceID)
	}
	if ts.Metadata.TraceStartLine != 3 {
		t.Errorf("start line = %d, want 3", ts.Metadata.TraceStartLine)
	}
}
