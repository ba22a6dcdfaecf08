// Package hooks handles the host-facing edge of every hook invocation:
// one JSON event on stdin, a decision on stdout, and an exit code the
// host actually inspects (0 proceed, 2 block). Everything here degrades
// rather than fails; a malformed event or closed pipe never crashes a
// hook.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Hook names, matching the host subcommand arguments.
const (
	SessionStart     = "session_start"
	UserPromptSubmit = "user_prompt_submit"
	PreToolUse       = "pre_tool_use"
	PostToolUse      = "post_tool_use"
	Stop             = "stop"
	SubagentStart    = "subagent_start"
	SubagentStop     = "subagent_stop"
)

// Exit codes per the host contract.
const (
	ExitProceed = 0
	ExitBlock   = 2
)

// Event is the decoded stdin payload. Fields vary by hook; absent ones
// stay zero.
type Event struct {
	SessionID            string          `json:"session_id"`
	TranscriptPath       string          `json:"transcript_path"`
	CWD                  string          `json:"cwd"`
	Source               string          `json:"source"`
	Prompt               string          `json:"prompt"`
	ToolName             string          `json:"tool_name"`
	ToolInput            json.RawMessage `json:"tool_input"`
	ToolResponse         json.RawMessage `json:"tool_response"`
	ToolUseID            string          `json:"tool_use_id"`
	AgentID              string          `json:"agent_id"`
	AgentType            string          `json:"agent_type"`
	AgentTranscriptPath  string          `json:"agent_transcript_path"`
	LastAssistantMessage string          `json:"last_assistant_message"`
	StopHookActive       bool            `json:"stop_hook_active"`
}

// ReadEvent decodes one event from r. Empty or malformed input yields a
// zero event and a warning; the hook proceeds with what it has.
func ReadEvent(r io.Reader) Event {
	var ev Event
	data, err := io.ReadAll(io.LimitReader(r, 16<<20))
	if err != nil {
		log.Warn().Err(err).Msg("Hook stdin unreadable")
		return ev
	}
	if len(data) == 0 {
		log.Warn().Msg("Hook stdin empty")
		return ev
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn().Err(err).Msg("Hook stdin malformed")
	}
	return ev
}

// ToolInputString renders the tool input for span assembly: a JSON
// object stays structured, anything else flattens to its string form.
func (e Event) ToolInputString() any {
	return rawToAny(e.ToolInput)
}

// ToolResponseString renders the tool response the same way.
func (e Event) ToolResponseString() any {
	return rawToAny(e.ToolResponse)
}

func rawToAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Decision is a hook's verdict, rendered differently per hook class.
type Decision struct {
	Block             bool
	Reason            string
	AdditionalContext string
	HookEventName     string
}

// ExitCode maps the decision to the host contract.
func (d Decision) ExitCode() int {
	if d.Block {
		return ExitBlock
	}
	return ExitProceed
}

// decisionJSON is the stop / pre_tool_use response shape.
type decisionJSON struct {
	Continue *bool  `json:"continue,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// contextJSON is the advisory response shape for the other hooks.
type contextJSON struct {
	HookSpecificOutput struct {
		HookEventName     string `json:"hookEventName"`
		AdditionalContext string `json:"additionalContext"`
	} `json:"hookSpecificOutput"`
}

// Emit writes the decision to w in the shape the invoking hook expects.
// stop and pre_tool_use always answer; other hooks stay silent unless
// they carry an advisory.
func Emit(w io.Writer, hookName string, d Decision) {
	switch hookName {
	case Stop, PreToolUse:
		var out decisionJSON
		if d.Block {
			out.Decision = "block"
			out.Reason = d.Reason
		} else {
			t := true
			out.Continue = &t
		}
		writeJSON(w, out)
	default:
		if d.AdditionalContext == "" {
			return
		}
		var out contextJSON
		out.HookSpecificOutput.HookEventName = hookEventName(hookName, d.HookEventName)
		out.HookSpecificOutput.AdditionalContext = d.AdditionalContext
		writeJSON(w, out)
	}
}

// hookEventName converts a subcommand to the camel-case event name the
// host expects, unless the decision already names one.
func hookEventName(hookName, explicit string) string {
	if explicit != "" {
		return explicit
	}
	switch hookName {
	case SessionStart:
		return "SessionStart"
	case UserPromptSubmit:
		return "UserPromptSubmit"
	case PostToolUse:
		return "PostToolUse"
	case SubagentStart:
		return "SubagentStart"
	case SubagentStop:
		return "SubagentStop"
	default:
		return hookName
	}
}

func writeJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("Decision marshal failed")
		return
	}
	SafePrint(w, string(data))
}

// SafePrint writes s followed by a newline, swallowing broken-pipe
// errors: the host may close our stdout at any moment.
func SafePrint(w io.Writer, s string) {
	if _, err := fmt.Fprintln(w, s); err != nil {
		if isBrokenPipe(err) {
			return
		}
		log.Debug().Err(err).Msg("Hook output write failed")
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
