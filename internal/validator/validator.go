// Package validator judges whether a proposed code change matches the
// declared intent and the active TDD / clean-code rules.
//
// The judge is an LLM; its outages must never block the user, so every
// transport or parse failure degrades to an approval. Only an explicit
// not-approved verdict blocks.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"

	"github.com/pacerhq/pacer/internal/rules"
)

// Request carries everything the judge sees.
type Request struct {
	RecentMessages []string
	ProposedCode   string
	FilePath       string
	ToolName       string
	TDDRules       []rules.Rule
	CleanCodeRules []rules.Rule
}

// Result is the judge's verdict. The failure flags select the blockage
// category recorded when Approved is false.
type Result struct {
	Approved         bool   `json:"approved"`
	Feedback         string `json:"feedback"`
	TDDFailure       bool   `json:"tdd_failure"`
	CleanCodeFailure bool   `json:"clean_code_failure"`
}

// Validator is the contract pre_tool_use consults.
type Validator interface {
	Validate(ctx context.Context, req Request) (Result, error)
}

// Anthropic implements Validator with a single Messages call.
type Anthropic struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropic builds the LLM-backed validator.
func NewAnthropic(apiKey, model string, timeout time.Duration) *Anthropic {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Anthropic{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}
}

const verdictInstruction = `You review a proposed code change against the user's stated intent and the listed rules.
Respond with ONLY a JSON object: {"approved": bool, "feedback": string, "tdd_failure": bool, "clean_code_failure": bool}.
Approve unless the change clearly violates the intent or a rule. Keep feedback to one or two sentences.`

// Validate runs one judgment. It fails open: any error approves.
func (a *Anthropic) Validate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: buildSystemPrompt(req)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildUserPrompt(req))),
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Intent validator call failed, approving")
		return Result{Approved: true}, nil
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	verdict, err := parseVerdict(text.String())
	if err != nil {
		log.Warn().Err(err).Msg("Intent validator verdict unparseable, approving")
		return Result{Approved: true}, nil
	}
	return verdict, nil
}

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(verdictInstruction)
	if len(req.TDDRules) > 0 {
		b.WriteString("\n\nTDD rules (violations set tdd_failure):\n")
		for _, r := range req.TDDRules {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Text)
		}
	}
	if len(req.CleanCodeRules) > 0 {
		b.WriteString("\nClean-code rules (violations set clean_code_failure):\n")
		for _, r := range req.CleanCodeRules {
			fmt.Fprintf(&b, "- [%s] %s\n", r.ID, r.Text)
		}
	}
	return b.String()
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	if len(req.RecentMessages) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range req.RecentMessages {
			b.WriteString(m)
			b.WriteString("\n---\n")
		}
	}
	fmt.Fprintf(&b, "\nTool: %s\nFile: %s\n\nProposed change:\n%s\n", req.ToolName, req.FilePath, req.ProposedCode)
	return b.String()
}

// parseVerdict extracts the JSON object from the response text, which
// models sometimes wrap in code fences or prose.
func parseVerdict(text string) (Result, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("validator: no JSON object in verdict")
	}
	var r Result
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return Result{}, fmt.Errorf("validator: parse verdict: %w", err)
	}
	return r, nil
}
